package localexec

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
)

func testID(fitable string) domain.FitableID {
	return domain.FitableID{
		GenericableID:      "s1",
		GenericableVersion: "1",
		FitableID:          fitable,
		FitableVersion:     "1",
	}
}

func echoExecutor(id domain.FitableID) *Executor {
	return NewExecutor(id, func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	}, WithParams(reflect.TypeOf("")))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	e := echoExecutor(testID("f1"))

	if err := r.Register(e); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	got, ok := r.Get(testID("f1"))
	if !ok || got != e {
		t.Fatal("expected registered executor to be returned")
	}
	if _, ok := r.Get(testID("missing")); ok {
		t.Fatal("expected miss for unknown fitable")
	}
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoExecutor(testID("f1"))); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(echoExecutor(testID("f1"))); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsIncompleteIdentity(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(echoExecutor(domain.FitableID{GenericableID: "s1"})); err == nil {
		t.Fatal("expected incomplete identity to be rejected")
	}
}

func TestRegistryUnregisterPrunesEmptyBranches(t *testing.T) {
	r := NewRegistry()
	id := testID("f1")
	if err := r.Register(echoExecutor(id)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if !r.Unregister(id) {
		t.Fatal("expected Unregister to report removal")
	}
	if len(r.executors) != 0 {
		t.Fatalf("expected empty tree, got %v", r.executors)
	}
	if r.Unregister(id) {
		t.Fatal("second Unregister should report nothing removed")
	}
}

func TestRegistryUnregisterKeepsSiblings(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoExecutor(testID("f1")))
	_ = r.Register(echoExecutor(testID("f2")))

	r.Unregister(testID("f1"))

	fitables := r.executors["s1"]["1"]
	if len(fitables) != 1 {
		t.Fatalf("expected 1 fitable left, got %d", len(fitables))
	}
	if _, ok := fitables["f1"]; ok {
		t.Fatal("f1 branch should have been pruned")
	}
}

func TestRegistryListAndByGenericable(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(echoExecutor(testID("f2")))
	_ = r.Register(echoExecutor(testID("f1")))
	other := domain.FitableID{GenericableID: "s2", GenericableVersion: "1", FitableID: "x", FitableVersion: "1"}
	_ = r.Register(echoExecutor(other))

	all := r.List()
	if len(all) != 3 {
		t.Fatalf("expected 3 executors, got %d", len(all))
	}

	byG := r.ByGenericable(domain.GenericableID{ID: "s1", Version: "1"})
	if len(byG) != 2 {
		t.Fatalf("expected 2 executors for s1, got %d", len(byG))
	}
	if byG[0].ID().FitableID != "f1" || byG[1].ID().FitableID != "f2" {
		t.Fatalf("expected sorted order, got %s, %s", byG[0].ID(), byG[1].ID())
	}
}

func TestRegistryObserverCalledOutsideLock(t *testing.T) {
	r := NewRegistry()
	var seen []domain.FitableID
	r.AddObserver(ObserverFunc(func(id domain.FitableID, e *Executor) {
		// Reading under the observer proves the write lock is released.
		if _, ok := r.Get(id); !ok {
			t.Errorf("observer could not see %s", id)
		}
		seen = append(seen, id)
	}))

	_ = r.Register(echoExecutor(testID("f1")))
	if len(seen) != 1 || seen[0] != testID("f1") {
		t.Fatalf("unexpected observer calls: %v", seen)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := testID(fmt.Sprintf("f%d", i))
			_ = r.Register(echoExecutor(id))
			r.Get(id)
			r.List()
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	if len(r.executors) != 0 {
		t.Fatalf("expected empty tree after concurrent churn, got %d genericables", len(r.executors))
	}
}

func TestExecutorValidate(t *testing.T) {
	e := NewExecutor(testID("f1"), func(ctx context.Context, args []any) (any, error) { return nil, nil },
		WithParams(reflect.TypeOf(""), reflect.TypeOf(0)))

	tests := []struct {
		name    string
		args    []any
		wantErr bool
	}{
		{"exact", []any{"a", 1}, false},
		{"nil allowed", []any{nil, 1}, false},
		{"too few", []any{"a"}, true},
		{"wrong type", []any{"a", "b"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.Validate(tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate(%v) err = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil && !faults.HasCode(err, faults.CodeArgumentMismatch) {
				t.Fatalf("expected argument mismatch code, got %v", err)
			}
		})
	}
}

func TestExecutorInvokeWrapsHandlerError(t *testing.T) {
	cause := faults.NewRetryable("busy")
	e := NewExecutor(testID("f1"), func(ctx context.Context, args []any) (any, error) {
		return nil, cause
	})

	_, err := e.Invoke(context.Background(), nil)
	var inv *faults.InvocationError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvocationError, got %T", err)
	}
	if !faults.IsRetryable(err) {
		t.Fatal("classification should see through the invocation wrapper")
	}
}

func TestExecutorInvokeRecoversPanic(t *testing.T) {
	e := NewExecutor(testID("f1"), func(ctx context.Context, args []any) (any, error) {
		panic("boom")
	})

	_, err := e.Invoke(context.Background(), nil)
	var inv *faults.InvocationError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvocationError from panic, got %v", err)
	}
}

func TestNewFuncExecutor(t *testing.T) {
	e, err := NewFuncExecutor(testID("add"), func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	})
	if err != nil {
		t.Fatalf("NewFuncExecutor failed: %v", err)
	}
	if len(e.ParamTypes()) != 2 || e.ReturnType() != reflect.TypeOf(0) {
		t.Fatalf("unexpected contract: %v -> %v", e.ParamTypes(), e.ReturnType())
	}

	got, err := e.Invoke(context.Background(), []any{2, 3})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if got != 5 {
		t.Fatalf("expected 5, got %v", got)
	}

	if _, err := e.Invoke(context.Background(), []any{2, "x"}); !faults.HasCode(err, faults.CodeArgumentMismatch) {
		t.Fatalf("expected argument mismatch, got %v", err)
	}
}

func TestNewFuncExecutorRejectsBadSignatures(t *testing.T) {
	cases := []any{
		"not a func",
		func(a int) int { return a },
		func(a ...int) error { return nil },
		func() (int, int, error) { return 0, 0, nil },
	}
	for i, fn := range cases {
		if _, err := NewFuncExecutor(testID("bad"), fn); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
