package router

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
)

var gid = domain.GenericableID{ID: "pricing.quote", Version: "1.0.0"}

type fakeFitable struct {
	id   domain.FitableID
	tags []string
}

func (f *fakeFitable) ID() domain.FitableID { return f.id }
func (f *fakeFitable) Aliases() []string    { return nil }
func (f *fakeFitable) Tags() []string       { return f.tags }

type fakeGenericable struct {
	fitables map[domain.FitableKey]*fakeFitable
}

func newGenericable(ids ...string) *fakeGenericable {
	g := &fakeGenericable{fitables: make(map[domain.FitableKey]*fakeFitable)}
	for _, id := range ids {
		f := &fakeFitable{id: domain.NewFitableID(gid, id, "1")}
		g.fitables[f.id.Key()] = f
	}
	return g
}

func (g *fakeGenericable) ID() domain.GenericableID { return gid }
func (g *fakeGenericable) Name() string             { return "quote" }
func (g *fakeGenericable) Tags() []string           { return nil }

func (g *fakeGenericable) Fitables() []*fakeFitable {
	out := make([]*fakeFitable, 0, len(g.fitables))
	for _, f := range g.fitables {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.FitableID < out[j].id.FitableID })
	return out
}

func (g *fakeGenericable) Fitable(key domain.FitableKey) (*fakeFitable, bool) {
	f, ok := g.fitables[key]
	return f, ok
}

// standIn carries only an identity.
type standIn struct{ id domain.FitableID }

func (s standIn) ID() domain.FitableID { return s.id }
func (s standIn) Aliases() []string    { return nil }
func (s standIn) Tags() []string       { return nil }

func TestRouteWithoutFilterReturnsAll(t *testing.T) {
	g := newGenericable("b", "a", "c")
	got, err := Route[*fakeFitable](context.Background(), g, domain.NewInvocationContext("w1"), nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	if len(got) != 3 || got[0].id.FitableID != "a" || got[2].id.FitableID != "c" {
		t.Fatalf("unexpected candidates %v", got)
	}
}

func TestRouteResolvesStandIns(t *testing.T) {
	g := newGenericable("a", "b")
	ic := domain.NewInvocationContext("w1")
	ic.Extensions = map[string]string{"pick": "b"}
	ic.RouteFilter = domain.RouteFilterFunc(func(_ domain.GenericableInfo, fs []domain.FitableInfo, _ []any, ext map[string]string) ([]domain.FitableInfo, error) {
		for _, f := range fs {
			if f.ID().FitableID == ext["pick"] {
				return []domain.FitableInfo{standIn{id: f.ID()}}, nil
			}
		}
		return nil, nil
	})

	got, err := Route[*fakeFitable](context.Background(), g, ic, nil)
	if err != nil {
		t.Fatalf("Route failed: %v", err)
	}
	want, _ := g.Fitable(domain.FitableKey{ID: "b", Version: "1"})
	if len(got) != 1 || got[0] != want {
		t.Fatalf("expected the owned instance of b, got %v", got)
	}
}

func TestRouteUnownedResultIsConfigError(t *testing.T) {
	g := newGenericable("a")
	ic := domain.NewInvocationContext("w1")
	ic.RouteFilter = domain.RouteFilterFunc(func(domain.GenericableInfo, []domain.FitableInfo, []any, map[string]string) ([]domain.FitableInfo, error) {
		return []domain.FitableInfo{standIn{id: domain.NewFitableID(gid, "ghost", "1")}}, nil
	})

	_, err := Route[*fakeFitable](context.Background(), g, ic, nil)
	if !faults.HasCode(err, faults.CodeRouterConfig) {
		t.Fatalf("expected router config error, got %v", err)
	}
	if faults.IsRetryable(err) || faults.IsDegradable(err) {
		t.Fatal("router config errors must be fatal")
	}
}

func TestRouteRejectsFitablesOfOtherGenericables(t *testing.T) {
	g := newGenericable("a", "b")
	other := domain.GenericableID{ID: "pricing.refund", Version: "1.0.0"}
	tests := []struct {
		name string
		id   domain.FitableID
		ok   bool
	}{
		{"same key, other genericable", domain.NewFitableID(other, "a", "1"), false},
		{"same key, other genericable version", domain.NewFitableID(domain.GenericableID{ID: gid.ID, Version: "2.0.0"}, "a", "1"), false},
		{"own identity", domain.NewFitableID(gid, "a", "1"), true},
		{"key only", domain.FitableID{FitableID: "a", FitableVersion: "1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := domain.NewInvocationContext("w1")
			ic.RouteFilter = domain.RouteFilterFunc(func(domain.GenericableInfo, []domain.FitableInfo, []any, map[string]string) ([]domain.FitableInfo, error) {
				return []domain.FitableInfo{standIn{id: tt.id}}, nil
			})
			got, err := Route[*fakeFitable](context.Background(), g, ic, nil)
			if !tt.ok {
				if !faults.HasCode(err, faults.CodeRouterConfig) {
					t.Fatalf("expected router config error, got %v %v", got, err)
				}
				return
			}
			want, _ := g.Fitable(domain.FitableKey{ID: "a", Version: "1"})
			if err != nil || len(got) != 1 || got[0] != want {
				t.Fatalf("expected the owned instance of a, got %v %v", got, err)
			}
		})
	}
}

func TestRouteFilterErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	ic := domain.NewInvocationContext("w1")
	ic.RouteFilter = domain.RouteFilterFunc(func(domain.GenericableInfo, []domain.FitableInfo, []any, map[string]string) ([]domain.FitableInfo, error) {
		return nil, boom
	})
	if _, err := Route[*fakeFitable](context.Background(), newGenericable("a"), ic, nil); !errors.Is(err, boom) {
		t.Fatalf("expected filter error, got %v", err)
	}
}

func TestRouteFilterPanicIsError(t *testing.T) {
	ic := domain.NewInvocationContext("w1")
	ic.RouteFilter = domain.RouteFilterFunc(func(domain.GenericableInfo, []domain.FitableInfo, []any, map[string]string) ([]domain.FitableInfo, error) {
		panic("bad route")
	})
	_, err := Route[*fakeFitable](context.Background(), newGenericable("a"), ic, nil)
	if !faults.HasCode(err, faults.CodeGeneral) || !faults.IsFatal(err) {
		t.Fatalf("expected a general error, got %v", err)
	}
}

func TestRouteEmptyFilterResult(t *testing.T) {
	ic := domain.NewInvocationContext("w1")
	ic.RouteFilter = domain.RouteFilterFunc(func(domain.GenericableInfo, []domain.FitableInfo, []any, map[string]string) ([]domain.FitableInfo, error) {
		return nil, nil
	})
	got, err := Route[*fakeFitable](context.Background(), newGenericable("a"), ic, nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %v %v", got, err)
	}
}
