package executor

import (
	"context"
	"reflect"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

// Call is one fitable invocation handed to the target-level executors.
type Call struct {
	Fitable domain.FitableID
	// Method is nil for generic calls.
	Method  *domain.Method
	Context *domain.InvocationContext
	Args    []any
}

// Generic reports whether the call has no bound method.
func (c *Call) Generic() bool { return c.Method == nil }

func (c *Call) paramTypes() []reflect.Type {
	if c.Method == nil {
		return nil
	}
	return c.Method.ParamTypes
}

func (c *Call) returnType() reflect.Type {
	if c.Method == nil {
		return nil
	}
	return c.Method.ReturnType
}

// TargetExecutor runs a call on one target.
type TargetExecutor interface {
	ExecuteTarget(ctx context.Context, call *Call, target domain.Target) (any, error)
}

// TargetMulticast runs a call on every target, in order, locally for the
// caller's own worker and through Remote otherwise. Failed branches
// contribute nil to the fold.
type TargetMulticast struct {
	Local  TargetExecutor
	Remote TargetExecutor
}

func (m *TargetMulticast) Execute(ctx context.Context, call *Call, targets []domain.Target) (any, error) {
	ic := call.Context
	if ic.Reducer == nil {
		return nil, missingReducer()
	}

	results := make([]any, len(targets))
	succeeded := 0
	for i, t := range targets {
		exec := m.Remote
		if t.WorkerID == ic.LocalWorkerID {
			exec = m.Local
		}
		result, err := exec.ExecuteTarget(ctx, call, t)
		if err != nil {
			logging.OpCtx(ctx).Warn("multicast target failed", "fitable", call.Fitable.String(), "worker", t.WorkerID, "error", err)
			metrics.Global().RecordBranchFailure(call.Fitable.Genericable().String(), "target")
			continue
		}
		results[i] = result
		succeeded++
	}
	return fold(results, succeeded, ic.Reducer)
}
