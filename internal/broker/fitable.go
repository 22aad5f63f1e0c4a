package broker

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/observability"
)

// Fitable is one implementation of a genericable.
type Fitable struct {
	id          domain.FitableID
	aliases     []string
	tags        []string
	degradation *domain.FitableKey
	owner       *Genericable
}

func (f *Fitable) ID() domain.FitableID { return f.id }
func (f *Fitable) Aliases() []string    { return append([]string(nil), f.aliases...) }
func (f *Fitable) Tags() []string       { return append([]string(nil), f.tags...) }

// Genericable returns the owner, nil before the fitable is attached.
func (f *Fitable) Genericable() *Genericable { return f.owner }

// DegradationKey returns the key of the sibling this fitable degrades to.
func (f *Fitable) DegradationKey() (domain.FitableKey, bool) {
	if f.degradation == nil {
		return domain.FitableKey{}, false
	}
	return *f.degradation, true
}

// Degradation implements executor.Fitable. A key naming no sibling of
// the owner means no degradation.
func (f *Fitable) Degradation() (executor.Fitable, bool) {
	if f.degradation == nil || f.owner == nil {
		return nil, false
	}
	next, ok := f.owner.Fitable(*f.degradation)
	if !ok {
		return nil, false
	}
	return next, true
}

// Execute balances the targets of f and runs the call on them: on every
// target for multicast calls, otherwise on the local worker when it is
// eligible or else on the next remote target in round robin order.
func (f *Fitable) Execute(ctx context.Context, ic *domain.InvocationContext, args []any) (any, error) {
	g := f.owner
	rt := g.rt
	generic := g.method == nil

	targets, err := rt.balancer.Balance(ctx, f, ic, args, generic)
	if err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "orbit.fitable",
		observability.AttrFitableID.String(f.id.String()),
	)
	result, err := f.run(ctx, ic, args, targets, generic)
	observability.EndSpan(span, err)
	return result, err
}

func (f *Fitable) run(ctx context.Context, ic *domain.InvocationContext, args []any, targets []domain.Target, generic bool) (any, error) {
	rt := f.owner.rt
	call := &executor.Call{Fitable: f.id, Method: f.owner.method, Context: ic, Args: args}
	remote := rt.remote
	if generic {
		remote = rt.genericRemote
	}

	if ic.IsMulticast() {
		m := &executor.TargetMulticast{Local: rt.local, Remote: remote}
		return m.Execute(ctx, call, targets)
	}

	next := rt.balancer.Next(targets, ic.LocalWorkerID)[0]
	if ic.LocalWorkerID != "" && next.WorkerID == ic.LocalWorkerID {
		return rt.local.ExecuteTarget(ctx, call, next)
	}
	return remote.ExecuteTarget(ctx, call, next)
}
