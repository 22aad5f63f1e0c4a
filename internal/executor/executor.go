// Package executor holds the composable strategies that perform a call.
//
// Genericable-level executors run over candidate fitables:
//
//	Unicast(Degradable(Retryable(Direct)))     unicast call
//	Multicast(Degradable(Retryable(Direct)))   multicast call
//
// Degradable is only present when the call opts in. Fitable-level
// executors run over the targets of one fitable: Local, Remote,
// GenericRemote and TargetMulticast.
//
// Everything runs on the calling goroutine. Retries and degradation hops
// are immediate; multicast branches run one after another in candidate
// order.
package executor

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
)

// Fitable is what the genericable-level executors need of a fitable.
type Fitable interface {
	domain.FitableInfo
	Execute(ctx context.Context, ic *domain.InvocationContext, args []any) (any, error)
	// Degradation returns the sibling this fitable degrades to.
	Degradation() (Fitable, bool)
}

// Executor runs a call over candidate fitables.
type Executor interface {
	Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error)
}

// Compose builds the executor chain for ic.
func Compose(ic *domain.InvocationContext) Executor {
	var chain Executor = &Retryable{Next: Direct{}}
	if ic.Degradable {
		chain = &Degradable{Next: chain}
	}
	if ic.IsMulticast() {
		return &Multicast{Next: chain}
	}
	return &Unicast{Next: chain}
}

// Direct calls the single candidate.
type Direct struct{}

func (Direct) Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error) {
	f, err := single(candidates)
	if err != nil {
		return nil, err
	}
	return f.Execute(ctx, ic, args)
}

// Unicast requires exactly one candidate.
type Unicast struct {
	Next Executor
}

func (u *Unicast) Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error) {
	if _, err := single(candidates); err != nil {
		return nil, err
	}
	return u.Next.Execute(ctx, candidates, ic, args)
}

func single(candidates []Fitable) (Fitable, error) {
	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return nil, faults.NewFitableNotFound("")
	default:
		return nil, faults.NewTooManyFitables(candidates[0].ID().GenericableID, len(candidates))
	}
}

// fold reduces branch results left to right. With no successful branch
// the result is nil and the reducer is not called.
func fold(results []any, succeeded int, reduce domain.Reducer) (acc any, err error) {
	if succeeded == 0 || len(results) == 0 {
		return nil, nil
	}
	defer faults.Recover(&err, "multicast reducer")
	acc = results[0]
	for _, r := range results[1:] {
		acc = reduce(acc, r)
	}
	return acc, nil
}

func missingReducer() error {
	return faults.New(faults.CodeMissingCollaborator, "multicast call without reducer")
}
