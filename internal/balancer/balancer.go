// Package balancer turns the targets of a fitable into the ordered list a
// call is sent to.
package balancer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
)

// TargetLocator resolves the targets of a fitable.
type TargetLocator interface {
	Lookup(ctx context.Context, id domain.FitableID) ([]domain.Target, error)
}

// Balancer runs the filter chain over the located targets.
type Balancer struct {
	locator TargetLocator
	chain   Chain
	cursor  atomic.Uint64
}

// Options configure a Balancer. Nil capability checks accept everything;
// a nil Health disables the health filter.
type Options struct {
	Protocols ProtocolSupport
	Formats   FormatSupport
	Health    Health
}

// New creates a balancer with the environment, capability, health and
// caller filters, in that order.
func New(locator TargetLocator, opts Options) *Balancer {
	chain := Chain{
		EnvironmentFilter(),
		CapabilityFilter(opts.Protocols, opts.Formats),
	}
	if opts.Health != nil {
		chain = append(chain, HealthFilter(opts.Health))
	}
	chain = append(chain, CallerFilter())
	return &Balancer{locator: locator, chain: chain}
}

// Balance returns the eligible targets of f. With LoadBalanceWith set only
// workers that also serve every listed fitable remain. An empty result is
// a target-not-found error associated with f.
func (b *Balancer) Balance(ctx context.Context, f domain.FitableInfo, ic *domain.InvocationContext, args []any, generic bool) ([]domain.Target, error) {
	id := f.ID()
	targets, err := b.locator.Lookup(ctx, id)
	if err != nil {
		return nil, faults.AssociateFitable(fmt.Errorf("locate %s: %w", id, err), id.String())
	}

	req := &Request{Fitable: f, Context: ic, Args: args, Generic: generic}
	targets, err = b.filter(ctx, req, targets)
	if err != nil {
		return nil, faults.AssociateFitable(err, id.String())
	}

	for _, with := range ic.LoadBalanceWith {
		if len(targets) == 0 {
			break
		}
		others, err := b.locator.Lookup(ctx, with)
		if err != nil {
			return nil, faults.AssociateFitable(fmt.Errorf("locate %s: %w", with, err), id.String())
		}
		targets = intersect(targets, others)
	}

	if len(targets) == 0 {
		return nil, faults.NewTargetNotFound(id.String())
	}
	logging.OpCtx(ctx).Debug("balanced targets", "fitable", id.String(), "targets", len(targets))
	return targets, nil
}

// filter runs the chain, turning a panicking filter into an error.
func (b *Balancer) filter(ctx context.Context, req *Request, targets []domain.Target) (out []domain.Target, err error) {
	defer faults.Recover(&err, "load balance filter")
	return b.chain.Filter(ctx, req, targets), nil
}

// intersect keeps the targets whose worker also appears in others.
func intersect(targets, others []domain.Target) []domain.Target {
	workers := domain.WorkerIDs(others)
	out := make([]domain.Target, 0, len(targets))
	for _, t := range targets {
		if _, ok := workers[t.WorkerID]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Next orders targets for one call: the local worker first when present,
// otherwise the remote targets rotated by the balancer's shared cursor.
func (b *Balancer) Next(targets []domain.Target, localWorkerID string) []domain.Target {
	return RoundRobin(targets, localWorkerID, b.cursor.Add(1)-1)
}

// RoundRobin returns targets reordered for a call: the local target alone
// if present, else the remote targets starting at offset modulo their
// count. The input is not modified.
func RoundRobin(targets []domain.Target, localWorkerID string, offset uint64) []domain.Target {
	if len(targets) == 0 {
		return nil
	}
	if localWorkerID != "" {
		for _, t := range targets {
			if t.WorkerID == localWorkerID {
				return []domain.Target{t}
			}
		}
	}
	n := uint64(len(targets))
	start := offset % n
	out := make([]domain.Target, 0, len(targets))
	for i := uint64(0); i < n; i++ {
		out = append(out, targets[(start+i)%n])
	}
	return out
}
