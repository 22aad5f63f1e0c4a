package balancer

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
)

// Request is what a filter sees of the call being balanced.
type Request struct {
	Fitable domain.FitableInfo
	Context *domain.InvocationContext
	Args    []any
	// Generic is set for calls without a bound method.
	Generic bool
}

// Filter narrows a target list. Filters never modify their input; a
// filter that rewrites a target returns a clone.
type Filter interface {
	Name() string
	Filter(ctx context.Context, req *Request, targets []domain.Target) []domain.Target
}

type filterFunc func(ctx context.Context, req *Request, targets []domain.Target) []domain.Target

type basicFilter struct {
	name   string
	filter filterFunc
}

func (f *basicFilter) Name() string { return f.name }

func (f *basicFilter) Filter(ctx context.Context, req *Request, targets []domain.Target) []domain.Target {
	return f.filter(ctx, req, targets)
}

// NewFilter adapts fn to a named Filter.
func NewFilter(name string, fn func(ctx context.Context, req *Request, targets []domain.Target) []domain.Target) Filter {
	return &basicFilter{name: name, filter: fn}
}

// targetPredicate keeps a target when it returns true.
type targetPredicate func(req *Request, t domain.Target) bool

func toFilterFunc(p targetPredicate) filterFunc {
	return func(_ context.Context, req *Request, targets []domain.Target) []domain.Target {
		filtered := make([]domain.Target, 0, len(targets))
		for _, t := range targets {
			if p(req, t) {
				filtered = append(filtered, t)
			}
		}
		return filtered
	}
}

// Chain applies filters left to right, each narrowing the previous
// result. An empty result short-circuits.
type Chain []Filter

func (c Chain) Name() string { return "chain" }

func (c Chain) Filter(ctx context.Context, req *Request, targets []domain.Target) []domain.Target {
	for _, f := range c {
		if len(targets) == 0 {
			return targets
		}
		targets = f.Filter(ctx, req, targets)
	}
	return targets
}

// EnvironmentFilter keeps the pinned environment if the call pins one.
// Otherwise the first environment of the priority list that has any
// target wins; with no priority list every target is kept.
func EnvironmentFilter() Filter {
	return &basicFilter{name: "environment", filter: func(ctx context.Context, req *Request, targets []domain.Target) []domain.Target {
		ic := req.Context
		if ic.Environment != "" {
			return toFilterFunc(func(_ *Request, t domain.Target) bool {
				return t.Environment == ic.Environment
			})(ctx, req, targets)
		}
		for _, env := range ic.EnvironmentPriority {
			filtered := toFilterFunc(func(_ *Request, t domain.Target) bool {
				return t.Environment == env
			})(ctx, req, targets)
			if len(filtered) > 0 {
				return filtered
			}
		}
		if len(ic.EnvironmentPriority) > 0 {
			return nil
		}
		return targets
	}}
}

// ProtocolSupport reports whether a transport client speaks a protocol.
type ProtocolSupport interface {
	Supports(p domain.Protocol) bool
}

// FormatSupport reports whether a serializer handles a format.
type FormatSupport interface {
	Supports(f domain.Format) bool
}

// CapabilityFilter narrows every target to the endpoints a local client
// can reach and the formats a local serializer can handle, honouring the
// call's protocol and format preferences. Generic calls only keep the
// self-describing formats. Targets left without an endpoint or a format
// are dropped; the local worker needs no endpoint.
func CapabilityFilter(protocols ProtocolSupport, formats FormatSupport) Filter {
	return &basicFilter{name: "capability", filter: func(_ context.Context, req *Request, targets []domain.Target) []domain.Target {
		ic := req.Context
		filtered := make([]domain.Target, 0, len(targets))
		for _, t := range targets {
			local := t.WorkerID != "" && t.WorkerID == ic.LocalWorkerID
			out := t.Clone()

			out.Endpoints = out.Endpoints[:0]
			for _, ep := range t.Endpoints {
				if ic.Protocol != domain.ProtocolUnknown && ep.Protocol != ic.Protocol {
					continue
				}
				if protocols != nil && !protocols.Supports(ep.Protocol) {
					continue
				}
				out.Endpoints = append(out.Endpoints, ep)
			}

			out.Formats = out.Formats[:0]
			for _, f := range t.Formats {
				if ic.Format != domain.FormatUnknown && f != ic.Format {
					continue
				}
				if req.Generic && !domain.IsGenericFormat(f) {
					continue
				}
				if formats != nil && !formats.Supports(f) {
					continue
				}
				out.Formats = append(out.Formats, f)
			}

			if local {
				filtered = append(filtered, out)
				continue
			}
			if len(out.Endpoints) == 0 || len(out.Formats) == 0 {
				continue
			}
			filtered = append(filtered, out)
		}
		return filtered
	}}
}

// Health reports whether a worker may be called.
type Health interface {
	Available(workerID string) bool
}

// HealthFilter drops remote workers reported unavailable.
func HealthFilter(h Health) Filter {
	return &basicFilter{name: "health", filter: toFilterFunc(func(req *Request, t domain.Target) bool {
		return t.WorkerID == req.Context.LocalWorkerID || h.Available(t.WorkerID)
	})}
}

// CallerFilter applies the call's LoadBalanceFilter, if any.
func CallerFilter() Filter {
	return &basicFilter{name: "caller", filter: func(_ context.Context, req *Request, targets []domain.Target) []domain.Target {
		if req.Context.LoadBalanceFilter == nil {
			return targets
		}
		return req.Context.LoadBalanceFilter.Filter(req.Fitable, targets, req.Args, req.Context.Extensions)
	}}
}
