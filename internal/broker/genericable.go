package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/router"
)

// Genericable is an abstract service contract and the fitables that
// implement it. Fitables are added at configuration time; a call works on
// a snapshot.
type Genericable struct {
	id     domain.GenericableID
	name   string
	kind   string
	method *domain.Method
	route  string
	tags   []string
	rt     *runtime

	mu       sync.RWMutex
	fitables map[domain.FitableKey]*Fitable
}

func (g *Genericable) ID() domain.GenericableID { return g.id }
func (g *Genericable) Name() string             { return g.name }
func (g *Genericable) Kind() string             { return g.kind }
func (g *Genericable) Route() string            { return g.route }
func (g *Genericable) Tags() []string           { return append([]string(nil), g.tags...) }

// Method returns the bound signature, nil for generic genericables.
func (g *Genericable) Method() *domain.Method { return g.method }

// AddFitable attaches f. It fails when f belongs to another genericable
// or its key is taken.
func (g *Genericable) AddFitable(f *Fitable) error {
	if f.owner != nil && f.owner != g {
		return faults.Newf(faults.CodeRouterConfig, "fitable %s already belongs to %s", f.id, f.owner.id)
	}
	key := f.id.Key()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.fitables[key]; ok {
		return faults.Newf(faults.CodeRouterConfig, "fitable %s already defined on %s", key, g.id)
	}
	f.owner = g
	f.id = domain.NewFitableID(g.id, key.ID, key.Version)
	g.fitables[key] = f
	return nil
}

// RemoveFitable detaches the fitable with key.
func (g *Genericable) RemoveFitable(key domain.FitableKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.fitables[key]; !ok {
		return false
	}
	delete(g.fitables, key)
	return true
}

// Fitables returns the fitables sorted by key.
func (g *Genericable) Fitables() []*Fitable {
	g.mu.RLock()
	out := make([]*Fitable, 0, len(g.fitables))
	for _, f := range g.fitables {
		out = append(out, f)
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].id, out[j].id
		if a.FitableID != b.FitableID {
			return a.FitableID < b.FitableID
		}
		return a.FitableVersion < b.FitableVersion
	})
	return out
}

// Fitable returns the fitable with key.
func (g *Genericable) Fitable(key domain.FitableKey) (*Fitable, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	f, ok := g.fitables[key]
	return f, ok
}

// Execute routes the call to its fitables and runs the executor chain
// ic asks for. Every error returned is a *faults.Error associated with
// the genericable.
func (g *Genericable) Execute(ctx context.Context, ic *domain.InvocationContext, args []any) (result any, err error) {
	if g.rt == nil {
		return nil, faults.AssociateGenericable(
			faults.New(faults.CodeMissingCollaborator, "genericable is not attached to a broker"), g.id.ID)
	}
	if ic == nil {
		ic = domain.NewInvocationContext(g.rt.workerID)
	}
	start := time.Now()
	fitableLabel := "*"

	ctx, span := observability.StartSpan(ctx, "orbit.genericable",
		observability.AttrGenericableID.String(g.id.String()),
		observability.AttrCommunication.String(ic.Communication.String()),
	)
	defer func() {
		observability.EndSpan(span, err)
		metrics.Global().RecordInvocation(g.id.String(), fitableLabel, ic.Communication.String(), time.Since(start), statusOf(err))
	}()

	if ic.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ic.Timeout)
		defer cancel()
	}

	routed, err := router.Route[*Fitable](ctx, g, ic, args)
	if err != nil {
		return nil, faults.AssociateGenericable(err, g.id.ID)
	}
	switch {
	case len(routed) == 0:
		return nil, faults.NewFitableNotFound(g.id.ID)
	case !ic.IsMulticast() && len(routed) > 1:
		return nil, faults.NewTooManyFitables(g.id.ID, len(routed))
	case !ic.IsMulticast():
		fitableLabel = routed[0].id.Key().String()
	}

	candidates := make([]executor.Fitable, len(routed))
	for i, f := range routed {
		candidates[i] = f
	}
	result, err = executor.Compose(ic).Execute(ctx, candidates, ic, args)
	if err != nil {
		return nil, faults.AssociateGenericable(err, g.id.ID)
	}
	return result, nil
}

func statusOf(err error) string {
	if err == nil {
		return "success"
	}
	return faults.ClassOf(faults.CodeOf(err)).String()
}
