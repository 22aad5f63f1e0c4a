// Package router narrows the fitables of a genericable to the candidates
// of one invocation.
package router

import (
	"context"
	"fmt"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
)

// Catalog is the genericable side the router reads: its fitables in a
// stable order and lookup by key.
type Catalog[F domain.FitableInfo] interface {
	domain.GenericableInfo
	Fitables() []F
	Fitable(key domain.FitableKey) (F, bool)
}

// Route returns the candidates for one call. Without a route filter that
// is every fitable of g. Otherwise the filter decides, and each fitable it
// returns is resolved back to the instance g owns; a result g does not own
// is a configuration error.
func Route[F domain.FitableInfo](ctx context.Context, g Catalog[F], ic *domain.InvocationContext, args []any) ([]F, error) {
	all := g.Fitables()
	if ic == nil || ic.RouteFilter == nil {
		return all, nil
	}

	infos := make([]domain.FitableInfo, len(all))
	for i, f := range all {
		infos[i] = f
	}
	routed, err := applyFilter(ic, g, infos, args)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", g.ID(), err)
	}

	out := make([]F, 0, len(routed))
	for _, r := range routed {
		if r == nil {
			return nil, faults.AssociateGenericable(
				faults.New(faults.CodeRouterConfig, "route filter returned a nil fitable"), g.ID().ID)
		}
		id := r.ID()
		// Stand-ins may carry only the fitable key; a genericable part, when
		// present, must name g.
		foreign := id.GenericableID != "" && id.Genericable() != g.ID()
		owned, ok := g.Fitable(id.Key())
		if foreign || !ok {
			return nil, faults.AssociateGenericable(
				faults.Newf(faults.CodeRouterConfig, "route filter returned %s which %s does not own", id, g.ID()), g.ID().ID)
		}
		out = append(out, owned)
	}

	logging.OpCtx(ctx).Debug("routed fitables", "genericable", g.ID().String(), "candidates", len(out), "total", len(all))
	return out, nil
}

func applyFilter(ic *domain.InvocationContext, g domain.GenericableInfo, infos []domain.FitableInfo, args []any) (routed []domain.FitableInfo, err error) {
	defer faults.Recover(&err, "route filter")
	return ic.RouteFilter.Route(g, infos, args, ic.Extensions)
}
