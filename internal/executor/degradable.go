package executor

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

// Degradable follows the degradation graph on degradable failures. The
// walk tracks visited fitables: a hop back to one of them ends the walk
// with the last error, as does a fitable with no degradation target.
type Degradable struct {
	Next Executor
}

func (d *Degradable) Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error) {
	current, err := single(candidates)
	if err != nil {
		return nil, err
	}
	visited := map[domain.FitableID]struct{}{current.ID(): {}}

	for {
		result, err := d.Next.Execute(ctx, []Fitable{current}, ic, args)
		if err == nil {
			return result, nil
		}
		if !faults.IsDegradable(err) {
			return nil, err
		}

		from := current.ID()
		next, ok := current.Degradation()
		if !ok {
			return nil, faults.AssociateFitable(err, from.String())
		}
		to := next.ID()
		if _, seen := visited[to]; seen {
			logging.OpCtx(ctx).Warn("degradation cycle detected", "fitable", from.String(), "next", to.String())
			return nil, faults.AssociateFitable(err, from.String())
		}
		visited[to] = struct{}{}

		logging.OpCtx(ctx).Info("degrading fitable", "from", from.String(), "to", to.String(), "error", err)
		metrics.Global().RecordDegradation(from.Genericable().String(), from.Key().String(), to.Key().String())
		current = next
	}
}
