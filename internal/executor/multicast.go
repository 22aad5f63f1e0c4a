package executor

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

// Multicast runs Next once per candidate, in order. A failed branch is
// logged and contributes nil; the results are folded with ic.Reducer.
type Multicast struct {
	Next Executor
}

func (m *Multicast) Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error) {
	if ic.Reducer == nil {
		return nil, missingReducer()
	}

	results := make([]any, len(candidates))
	succeeded := 0
	for i, f := range candidates {
		result, err := m.Next.Execute(ctx, []Fitable{f}, ic, args)
		if err != nil {
			id := f.ID()
			logging.OpCtx(ctx).Warn("multicast branch failed", "fitable", id.String(), "error", err)
			metrics.Global().RecordBranchFailure(id.Genericable().String(), "fitable")
			continue
		}
		results[i] = result
		succeeded++
	}
	return fold(results, succeeded, ic.Reducer)
}
