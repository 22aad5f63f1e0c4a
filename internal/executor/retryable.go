package executor

import (
	"context"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
)

// Retryable re-runs Next while it fails with a retryable error, up to
// ic.Retry additional attempts.
type Retryable struct {
	Next Executor
}

func (r *Retryable) Execute(ctx context.Context, candidates []Fitable, ic *domain.InvocationContext, args []any) (any, error) {
	f, err := single(candidates)
	if err != nil {
		return nil, err
	}
	id := f.ID()
	attempts := ic.Retry + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := r.Next.Execute(ctx, candidates, ic, args)
		if err == nil {
			return result, nil
		}
		if !faults.IsRetryable(err) {
			return nil, faults.AssociateFitable(err, id.String())
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			break
		}
		logging.OpCtx(ctx).Debug("retrying fitable", "fitable", id.String(), "attempt", attempt+1, "of", attempts, "error", err)
		metrics.Global().RecordRetry(id.Genericable().String(), id.Key().String())
	}
	return nil, faults.AssociateFitable(lastErr, id.String())
}
