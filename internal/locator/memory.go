package locator

import (
	"context"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/domain"
)

// MemoryRegistry is an in-process Publisher, used for static
// configuration and tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	targets map[domain.FitableID]map[string]domain.Target
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{targets: make(map[domain.FitableID]map[string]domain.Target)}
}

func (r *MemoryRegistry) Register(_ context.Context, id domain.FitableID, target domain.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byWorker, ok := r.targets[id]
	if !ok {
		byWorker = make(map[string]domain.Target)
		r.targets[id] = byWorker
	}
	byWorker[target.WorkerID] = target.Clone()
	return nil
}

func (r *MemoryRegistry) Deregister(_ context.Context, id domain.FitableID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byWorker, ok := r.targets[id]
	if !ok {
		return nil
	}
	delete(byWorker, workerID)
	if len(byWorker) == 0 {
		delete(r.targets, id)
	}
	return nil
}

// GetTargetsFor returns copies ordered by worker id.
func (r *MemoryRegistry) GetTargetsFor(_ context.Context, id domain.FitableID) ([]domain.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byWorker := r.targets[id]
	out := make([]domain.Target, 0, len(byWorker))
	for _, t := range byWorker {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
