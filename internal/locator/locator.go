// Package locator resolves where a fitable can be executed.
//
// Lookup tries, in order: a micro local executor, a static entry, the
// dynamic registry, then a regular local executor. Targets are built fresh
// on every lookup and never cached here; caching belongs to the registry.
package locator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/logging"
)

// Registry is the discovery backend.
type Registry interface {
	GetTargetsFor(ctx context.Context, id domain.FitableID) ([]domain.Target, error)
}

// Publisher is a registry that accepts registrations.
type Publisher interface {
	Registry
	Register(ctx context.Context, id domain.FitableID, target domain.Target) error
	Deregister(ctx context.Context, id domain.FitableID, workerID string) error
}

// Listener is a local server whose endpoints make up the local target.
type Listener interface {
	Endpoints() []domain.Endpoint
	Extensions() map[string]string
}

// StaticEntry routes a genericable, or one of its fitables, to an external
// locator and pins the formats its targets are called with. An empty
// FitableID matches every fitable of the genericable.
type StaticEntry struct {
	Genericable domain.GenericableID
	FitableID   string
	Formats     []domain.Format
	Source      Registry
}

func (e StaticEntry) matches(id domain.FitableID) bool {
	if e.Genericable.ID != id.GenericableID || e.Genericable.Version != id.GenericableVersion {
		return false
	}
	return e.FitableID == "" || e.FitableID == id.FitableID
}

// Config describes the local worker.
type Config struct {
	WorkerID    string
	Host        string
	Environment string
	// Formats advertised by the local target, normally the serializer
	// formats this process supports.
	Formats []domain.Format
}

// Locator implements target lookup for one worker.
type Locator struct {
	cfg       Config
	executors *localexec.Registry
	registry  Registry

	mu        sync.RWMutex
	static    []StaticEntry
	listeners []Listener
}

// New creates a locator. registry may be nil when no discovery backend
// is configured.
func New(cfg Config, executors *localexec.Registry, registry Registry) *Locator {
	return &Locator{cfg: cfg, executors: executors, registry: registry}
}

// AddStatic appends a static entry. Earlier entries win.
func (l *Locator) AddStatic(e StaticEntry) error {
	if e.Genericable.ID == "" {
		return fmt.Errorf("static entry: genericable id required")
	}
	if e.Source == nil {
		return fmt.Errorf("static entry %s: source required", e.Genericable)
	}
	l.mu.Lock()
	l.static = append(l.static, e)
	l.mu.Unlock()
	return nil
}

// AddListener contributes l's endpoints to the local target.
func (l *Locator) AddListener(ln Listener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, ln)
	l.mu.Unlock()
}

// WorkerID returns the local worker id.
func (l *Locator) WorkerID() string { return l.cfg.WorkerID }

// Local returns the local target: the worker identity with the union of
// all listener endpoints and extensions.
func (l *Locator) Local() domain.Target {
	l.mu.RLock()
	listeners := append([]Listener(nil), l.listeners...)
	l.mu.RUnlock()

	t := domain.Target{
		WorkerID:    l.cfg.WorkerID,
		Host:        l.cfg.Host,
		Environment: l.cfg.Environment,
		Formats:     append([]domain.Format(nil), l.cfg.Formats...),
		Extensions:  make(map[string]string),
	}
	seen := make(map[domain.Endpoint]struct{})
	for _, ln := range listeners {
		for _, ep := range ln.Endpoints() {
			if _, ok := seen[ep]; ok {
				continue
			}
			seen[ep] = struct{}{}
			t.Endpoints = append(t.Endpoints, ep)
		}
		for k, v := range ln.Extensions() {
			t.Extensions[k] = v
		}
	}
	sort.Slice(t.Endpoints, func(i, j int) bool {
		if t.Endpoints[i].Protocol != t.Endpoints[j].Protocol {
			return t.Endpoints[i].Protocol < t.Endpoints[j].Protocol
		}
		return t.Endpoints[i].Port < t.Endpoints[j].Port
	})
	return t
}

// Lookup returns the targets able to execute id.
func (l *Locator) Lookup(ctx context.Context, id domain.FitableID) ([]domain.Target, error) {
	exec, local := l.localExecutor(id)
	if local && exec.IsMicro() {
		return []domain.Target{l.Local()}, nil
	}

	if entry, ok := l.staticEntry(id); ok {
		targets, err := entry.Source.GetTargetsFor(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("static lookup %s: %w", id, err)
		}
		out := make([]domain.Target, len(targets))
		for i, t := range targets {
			out[i] = t.Clone()
			out[i].Formats = append([]domain.Format(nil), entry.Formats...)
		}
		return out, nil
	}

	if l.registry != nil {
		targets, err := l.registry.GetTargetsFor(ctx, id)
		if err != nil {
			if !local {
				return nil, fmt.Errorf("registry lookup %s: %w", id, err)
			}
			logging.OpCtx(ctx).Warn("registry lookup failed, using local executor", "fitable", id.String(), "error", err)
		} else if len(targets) > 0 {
			out := make([]domain.Target, len(targets))
			for i, t := range targets {
				out[i] = t.Clone()
			}
			return out, nil
		}
	}

	if local {
		return []domain.Target{l.Local()}, nil
	}
	return nil, nil
}

func (l *Locator) localExecutor(id domain.FitableID) (*localexec.Executor, bool) {
	if l.executors == nil {
		return nil, false
	}
	return l.executors.Get(id)
}

func (l *Locator) staticEntry(id domain.FitableID) (StaticEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.static {
		if e.matches(id) {
			return e, true
		}
	}
	return StaticEntry{}, false
}
