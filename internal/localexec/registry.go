// Package localexec holds the in-process executors of this worker.
//
// The Registry is the only mutable structure shared by concurrent calls.
// It is created once at process start and changed only through Register
// and Unregister. Reads take the read lock; writes take the write lock and
// prune branches left empty, so the nested maps never hold dangling
// levels. Observers are notified after the write lock is released.
package localexec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/logging"
)

// Observer is notified after an executor is registered.
type Observer interface {
	OnLocalExecutorRegistered(id domain.FitableID, e *Executor)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(id domain.FitableID, e *Executor)

func (f ObserverFunc) OnLocalExecutorRegistered(id domain.FitableID, e *Executor) { f(id, e) }

// genericableID -> genericableVersion -> fitableID -> fitableVersion
type executorTree map[string]map[string]map[string]map[string]*Executor

// Registry maps fitable identities to local executors.
type Registry struct {
	mu        sync.RWMutex
	executors executorTree

	obsMu     sync.RWMutex
	observers []Observer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(executorTree)}
}

// AddObserver subscribes o to future registrations.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

// Register binds e to its fitable identity. Registering the same identity
// twice is an error.
func (r *Registry) Register(e *Executor) error {
	id := e.ID()
	if id.GenericableID == "" || id.FitableID == "" {
		return fmt.Errorf("register local executor: incomplete identity %s", id)
	}

	r.mu.Lock()
	versions, ok := r.executors[id.GenericableID]
	if !ok {
		versions = make(map[string]map[string]map[string]*Executor)
		r.executors[id.GenericableID] = versions
	}
	fitables, ok := versions[id.GenericableVersion]
	if !ok {
		fitables = make(map[string]map[string]*Executor)
		versions[id.GenericableVersion] = fitables
	}
	fitableVersions, ok := fitables[id.FitableID]
	if !ok {
		fitableVersions = make(map[string]*Executor)
		fitables[id.FitableID] = fitableVersions
	}
	if _, exists := fitableVersions[id.FitableVersion]; exists {
		r.mu.Unlock()
		return fmt.Errorf("register local executor: %s already registered", id)
	}
	fitableVersions[id.FitableVersion] = e
	r.mu.Unlock()

	logging.Op().Debug("local executor registered", "fitable", id.String(), "micro", e.IsMicro())

	r.obsMu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.obsMu.RUnlock()
	for _, o := range observers {
		o.OnLocalExecutorRegistered(id, e)
	}
	return nil
}

// Unregister removes the executor for id. It reports whether one existed.
func (r *Registry) Unregister(id domain.FitableID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	versions, ok := r.executors[id.GenericableID]
	if !ok {
		return false
	}
	fitables, ok := versions[id.GenericableVersion]
	if !ok {
		return false
	}
	fitableVersions, ok := fitables[id.FitableID]
	if !ok {
		return false
	}
	if _, ok := fitableVersions[id.FitableVersion]; !ok {
		return false
	}

	delete(fitableVersions, id.FitableVersion)
	if len(fitableVersions) == 0 {
		delete(fitables, id.FitableID)
	}
	if len(fitables) == 0 {
		delete(versions, id.GenericableVersion)
	}
	if len(versions) == 0 {
		delete(r.executors, id.GenericableID)
	}

	logging.Op().Debug("local executor unregistered", "fitable", id.String())
	return true
}

// Get returns the executor bound to id.
func (r *Registry) Get(id domain.FitableID) (*Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[id.GenericableID][id.GenericableVersion][id.FitableID][id.FitableVersion]
	return e, ok
}

// List returns every registered executor ordered by identity.
func (r *Registry) List() []*Executor {
	r.mu.RLock()
	out := make([]*Executor, 0)
	for _, versions := range r.executors {
		for _, fitables := range versions {
			for _, fitableVersions := range fitables {
				for _, e := range fitableVersions {
					out = append(out, e)
				}
			}
		}
	}
	r.mu.RUnlock()

	sortExecutors(out)
	return out
}

// ByGenericable returns the executors of one genericable version ordered
// by identity.
func (r *Registry) ByGenericable(g domain.GenericableID) []*Executor {
	r.mu.RLock()
	out := make([]*Executor, 0)
	for _, fitableVersions := range r.executors[g.ID][g.Version] {
		for _, e := range fitableVersions {
			out = append(out, e)
		}
	}
	r.mu.RUnlock()

	sortExecutors(out)
	return out
}

func sortExecutors(es []*Executor) {
	sort.Slice(es, func(i, j int) bool {
		return es[i].ID().String() < es[j].ID().String()
	})
}
