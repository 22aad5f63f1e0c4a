// Package translator turns the error payload of a failed remote response
// into a typed error.
//
// Codes map to class names through reloadable code tables; class names map
// to factories. A code without a table entry falls back to the class its
// numeric range implies (see faults.ClassOf).
package translator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/logging"
)

// Built-in class names.
const (
	ClassGeneral    = "general"
	ClassRetryable  = "retryable"
	ClassDegradable = "degradable"
	ClassTimeout    = "timeout"
	ClassAuth       = "auth"
)

// Remote is the failure reported by a remote worker.
type Remote struct {
	Code          int32
	Message       string
	Properties    map[string]string
	GenericableID string
	FitableID     string
}

// Factory builds the typed error for a remote failure.
type Factory func(r Remote) error

// Store supplies a code table: code → class name.
type Store interface {
	Name() string
	Load(ctx context.Context) (map[int32]string, error)
}

// Translator maps remote failures to typed errors. Safe for concurrent use.
type Translator struct {
	mu        sync.RWMutex
	codes     map[int32]string
	factories map[string]Factory
	stores    []Store
}

// New creates a translator with the built-in classes and the default code
// table for the faults codes.
func New(stores ...Store) *Translator {
	t := &Translator{
		codes:     defaultCodes(),
		factories: make(map[string]Factory),
		stores:    stores,
	}
	t.factories[ClassGeneral] = classFactory(faults.ClassGeneral)
	t.factories[ClassRetryable] = classFactory(faults.ClassRetryable)
	t.factories[ClassDegradable] = classFactory(faults.ClassDegradable)
	t.factories[ClassTimeout] = classFactory(faults.ClassRetryable)
	t.factories[ClassAuth] = classFactory(faults.ClassGeneral)
	return t
}

func defaultCodes() map[int32]string {
	return map[int32]string{
		int32(faults.CodeGeneral):     ClassGeneral,
		int32(faults.CodeRetryable):   ClassRetryable,
		int32(faults.CodeTimeout):     ClassTimeout,
		int32(faults.CodeTransport):   ClassRetryable,
		int32(faults.CodeDegradable):  ClassDegradable,
		int32(faults.CodeAuthInvalid): ClassAuth,
	}
}

func classFactory(class faults.Class) Factory {
	return func(r Remote) error {
		return &faults.Error{
			Code:          faults.Code(r.Code),
			Class:         class,
			Message:       r.Message,
			Properties:    r.Properties,
			GenericableID: r.GenericableID,
			FitableID:     r.FitableID,
		}
	}
}

// RegisterClass binds a class name to a factory, replacing any previous
// binding.
func (t *Translator) RegisterClass(name string, f Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[name] = f
}

// SetCode maps one code to a class name.
func (t *Translator) SetCode(code int32, class string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes[code] = class
}

// ClassFor returns the class name a code resolves to.
func (t *Translator) ClassFor(code int32) string {
	t.mu.RLock()
	class, ok := t.codes[code]
	t.mu.RUnlock()
	if ok {
		return class
	}
	switch faults.ClassOf(faults.Code(code)) {
	case faults.ClassRetryable:
		return ClassRetryable
	case faults.ClassDegradable:
		return ClassDegradable
	default:
		return ClassGeneral
	}
}

// Translate returns the typed error for r.
func (t *Translator) Translate(r Remote) error {
	class := t.ClassFor(r.Code)

	t.mu.RLock()
	f, ok := t.factories[class]
	t.mu.RUnlock()
	if !ok {
		logging.Op().Warn("code mapped to unknown error class", "code", faults.Code(r.Code).String(), "class", class)
		f = classFactory(faults.ClassOf(faults.Code(r.Code)))
	}
	return f(r)
}

// Reload rebuilds the code table from the default codes and every store,
// later stores overriding earlier ones. On a store error the current table
// is kept.
func (t *Translator) Reload(ctx context.Context) error {
	codes := defaultCodes()
	for _, s := range t.stores {
		table, err := s.Load(ctx)
		if err != nil {
			return fmt.Errorf("load code table %s: %w", s.Name(), err)
		}
		for code, class := range table {
			codes[code] = class
		}
	}

	t.mu.Lock()
	t.codes = codes
	t.mu.Unlock()

	logging.Op().Info("error code tables reloaded", "stores", len(t.stores), "codes", len(codes))
	return nil
}

// OnTopologyChange reloads the code tables. It is meant to be hooked to
// plugin start/stop and local executor registration events.
func (t *Translator) OnTopologyChange(ctx context.Context) {
	if err := t.Reload(ctx); err != nil {
		logging.Op().Error("reload error code tables", "error", err)
	}
}

// Codes returns the current table as sorted codes, for diagnostics.
func (t *Translator) Codes() []int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]int32, 0, len(t.codes))
	for code := range t.codes {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
