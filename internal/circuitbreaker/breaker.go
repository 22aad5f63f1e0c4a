// Package circuitbreaker tracks transport health per remote worker.
//
// Each worker gets a sliding-window breaker:
//
//	Closed ──(error rate ≥ threshold)──► Open ──(OpenDuration elapsed)──► HalfOpen
//	  ▲                                                                        │
//	  └──────────────(all probes succeed)───────────────────────────────────────┘
//	                  (any probe fails) ──────────────────────────────────► Open
//
// Only transport failures are recorded; an application error returned by
// a reachable worker counts as a success. The load balancer drops workers
// that cannot take a request, and the remote executor acquires a slot
// before each send, so a half-open worker sees at most HalfOpenProbes
// requests at a time.
//
// The successes and failures slices hold only timestamps inside the
// current window and are capped at maxWindowEntries.
package circuitbreaker

import (
	"sort"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests are rejected
	StateHalfOpen              // Limited probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the circuit breaker configuration.
type Config struct {
	ErrorPct       float64       // Error percentage threshold to trip the breaker (0-100)
	MinRequests    int           // Requests needed in the window before the rate is evaluated
	WindowDuration time.Duration // Sliding window for error rate calculation
	OpenDuration   time.Duration // How long the breaker stays open before transitioning to half-open
	HalfOpenProbes int           // Number of probe requests allowed in half-open state
}

// Enabled reports whether cfg turns breaking on.
func (c Config) Enabled() bool {
	return c.ErrorPct > 0 && c.WindowDuration > 0 && c.OpenDuration > 0
}

// Breaker is the breaker of one worker.
type Breaker struct {
	mu             sync.Mutex
	cfg            Config
	state          State
	successes      []time.Time
	failures       []time.Time
	openedAt       time.Time
	halfOpenProbes int
	halfOpenOK     int
	now            func() time.Time
	onChange       func(State)
}

// New creates a new circuit breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{
		cfg: cfg,
		now: time.Now,
	}
}

// Allow reports whether a request may be sent, consuming a probe slot in
// the half-open state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenProbes < b.cfg.HalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	}
	return true
}

// Ready reports whether Allow would admit a request, without consuming a
// probe slot.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.advance() {
	case StateOpen:
		return false
	case StateHalfOpen:
		return b.halfOpenProbes < b.cfg.HalfOpenProbes
	}
	return true
}

// RecordSuccess records a request that reached the worker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.advance() {
	case StateClosed:
		b.successes = append(b.successes, now)
		b.trimWindow(now)
	case StateHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.HalfOpenProbes {
			b.successes = b.successes[:0]
			b.failures = b.failures[:0]
			b.setState(StateClosed)
		}
	}
}

// RecordFailure records a request that could not reach the worker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.advance() {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.trimWindow(now)
		b.checkThreshold(now)
	case StateHalfOpen:
		b.openedAt = now
		b.setState(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.advance()
}

// advance moves an expired open breaker to half-open. Must be called
// under lock.
func (b *Breaker) advance() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		b.halfOpenProbes = 0
		b.halfOpenOK = 0
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// maxWindowEntries is a hard cap on sliding window entries to prevent memory exhaustion.
const maxWindowEntries = 10000

// trimWindow removes entries outside the sliding window. Must be called under lock.
func (b *Breaker) trimWindow(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	b.successes = trimBefore(b.successes, cutoff)
	b.failures = trimBefore(b.failures, cutoff)

	if len(b.successes) > maxWindowEntries {
		b.successes = b.successes[len(b.successes)-maxWindowEntries:]
	}
	if len(b.failures) > maxWindowEntries {
		b.failures = b.failures[len(b.failures)-maxWindowEntries:]
	}
}

// checkThreshold trips the breaker if error rate exceeds the configured threshold. Must be called under lock.
func (b *Breaker) checkThreshold(now time.Time) {
	total := len(b.successes) + len(b.failures)
	if total == 0 || total < b.cfg.MinRequests {
		return
	}
	errorPct := float64(len(b.failures)) / float64(total) * 100
	if errorPct >= b.cfg.ErrorPct {
		b.openedAt = now
		b.setState(StateOpen)
	}
}

// trimBefore removes timestamps before the cutoff time.
func trimBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	copy(times, times[i:])
	return times[:len(times)-i]
}

// Registry holds the breakers of all known workers, created on first use.
type Registry struct {
	cfg      Config
	onChange func(workerID string, s State)

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share cfg. onChange, if
// set, is called on every state transition.
func NewRegistry(cfg Config, onChange func(workerID string, s State)) *Registry {
	return &Registry{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for workerID, or nil when breaking is disabled.
func (r *Registry) Get(workerID string) *Breaker {
	if r == nil || !r.cfg.Enabled() {
		return nil
	}

	r.mu.RLock()
	b, ok := r.breakers[workerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double check
	if b, ok := r.breakers[workerID]; ok {
		return b
	}
	b = New(r.cfg)
	if r.onChange != nil {
		b.onChange = func(s State) { r.onChange(workerID, s) }
	}
	r.breakers[workerID] = b
	return b
}

// Available reports whether requests to workerID may be attempted. It
// does not consume a half-open probe slot; callers about to send use
// Acquire.
func (r *Registry) Available(workerID string) bool {
	b := r.Get(workerID)
	return b == nil || b.Ready()
}

// Acquire admits one request to workerID. In the half-open state only
// HalfOpenProbes requests are admitted until their outcomes are recorded.
func (r *Registry) Acquire(workerID string) bool {
	b := r.Get(workerID)
	return b == nil || b.Allow()
}

// Record feeds the outcome of one transport attempt to workerID.
func (r *Registry) Record(workerID string, reached bool) {
	b := r.Get(workerID)
	if b == nil {
		return
	}
	if reached {
		b.RecordSuccess()
	} else {
		b.RecordFailure()
	}
}

// Remove deletes the breaker for a worker that left the cluster.
func (r *Registry) Remove(workerID string) {
	r.mu.Lock()
	delete(r.breakers, workerID)
	r.mu.Unlock()
}

// Snapshot returns worker id to breaker state, for diagnostics.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.breakers))
	for id := range r.breakers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if b := r.Get(id); b != nil {
			out[id] = b.State().String()
		}
	}
	return out
}
