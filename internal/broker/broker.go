// Package broker ties the invocation pipeline together. A Broker owns the
// local executor registry, the locator, the balancer and the executors,
// and holds the genericables defined on this worker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/balancer"
	"github.com/oriys/orbit/internal/circuitbreaker"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/executor"
	"github.com/oriys/orbit/internal/faults"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/locator"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/serialization"
	"github.com/oriys/orbit/internal/translator"
	"github.com/oriys/orbit/internal/transport"
)

// Options configure a Broker. Zero values get working defaults: a random
// worker id, an in-memory registry and the default serializers.
type Options struct {
	WorkerID    string
	Host        string
	Environment string
	// Formats advertised for the local target; defaults to the formats of
	// Serializers.
	Formats []domain.Format

	Executors   *localexec.Registry
	Serializers *serialization.Registry
	Clients     *transport.Clients
	Registry    locator.Registry
	Static      []locator.StaticEntry
	Auth        auth.Authenticator
	Translator  *translator.Translator
	Breaker     circuitbreaker.Config

	// ReloadTimeout bounds the code table reload triggered by each local
	// registration; defaults to 5s.
	ReloadTimeout time.Duration
}

// runtime is what genericables and fitables need at call time.
type runtime struct {
	workerID      string
	balancer      *balancer.Balancer
	local         executor.TargetExecutor
	remote        executor.TargetExecutor
	genericRemote executor.TargetExecutor
}

// Broker is the entry point for defining genericables and invoking them.
type Broker struct {
	executors   *localexec.Registry
	serializers *serialization.Registry
	clients     *transport.Clients
	locator     *locator.Locator
	translator  *translator.Translator
	breakers    *circuitbreaker.Registry
	announcer   *locator.Announcer
	rt          *runtime

	mu           sync.RWMutex
	genericables map[domain.GenericableID]*Genericable
}

// New wires a broker from opts.
func New(opts Options) (*Broker, error) {
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.NewString()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Executors == nil {
		opts.Executors = localexec.NewRegistry()
	}
	if opts.Serializers == nil {
		opts.Serializers = serialization.Default()
	}
	if opts.Clients == nil {
		opts.Clients = transport.NewClients()
	}
	if opts.Registry == nil {
		opts.Registry = locator.NewMemoryRegistry()
	}
	if opts.Translator == nil {
		opts.Translator = translator.New()
	}
	if opts.ReloadTimeout <= 0 {
		opts.ReloadTimeout = 5 * time.Second
	}
	if len(opts.Formats) == 0 {
		opts.Formats = opts.Serializers.Formats()
	}

	loc := locator.New(locator.Config{
		WorkerID:    opts.WorkerID,
		Host:        opts.Host,
		Environment: opts.Environment,
		Formats:     opts.Formats,
	}, opts.Executors, opts.Registry)
	for _, e := range opts.Static {
		if err := loc.AddStatic(e); err != nil {
			return nil, err
		}
	}

	breakers := circuitbreaker.NewRegistry(opts.Breaker, func(workerID string, s circuitbreaker.State) {
		logging.Op().Warn("circuit breaker state changed", "worker", workerID, "state", s.String())
		metrics.SetCircuitBreakerState(workerID, int(s))
		metrics.RecordCircuitBreakerTrip(workerID, s.String())
	})

	remoteOpts := executor.RemoteOptions{
		Clients:     opts.Clients,
		Serializers: opts.Serializers,
		Auth:        opts.Auth,
		Translator:  opts.Translator,
		Health:      breakers,
	}
	b := &Broker{
		executors:   opts.Executors,
		serializers: opts.Serializers,
		clients:     opts.Clients,
		locator:     loc,
		translator:  opts.Translator,
		breakers:    breakers,
		rt: &runtime{
			workerID: opts.WorkerID,
			balancer: balancer.New(loc, balancer.Options{
				Protocols: opts.Clients,
				Formats:   opts.Serializers,
				Health:    breakers,
			}),
			local:         &executor.Local{Executors: opts.Executors, Serializers: opts.Serializers},
			remote:        executor.NewRemote(remoteOpts),
			genericRemote: executor.NewGenericRemote(remoteOpts),
		},
		genericables: make(map[domain.GenericableID]*Genericable),
	}

	opts.Executors.AddObserver(localexec.ObserverFunc(func(domain.FitableID, *localexec.Executor) {
		ctx, cancel := context.WithTimeout(context.Background(), opts.ReloadTimeout)
		defer cancel()
		b.translator.OnTopologyChange(ctx)
	}))
	if pub, ok := opts.Registry.(locator.Publisher); ok {
		b.announcer = locator.NewAnnouncer(loc, pub)
		opts.Executors.AddObserver(b.announcer)
	}
	return b, nil
}

// WorkerID returns the local worker id.
func (b *Broker) WorkerID() string { return b.rt.workerID }

// Executors returns the local executor registry.
func (b *Broker) Executors() *localexec.Registry { return b.executors }

// Serializers returns the serializer registry.
func (b *Broker) Serializers() *serialization.Registry { return b.serializers }

// Locator returns the target locator.
func (b *Broker) Locator() *locator.Locator { return b.locator }

// Translator returns the remote error translator.
func (b *Broker) Translator() *translator.Translator { return b.translator }

// Breakers returns the per-worker circuit breakers.
func (b *Broker) Breakers() *circuitbreaker.Registry { return b.breakers }

// Dispatcher returns an inbound dispatcher over the local executors.
func (b *Broker) Dispatcher(v transport.TokenValidator) *transport.Dispatcher {
	return transport.NewDispatcher(b.executors, b.serializers, v)
}

// AddListener adds a transport server's endpoints to the local target.
func (b *Broker) AddListener(l locator.Listener) {
	b.locator.AddListener(l)
}

// Define creates a genericable from spec and adds it.
func (b *Broker) Define(spec GenericableSpec) (*Genericable, error) {
	g, err := NewGenericable(spec)
	if err != nil {
		return nil, err
	}
	if err := b.Add(g); err != nil {
		return nil, err
	}
	return g, nil
}

// Add attaches a genericable built with NewGenericable.
func (b *Broker) Add(g *Genericable) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.genericables[g.id]; ok {
		return fmt.Errorf("genericable %s already defined", g.id)
	}
	if g.rt != nil && g.rt != b.rt {
		return fmt.Errorf("genericable %s belongs to another broker", g.id)
	}
	g.rt = b.rt
	b.genericables[g.id] = g
	logging.Op().Info("genericable defined", "genericable", g.id.String(), "fitables", len(g.Fitables()))
	return nil
}

// Genericable returns the genericable with id.
func (b *Broker) Genericable(id domain.GenericableID) (*Genericable, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.genericables[id]
	return g, ok
}

// Genericables returns every defined genericable sorted by id.
func (b *Broker) Genericables() []*Genericable {
	b.mu.RLock()
	out := make([]*Genericable, 0, len(b.genericables))
	for _, g := range b.genericables {
		out = append(out, g)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id.String() < out[j].id.String() })
	return out
}

// RegisterLocal registers a local executor.
func (b *Broker) RegisterLocal(e *localexec.Executor) error {
	return b.executors.Register(e)
}

// Invoke calls the genericable with id. A context without a local worker
// id gets this broker's.
func (b *Broker) Invoke(ctx context.Context, id domain.GenericableID, ic *domain.InvocationContext, args []any) (any, error) {
	g, ok := b.Genericable(id)
	if !ok {
		return nil, faults.AssociateGenericable(
			faults.Newf(faults.CodeFitableNotFound, "genericable %s is not defined", id), id.ID)
	}
	if ic == nil {
		ic = b.NewContext()
	} else if ic.LocalWorkerID == "" {
		cp := *ic
		cp.LocalWorkerID = b.rt.workerID
		ic = &cp
	}
	return g.Execute(ctx, ic, args)
}

// NewContext returns a unicast invocation context for this worker.
func (b *Broker) NewContext() *domain.InvocationContext {
	return domain.NewInvocationContext(b.rt.workerID)
}

// Announce publishes every registered non-micro executor. Call it once the
// transport listeners are bound.
func (b *Broker) Announce(ctx context.Context) error {
	if b.announcer == nil {
		return nil
	}
	return b.announcer.AnnounceAll(ctx, b.executors)
}

// ReloadErrorCodes reloads the translator's code table.
func (b *Broker) ReloadErrorCodes(ctx context.Context) error {
	return b.translator.Reload(ctx)
}

// Close withdraws the local executors from discovery and closes the
// transport clients.
func (b *Broker) Close(ctx context.Context) error {
	var errs []error
	if b.announcer != nil {
		if err := b.announcer.Withdraw(ctx, b.executors); err != nil {
			errs = append(errs, fmt.Errorf("withdraw: %w", err))
		}
	}
	if err := b.clients.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close clients: %w", err))
	}
	return errors.Join(errs...)
}
