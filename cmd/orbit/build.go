package main

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/broker"
	"github.com/oriys/orbit/internal/config"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/locator"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/serialization"
	"github.com/oriys/orbit/internal/translator"
	"github.com/oriys/orbit/internal/transport"
)

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logging.InitStructured(cfg.Log.Format, cfg.Log.Level)
	return cfg, nil
}

// runtime is a broker built from config plus the resources it owns.
type runtime struct {
	cfg     *config.Config
	broker  *broker.Broker
	closers []func() error
}

func (r *runtime) Close(ctx context.Context) {
	if err := r.broker.Close(ctx); err != nil {
		logging.Op().Warn("close broker", "error", err)
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			logging.Op().Warn("close resource", "error", err)
		}
	}
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	rt := &runtime{cfg: cfg}
	fail := func(err error) (*runtime, error) {
		for i := len(rt.closers) - 1; i >= 0; i-- {
			_ = rt.closers[i]()
		}
		return nil, err
	}

	formats := []domain.Format(nil)
	if len(cfg.Worker.Formats) > 0 {
		f, err := config.ParseFormats(cfg.Worker.Formats)
		if err != nil {
			return fail(fmt.Errorf("worker: %w", err))
		}
		formats = f
	}

	var registry locator.Registry = locator.NewMemoryRegistry()
	if cfg.Redis.Addr != "" {
		redisRegistry, err := locator.NewRedisRegistry(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.TargetTTL)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, redisRegistry.Close)
		registry = redisRegistry
	}

	var stores []translator.Store
	if cfg.ErrorCodes.File != "" {
		stores = append(stores, translator.FileStore{Path: cfg.ErrorCodes.File})
	}
	if cfg.ErrorCodes.Postgres && cfg.Postgres.DSN != "" {
		pg, err := translator.NewPostgresStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fail(err)
		}
		rt.closers = append(rt.closers, pg.Close)
		stores = append(stores, pg)
	}
	tr := translator.New(stores...)
	if err := tr.Reload(ctx); err != nil {
		return fail(err)
	}

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return fail(err)
	}

	static, err := buildStatic(ctx, cfg)
	if err != nil {
		return fail(err)
	}

	b, err := broker.New(broker.Options{
		WorkerID:    cfg.Worker.ID,
		Host:        cfg.Worker.Host,
		Environment: cfg.Worker.Environment,
		Formats:     formats,
		Serializers: serialization.Default(),
		Clients: transport.NewClients(
			transport.NewGRPCClient(),
			transport.NewHTTPClient(cfg.Transport.ClientTimeout),
		),
		Registry:   registry,
		Static:     static,
		Auth:       authenticator,
		Translator: tr,
		Breaker:    cfg.Breaker.Circuit(),
	})
	if err != nil {
		return fail(err)
	}
	rt.broker = b

	for _, g := range cfg.Genericables {
		if _, err := b.Define(genericableSpec(g)); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}
	return rt, nil
}

func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	if !cfg.Auth.Enabled {
		return nil, nil
	}
	issuer, err := auth.NewHMACIssuer(cfg.Auth.JWT(cfg.Worker.ID))
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return auth.NewTokenManager(issuer,
		auth.WithExpirySkew(cfg.Auth.ExpirySkew),
		auth.WithRefreshHook(func() { logging.Op().Debug("access token refreshed") }),
	), nil
}

// buildStatic turns each static entry into a locator entry backed by its
// own in-memory registry.
func buildStatic(ctx context.Context, cfg *config.Config) ([]locator.StaticEntry, error) {
	out := make([]locator.StaticEntry, 0, len(cfg.Static))
	for i, s := range cfg.Static {
		formats, err := config.ParseFormats(s.Formats)
		if err != nil {
			return nil, fmt.Errorf("static[%d]: %w", i, err)
		}
		source := locator.NewMemoryRegistry()
		for _, st := range s.Targets {
			target, err := st.Target()
			if err != nil {
				return nil, fmt.Errorf("static[%d]: %w", i, err)
			}
			for _, id := range s.FitableIDs(cfg.Genericables) {
				if err := source.Register(ctx, id, target); err != nil {
					return nil, err
				}
			}
		}
		out = append(out, locator.StaticEntry{
			Genericable: domain.GenericableID{ID: s.Genericable, Version: s.Version},
			FitableID:   s.Fitable,
			Formats:     formats,
			Source:      source,
		})
	}
	return out, nil
}

func genericableSpec(g config.GenericableConfig) broker.GenericableSpec {
	spec := broker.GenericableSpec{
		ID:      g.ID,
		Version: g.Version,
		Name:    g.Name,
		Kind:    g.Kind,
		Route:   g.Route,
		Tags:    g.Tags,
	}
	for _, f := range g.Fitables {
		spec.Fitables = append(spec.Fitables, broker.FitableSpec{
			ID:                 f.ID,
			Version:            f.Version,
			Aliases:            f.Aliases,
			Tags:               f.Tags,
			Degradation:        f.Degradation,
			DegradationVersion: f.DegradationVersion,
		})
	}
	return spec
}

func initMetrics(cfg *config.Config) {
	metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 30 * time.Second
	}
	return context.WithTimeout(context.Background(), d)
}
