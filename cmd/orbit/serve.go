package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/orbit/internal/auth"
	"github.com/oriys/orbit/internal/domain"
	"github.com/oriys/orbit/internal/localexec"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/metrics"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/transport"
)

// echoID is the fitable served by every worker started with --echo.
var echoID = domain.FitableID{
	GenericableID:      "orbit.echo",
	GenericableVersion: "1.0.0",
	FitableID:          "default",
	FitableVersion:     "1.0.0",
}

func serveCmd() *cobra.Command {
	var (
		grpcAddr     string
		httpAddr     string
		metricsAddr  string
		echo         bool
		codesRefresh time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker serving its local fitables over gRPC and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if grpcAddr != "" {
				cfg.Transport.GRPCAddr = grpcAddr
			}
			if httpAddr != "" {
				cfg.Transport.HTTPAddr = httpAddr
			}
			if metricsAddr != "" {
				cfg.Metrics.Addr = metricsAddr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, cfg.Observability,
				observability.AttrWorkerID.String(cfg.Worker.ID),
				observability.AttrEnvironment.String(cfg.Worker.Environment),
			); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}
			defer func() {
				sctx, cancel := withTimeout(5 * time.Second)
				defer cancel()
				_ = observability.Shutdown(sctx)
			}()
			initMetrics(cfg)

			rt, err := buildRuntime(ctx, cfg)
			if err != nil {
				return err
			}
			b := rt.broker

			var validator transport.TokenValidator
			if cfg.Auth.Enabled {
				v, err := auth.NewJWTValidator(cfg.Auth.JWT(b.WorkerID()))
				if err != nil {
					rt.Close(context.Background())
					return err
				}
				validator = v
			}
			dispatcher := b.Dispatcher(validator)

			var grpcSrv *transport.GRPCServer
			if cfg.Transport.GRPCAddr != "" {
				grpcSrv = transport.NewGRPCServer(dispatcher)
				if err := grpcSrv.Start(cfg.Transport.GRPCAddr); err != nil {
					rt.Close(context.Background())
					return err
				}
				b.AddListener(grpcSrv)
			}
			var httpSrv *transport.HTTPServer
			if cfg.Transport.HTTPAddr != "" {
				httpSrv = transport.NewHTTPServer(dispatcher)
				if err := httpSrv.Start(cfg.Transport.HTTPAddr); err != nil {
					rt.Close(context.Background())
					return err
				}
				b.AddListener(httpSrv)
			}

			if echo {
				exec := localexec.NewExecutor(echoID, func(_ context.Context, args []any) (any, error) {
					return args, nil
				})
				if err := b.RegisterLocal(exec); err != nil {
					logging.Op().Warn("register echo fitable", "error", err)
				}
			}
			if err := b.Announce(ctx); err != nil {
				logging.Op().Error("announce local executors", "error", err)
			}

			var metricsSrv *http.Server
			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", metrics.Global().JSONHandler())
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte("ok"))
				})
				metricsSrv = &http.Server{
					Addr:              cfg.Metrics.Addr,
					Handler:           observability.HTTPMiddleware(mux),
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logging.Op().Error("metrics server error", "error", err)
					}
				}()
			}

			if codesRefresh > 0 {
				go func() {
					ticker := time.NewTicker(codesRefresh)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							b.Translator().OnTopologyChange(ctx)
						}
					}
				}()
			}

			logging.Op().Info("worker ready", "worker", b.WorkerID(), "genericables", len(b.Genericables()), "executors", len(b.Executors().List()))
			<-ctx.Done()
			logging.Op().Info("shutting down", "worker", b.WorkerID())

			sctx, cancel := withTimeout(10 * time.Second)
			defer cancel()
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(sctx)
			}
			if httpSrv != nil {
				_ = httpSrv.Stop(sctx)
			}
			if grpcSrv != nil {
				grpcSrv.Stop()
			}
			rt.Close(sctx)
			return nil
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc", "", "gRPC listen address (overrides config)")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP listen address (overrides config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics listen address (overrides config)")
	cmd.Flags().BoolVar(&echo, "echo", true, "Serve the built-in orbit.echo fitable")
	cmd.Flags().DurationVar(&codesRefresh, "codes-refresh", 0, "Reload interval for error code tables (0 disables)")

	return cmd
}
