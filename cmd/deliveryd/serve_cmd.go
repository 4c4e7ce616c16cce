package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/telemetry-sdk/modules/tracking"
	"github.com/iota-uz/telemetry-sdk/pkg/httpapi"
	"github.com/iota-uz/telemetry-sdk/pkg/metrics"
	"github.com/iota-uz/telemetry-sdk/pkg/middleware"
	"github.com/iota-uz/telemetry-sdk/pkg/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery scheduler and the tracking HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.conf.SocketAddress
				}
				srv, err := newHTTPServer(a)
				if err != nil {
					return err
				}
				return serve(ctx, a, srv, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to PORT from the environment)")
	return cmd
}

func serve(ctx context.Context, a *app, srv *server.HTTPServer, addr string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.scheduler.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		a.logger.Infof("Listening on: %s", addr)
		return srv.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newHTTPServer(a *app) (*server.HTTPServer, error) {
	conf := a.conf

	loggerOpts := middleware.DefaultLoggerOptions()
	loggerOpts.RequestIDHeader = conf.RequestIDHeader
	loggerOpts.RealIPHeader = conf.RealIPHeader

	guarded := []string{"/ops/"}
	if conf.Prometheus.Enabled {
		guarded = append(guarded, conf.Prometheus.Path)
	}

	middlewares := []mux.MiddlewareFunc{
		middleware.WithLogger(a.logger, loggerOpts),
		middleware.TracedMiddleware("cors"),
		middleware.Cors(conf.CORSOrigins()...),
	}
	if conf.RateLimit.Enabled {
		store, err := middleware.NewRateLimitStore(conf.RateLimit.Storage, conf.RateLimit.RedisURL)
		if err != nil {
			a.logger.WithError(err).Warn("Failed to create Redis store for rate limiting, falling back to memory")
			store, err = middleware.NewRateLimitStore("memory", "")
			if err != nil {
				return nil, err
			}
		}
		middlewares = append(middlewares,
			middleware.TracedMiddleware("rateLimit"),
			middleware.RateLimit(middleware.RateLimitOptions{
				RPS:          conf.RateLimit.GlobalRPS,
				Store:        store,
				RealIPHeader: conf.RealIPHeader,
				Logger:       a.logger,
			}),
		)
	}
	middlewares = append(middlewares,
		middleware.TracedMiddleware("opsGuard"),
		middleware.OpsGuard(middleware.OpsGuardOptions{
			Enabled:      conf.OpsGuard.Enabled,
			Prefixes:     guarded,
			Token:        conf.OpsGuard.Token,
			CIDRs:        conf.OpsGuard.CIDRs,
			RealIPHeader: conf.RealIPHeader,
		}),
	)

	cs := tracking.NewModule(tracking.ModuleOptions{
		Store:     a.store,
		Scheduler: a.scheduler,
		Service:   a.tracking,
	}).Controllers()
	if conf.Prometheus.Enabled {
		cs = append(cs, metrics.NewPrometheusController(conf.Prometheus.Path))
	}

	return server.NewHTTPServer(cs, middlewares, notFound(), methodNotAllowed()), nil
}

func notFound() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
}

func methodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httpapi.WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
}
