package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/starwalkn/egress"
	"github.com/starwalkn/egress/internal/metric"
	"github.com/starwalkn/egress/internal/tracing"
)

type Server struct {
	http *http.Server
	log  *zap.Logger

	backends        egress.Backends
	shutdownTracing tracing.ShutdownFunc
}

func New(ctx context.Context, cfg egress.Config, log *zap.Logger) (*Server, error) {
	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName: cfg.Name,
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot set up tracing: %w", err)
	}

	backends, err := egress.NewBackends(ctx, cfg.Store, log.Named("store"))
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}

	handler := newHandler(cfg, &backends, log)

	return &Server{
		log: log,
		http: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      handler,
			ReadTimeout:  cfg.Server.Timeout,
			WriteTimeout: cfg.Server.Timeout,
		},
		backends:        backends,
		shutdownTracing: shutdownTracing,
	}, nil
}

// newHandler wires the proxy, health and metrics endpoints. Metrics replace backends.Metrics when enabled.
func newHandler(cfg egress.Config, backends *egress.Backends, log *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	if cfg.Server.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		backends.Metrics = metric.NewPrometheus(registry)

		r.Handle(cfg.Server.Metrics.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	proxy := egress.NewProxy(cfg.Proxy, *backends, log.Named("proxy"))

	mount := strings.TrimSuffix(cfg.Server.MountPath, "/")
	if mount != "" {
		r.Handle(mount, proxy)
	}

	r.Handle(mount+"/*", proxy)

	log.Info("proxy mounted", zap.String("path", cfg.Server.MountPath))

	return r
}

func (s *Server) Start() error {
	s.log.Info("listening", zap.String("addr", s.http.Addr))

	return s.http.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	return errors.Join(
		s.http.Shutdown(ctx),
		s.backends.Close(),
		s.shutdownTracing(ctx),
	)
}
