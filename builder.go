package egress

import (
	"context"
	"fmt"
	"net/http"

	"github.com/creasty/defaults"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/starwalkn/egress/internal/circuitbreaker"
	"github.com/starwalkn/egress/internal/metric"
	"github.com/starwalkn/egress/internal/ratelimit"
	"github.com/starwalkn/egress/internal/redisstore"
)

// Backends are the stores and transport a Proxy is built on.
type Backends struct {
	Counter      ratelimit.Counter
	BreakerStore circuitbreaker.Store
	Transport    http.RoundTripper
	Metrics      metric.Metrics

	close func() error
}

// Close releases resources held by the backends.
func (b Backends) Close() error {
	if b.close == nil {
		return nil
	}

	return b.close()
}

// NewBackends selects the state store implementation named in cfg.
func NewBackends(ctx context.Context, cfg StoreConfig, log *zap.Logger) (Backends, error) {
	switch cfg.Driver {
	case StoreDriverRedis:
		rdb, err := redisstore.Connect(ctx, cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return Backends{}, fmt.Errorf("cannot connect to redis: %w", err)
		}

		store := redisstore.New(rdb)

		log.Info("using redis state store", zap.String("addr", rdb.Options().Addr))

		return Backends{
			Counter:      store,
			BreakerStore: store,
			Transport:    newTransport(),
			Metrics:      metric.NewNop(),
			close:        rdb.Close,
		}, nil
	case StoreDriverMemory, "":
		counter := ratelimit.NewMemoryCounter()
		if err := counter.Start(); err != nil {
			return Backends{}, fmt.Errorf("cannot start memory rate counter: %w", err)
		}

		log.Info("using in-memory state store, limits apply per process")

		return Backends{
			Counter:      counter,
			BreakerStore: circuitbreaker.NewMemoryStore(),
			Transport:    newTransport(),
			Metrics:      metric.NewNop(),
			close:        counter.Stop,
		}, nil
	default:
		return Backends{}, fmt.Errorf("unknown store driver '%s'", cfg.Driver)
	}
}

func NewProxy(cfg ProxyConfig, backends Backends, log *zap.Logger) *Proxy {
	metrics := backends.Metrics
	if metrics == nil {
		metrics = metric.NewNop()
	}

	transport := backends.Transport
	if transport == nil {
		transport = newTransport()
	}

	table := cfg.MappingTable()

	rateLimiter := ratelimit.New(backends.Counter, log.Named("ratelimit"))
	rateLimiter.OnStoreError(func() { metrics.IncStoreFailuresTotal("rate_incr") })

	breaker := circuitbreaker.New(backends.BreakerStore, circuitbreaker.Config{
		ErrorThreshold:   cfg.CircuitBreaker.ErrorThreshold,
		LatencyThreshold: cfg.CircuitBreaker.LatencyThreshold,
		Cooldown:         cfg.CircuitBreaker.Cooldown,
	}, log.Named("breaker"))
	breaker.SetHooks(circuitbreaker.Hooks{
		OnTrip:       metrics.IncBreakerTripsTotal,
		OnStoreError: func(op string) { metrics.IncStoreFailuresTotal("breaker_" + op) },
	})

	instanceID := uuid.NewString()

	log.Info("proxy initialized",
		zap.String("instance", instanceID),
		zap.Strings("prefixes", table.Prefixes()),
		zap.Int("rate_limit_per_second", cfg.RateLimit.PerSecond),
		zap.Int("max_redirect_hops", cfg.Redirects.MaxHops),
		zap.Duration("upstream_timeout", cfg.UpstreamTimeout),
		zap.Bool("trust_forwarded_headers", cfg.TrustForwardedHeaders),
	)

	return &Proxy{
		mappings:    table,
		rateLimiter: rateLimiter,
		rateLimit:   cfg.RateLimit.PerSecond,
		breaker:     breaker,
		client:      NewClient(transport, cfg.Redirects.MaxHops, cfg.MaxResponseBodySize, log.Named("client")),
		timeout:     cfg.UpstreamTimeout,
		maxBodySize: cfg.MaxRequestBodySize,
		instanceID:  instanceID,

		trustForwarded: cfg.TrustForwardedHeaders,

		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// MappingTable builds the ordered prefix table from the configured mappings.
func (c ProxyConfig) MappingTable() *MappingTable {
	mappings := make([]PrefixMapping, 0, len(c.Mappings))
	for _, m := range c.Mappings {
		mappings = append(mappings, PrefixMapping{Prefix: m.Prefix, Target: m.Target})
	}

	return NewMappingTable(mappings)
}

// DefaultProxyConfig returns a ProxyConfig with the same defaults LoadConfig applies.
func DefaultProxyConfig(mappings ...MappingConfig) ProxyConfig {
	cfg := ProxyConfig{Mappings: mappings}

	// Defaults are static struct tags, Set can only fail on a malformed tag.
	if err := defaults.Set(&cfg); err != nil {
		panic(err)
	}

	return cfg
}
