package egress

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	StoreDriverMemory = "memory"
	StoreDriverRedis  = "redis"
)

// Environment variables that override values loaded from the configuration file.
const (
	EnvProxyMappings      = "EGRESS_PROXY_MAPPINGS"
	EnvRateLimitPerSecond = "EGRESS_RATE_LIMIT_PER_SECOND"
	EnvStoreDriver        = "EGRESS_STORE_DRIVER"
	EnvRedisURL           = "EGRESS_REDIS_URL"
	EnvDebug              = "EGRESS_DEBUG"
)

type Config struct {
	Name    string        `json:"name" yaml:"name" toml:"name" default:"egress" validate:"required"`
	Debug   bool          `json:"debug" yaml:"debug" toml:"debug"`
	Server  ServerConfig  `json:"server" yaml:"server" toml:"server"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing" toml:"tracing"`
	Proxy   ProxyConfig   `json:"proxy" yaml:"proxy" toml:"proxy" validate:"required"`
	Store   StoreConfig   `json:"store" yaml:"store" toml:"store"`
}

type ServerConfig struct {
	Port      int           `json:"port" yaml:"port" toml:"port" default:"8080" validate:"min=1,max=65535"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout" toml:"timeout" default:"30s" validate:"gt=0"`
	MountPath string        `json:"mount_path" yaml:"mount_path" toml:"mount_path" default:"/proxy" validate:"required,startswith=/"`
	Metrics   MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Path    string `json:"path" yaml:"path" toml:"path" default:"/metrics" validate:"startswith=/"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint" toml:"endpoint" validate:"required_if=Enabled true"`
	Insecure    bool    `json:"insecure" yaml:"insecure" toml:"insecure"`
	SampleRatio float64 `json:"sample_ratio" yaml:"sample_ratio" toml:"sample_ratio" default:"1" validate:"min=0,max=1"`
}

type ProxyConfig struct {
	Mappings              []MappingConfig      `json:"mappings" yaml:"mappings" toml:"mappings" validate:"min=1,dive"`
	RateLimit             RateLimitConfig      `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	CircuitBreaker        CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`
	Redirects             RedirectsConfig      `json:"redirects" yaml:"redirects" toml:"redirects"`
	UpstreamTimeout       time.Duration        `json:"upstream_timeout" yaml:"upstream_timeout" toml:"upstream_timeout" default:"10s" validate:"gt=0"`
	MaxRequestBodySize    int64                `json:"max_request_body_size" yaml:"max_request_body_size" toml:"max_request_body_size" default:"10485760" validate:"gt=0"`
	MaxResponseBodySize   int64                `json:"max_response_body_size" yaml:"max_response_body_size" toml:"max_response_body_size" default:"10485760" validate:"gt=0"`
	// TrustForwardedHeaders enables X-Forwarded-Proto/Host. Set it only behind an edge that overwrites them.
	TrustForwardedHeaders bool                 `json:"trust_forwarded_headers" yaml:"trust_forwarded_headers" toml:"trust_forwarded_headers"`
}

type MappingConfig struct {
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix" validate:"required"`
	Target string `json:"target" yaml:"target" toml:"target" validate:"required,url"`
}

type RateLimitConfig struct {
	PerSecond int `json:"per_second" yaml:"per_second" toml:"per_second" default:"10" validate:"min=1"`
}

type CircuitBreakerConfig struct {
	ErrorThreshold   int           `json:"error_threshold" yaml:"error_threshold" toml:"error_threshold" default:"5" validate:"min=1"`
	LatencyThreshold time.Duration `json:"latency_threshold" yaml:"latency_threshold" toml:"latency_threshold" default:"5s" validate:"gt=0"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown" toml:"cooldown" default:"30s" validate:"gt=0"`
}

type RedirectsConfig struct {
	MaxHops int `json:"max_hops" yaml:"max_hops" toml:"max_hops" default:"5" validate:"min=1"`
}

type StoreConfig struct {
	Driver string      `json:"driver" yaml:"driver" toml:"driver" default:"memory" validate:"oneof=memory redis"`
	Redis  RedisConfig `json:"redis" yaml:"redis" toml:"redis"`
}

type RedisConfig struct {
	URL      string `json:"url" yaml:"url" toml:"url"`
	Addr     string `json:"addr" yaml:"addr" toml:"addr" default:"localhost:6379"`
	Password string `json:"password" yaml:"password" toml:"password"`
	DB       int    `json:"db" yaml:"db" toml:"db" validate:"min=0"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read configuration file: %w", err)
	}

	var cfg Config

	switch filepath.Ext(path) {
	case ".json":
		if err = json.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	case ".toml":
		if err = toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("cannot parse configuration file: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unknown configuration file extension: %s", filepath.Ext(path))
	}

	if err = defaults.Set(&cfg); err != nil {
		return Config{}, fmt.Errorf("cannot apply configuration defaults: %w", err)
	}

	if err = applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	tagName := strings.TrimPrefix(filepath.Ext(path), ".")
	if tagName == "yml" {
		tagName = "yaml"
	}

	if err = validateConfig(&cfg, tagName); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg *Config, tagName string) error {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get(tagName)
		if name == "" || name == "-" {
			return strings.ToLower(fld.Name)
		}

		return strings.ToLower(strings.Split(name, ",")[0])
	})

	if err := v.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", formatValidationError(err))
	}

	return nil
}

// applyEnv overrides configuration values from the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvProxyMappings); ok && v != "" {
		mappings, err := parseMappings(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvProxyMappings, err)
		}

		cfg.Proxy.Mappings = mappings
	}

	if v, ok := lookup(EnvRateLimitPerSecond); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvRateLimitPerSecond, err)
		}

		cfg.Proxy.RateLimit.PerSecond = n
	}

	if v, ok := lookup(EnvStoreDriver); ok && v != "" {
		cfg.Store.Driver = v
	}

	if v, ok := lookup(EnvRedisURL); ok && v != "" {
		cfg.Store.Redis.URL = v
	}

	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvDebug, err)
		}

		cfg.Debug = debug
	}

	return nil
}

// parseMappings parses "prefix=target,prefix=target" keeping the given order.
func parseMappings(s string) ([]MappingConfig, error) {
	var mappings []MappingConfig

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		prefix, target, ok := strings.Cut(pair, "=")
		if !ok || prefix == "" || target == "" {
			return nil, fmt.Errorf("malformed mapping %q, want prefix=target", pair)
		}

		mappings = append(mappings, MappingConfig{
			Prefix: strings.TrimSpace(prefix),
			Target: strings.TrimSpace(target),
		})
	}

	return mappings, nil
}

func formatValidationError(err error) error {
	var ves validator.ValidationErrors

	if ok := errors.As(err, &ves); !ok {
		return err
	}

	var messages []string

	for _, fe := range ves {
		path := strings.TrimPrefix(fe.Namespace(), "Config.")

		messages = append(messages, fmt.Sprintf(
			"%s: %s",
			path,
			humanMessage(fe),
		))
	}

	return errors.New(strings.Join(messages, "\n"))
}

func humanMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "field is required"

	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must have at least %s item(s)", fe.Param())
		}

		return fmt.Sprintf("must be at least %s", fe.Param())

	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())

	case "gt":
		return "must be positive"

	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())

	case "url":
		return "must be a valid URL"

	case "startswith":
		return fmt.Sprintf("must start with '%s'", fe.Param())

	default:
		return fmt.Sprintf("validation failed on '%s'", fe.Tag())
	}
}
