package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/orbit/internal/observability"
)

// WorkerConfig identifies the local worker
type WorkerConfig struct {
	ID          string   `yaml:"id"`
	Host        string   `yaml:"host"`
	Environment string   `yaml:"environment"`
	Formats     []string `yaml:"formats"`
}

// TransportConfig holds listener and client settings
type TransportConfig struct {
	GRPCAddr      string        `yaml:"grpc_addr"`
	HTTPAddr      string        `yaml:"http_addr"`
	ClientTimeout time.Duration `yaml:"client_timeout"`
}

// RedisConfig holds Redis connection settings for the target registry
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	TargetTTL time.Duration `yaml:"target_ttl"`
}

// PostgresConfig holds the DSN of the error code store
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds token settings for both directions of the wire
type AuthConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Algorithm     string        `yaml:"algorithm"`
	Secret        string        `yaml:"secret"`
	PublicKeyFile string        `yaml:"public_key_file"`
	Issuer        string        `yaml:"issuer"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
	ExpirySkew    time.Duration `yaml:"expiry_skew"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Addr      string    `yaml:"addr"`
	Namespace string    `yaml:"namespace"`
	Buckets   []float64 `yaml:"buckets"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

// BreakerConfig holds per-worker circuit breaker settings. A zero
// ErrorPct disables breaking.
type BreakerConfig struct {
	ErrorPct       float64       `yaml:"error_pct"`
	MinRequests    int           `yaml:"min_requests"`
	WindowDuration time.Duration `yaml:"window"`
	OpenDuration   time.Duration `yaml:"open_duration"`
	HalfOpenProbes int           `yaml:"half_open_probes"`
}

// InvocationConfig holds the defaults applied to outbound calls
type InvocationConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	Retry               int           `yaml:"retry"`
	Degradable          bool          `yaml:"degradable"`
	Environment         string        `yaml:"environment"`
	EnvironmentPriority []string      `yaml:"environment_priority"`
	Protocol            string        `yaml:"protocol"`
	Format              string        `yaml:"format"`
}

// ErrorCodesConfig selects the backing stores of the remote error table
type ErrorCodesConfig struct {
	File     string `yaml:"file"`
	Postgres bool   `yaml:"postgres"`
}

// StaticEndpoint is one listener of a static target
type StaticEndpoint struct {
	Protocol string `yaml:"protocol"`
	Port     int    `yaml:"port"`
}

// StaticTarget is a worker reachable without discovery
type StaticTarget struct {
	WorkerID    string            `yaml:"worker_id"`
	Host        string            `yaml:"host"`
	Environment string            `yaml:"environment"`
	Endpoints   []StaticEndpoint  `yaml:"endpoints"`
	Formats     []string          `yaml:"formats"`
	Extensions  map[string]string `yaml:"extensions"`
}

// StaticEntry pins a genericable, or one fitable of it, to fixed targets.
type StaticEntry struct {
	Genericable string         `yaml:"genericable"`
	Version     string         `yaml:"version"`
	Fitable     string         `yaml:"fitable"`
	Formats     []string       `yaml:"formats"`
	Targets     []StaticTarget `yaml:"targets"`
}

// FitableConfig declares one fitable of a genericable
type FitableConfig struct {
	ID                 string   `yaml:"id"`
	Version            string   `yaml:"version"`
	Aliases            []string `yaml:"aliases"`
	Tags               []string `yaml:"tags"`
	Degradation        string   `yaml:"degradation"`
	DegradationVersion string   `yaml:"degradation_version"`
}

// GenericableConfig declares a genericable callable from this worker
type GenericableConfig struct {
	ID       string          `yaml:"id"`
	Version  string          `yaml:"version"`
	Name     string          `yaml:"name"`
	Kind     string          `yaml:"kind"`
	Route    string          `yaml:"route"`
	Tags     []string        `yaml:"tags"`
	Fitables []FitableConfig `yaml:"fitables"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Worker        WorkerConfig         `yaml:"worker"`
	Transport     TransportConfig      `yaml:"transport"`
	Redis         RedisConfig          `yaml:"redis"`
	Postgres      PostgresConfig       `yaml:"postgres"`
	Auth          AuthConfig           `yaml:"auth"`
	Observability observability.Config `yaml:"observability"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Log           LogConfig            `yaml:"log"`
	Breaker       BreakerConfig        `yaml:"breaker"`
	Invocation    InvocationConfig     `yaml:"invocation"`
	ErrorCodes    ErrorCodesConfig     `yaml:"error_codes"`
	Static        []StaticEntry        `yaml:"static"`
	Genericables  []GenericableConfig  `yaml:"genericables"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Worker: WorkerConfig{
			Host: "127.0.0.1",
		},
		Transport: TransportConfig{
			GRPCAddr:      ":9090",
			HTTPAddr:      ":8080",
			ClientTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:      "",
			TargetTTL: 0,
		},
		Auth: AuthConfig{
			Algorithm:  "HS256",
			TokenTTL:   15 * time.Minute,
			ExpirySkew: 30 * time.Second,
		},
		Observability: observability.Config{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			Insecure:    true,
			ServiceName: "orbit",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Addr:      ":9100",
			Namespace: "orbit",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Breaker: BreakerConfig{
			MinRequests:    10,
			WindowDuration: 30 * time.Second,
			OpenDuration:   10 * time.Second,
			HalfOpenProbes: 1,
		},
		Invocation: InvocationConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration over the defaults
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the declared genericables and static entries.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Genericables))
	for i, g := range c.Genericables {
		if g.ID == "" {
			return fmt.Errorf("genericables[%d]: id required", i)
		}
		key := g.ID + "@" + g.Version
		if seen[key] {
			return fmt.Errorf("genericable %s declared twice", key)
		}
		seen[key] = true
		for j, f := range g.Fitables {
			if f.ID == "" {
				return fmt.Errorf("genericable %s fitables[%d]: id required", key, j)
			}
		}
	}
	for i, s := range c.Static {
		if s.Genericable == "" {
			return fmt.Errorf("static[%d]: genericable required", i)
		}
		for j, t := range s.Targets {
			if t.WorkerID == "" || t.Host == "" {
				return fmt.Errorf("static[%d].targets[%d]: worker_id and host required", i, j)
			}
		}
	}
	return nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("ORBIT_WORKER_ID"); v != "" {
		cfg.Worker.ID = v
	}
	if v := os.Getenv("ORBIT_WORKER_HOST"); v != "" {
		cfg.Worker.Host = v
	}
	if v := os.Getenv("ORBIT_ENVIRONMENT"); v != "" {
		cfg.Worker.Environment = v
	}
	if v := os.Getenv("ORBIT_GRPC_ADDR"); v != "" {
		cfg.Transport.GRPCAddr = v
	}
	if v := os.Getenv("ORBIT_HTTP_ADDR"); v != "" {
		cfg.Transport.HTTPAddr = v
	}
	if v := os.Getenv("ORBIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("ORBIT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("ORBIT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("ORBIT_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("ORBIT_AUTH_SECRET"); v != "" {
		cfg.Auth.Secret = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("ORBIT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ORBIT_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("ORBIT_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("ORBIT_TRACING_ENABLED"); v != "" {
		cfg.Observability.Enabled = parseBool(v)
	}
	if v := os.Getenv("ORBIT_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Endpoint = v
	}
	if v := os.Getenv("ORBIT_INVOKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Invocation.Timeout = d
		}
	}
	if v := os.Getenv("ORBIT_INVOKE_RETRY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Invocation.Retry = n
		}
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
