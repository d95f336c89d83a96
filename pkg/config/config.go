package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/platinummonkey/tenantgate/pkg/observability"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "TENANTGATE_"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Tenancy       TenancyConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Observability ObservabilityConfig

	// ExposeErrors puts upstream error causes in responses. Development only.
	ExposeErrors bool `env:"EXPOSE_ERRORS" envDefault:"false"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `env:"HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	// RequestTimeout bounds each wrapped request; zero disables it.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`
	// TrustProxy honours X-Forwarded-For when keying rate limits by ip.
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`
}

// Addr returns host:port for http.Server.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// DatabaseConfig selects the SQL driver and pool limits.
type DatabaseConfig struct {
	Driver          string        `env:"DB_DRIVER" envDefault:"sqlite3"`
	DSN             string        `env:"DB_DSN" envDefault:"file:tenantgate.db?_foreign_keys=on"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
}

// RedisConfig configures the shared tenant cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// TenancyConfig drives tenant resolution.
type TenancyConfig struct {
	PlatformDomain     string        `env:"PLATFORM_DOMAIN" envDefault:"localhost"`
	ReservedSubdomains []string      `env:"RESERVED_SUBDOMAINS" envSeparator:"," envDefault:"www,app,api,admin"`
	CacheSize          int           `env:"TENANT_CACHE_SIZE" envDefault:"1024"`
	CacheTTL           time.Duration `env:"TENANT_CACHE_TTL" envDefault:"1m"`
	SubdomainHeader    string        `env:"SUBDOMAIN_HEADER" envDefault:"X-Tenant-Subdomain"`
	TenantHeader       string        `env:"TENANT_HEADER" envDefault:"X-Tenant-ID"`
}

// AuthConfig configures session tokens.
type AuthConfig struct {
	SessionSecret string        `env:"SESSION_SECRET"`
	SessionTTL    time.Duration `env:"SESSION_TTL" envDefault:"12h"`
}

// RateLimitConfig points at an optional policy file.
type RateLimitConfig struct {
	PolicyFile    string        `env:"RATELIMIT_POLICY_FILE"`
	SweepInterval time.Duration `env:"RATELIMIT_SWEEP_INTERVAL" envDefault:"5m"`
}

// AuditConfig controls retention and archiving of audit events.
type AuditConfig struct {
	RetentionDays     int           `env:"AUDIT_RETENTION_DAYS" envDefault:"90"`
	ArchiveBucket     string        `env:"AUDIT_ARCHIVE_BUCKET"`
	ArchiveRegion     string        `env:"AUDIT_ARCHIVE_REGION" envDefault:"us-east-1"`
	ArchiveEndpoint   string        `env:"AUDIT_ARCHIVE_ENDPOINT"`
	RetentionSchedule string        `env:"AUDIT_RETENTION_SCHEDULE" envDefault:"@daily"`
	StatsWindow       time.Duration `env:"STATS_ACTIVITY_WINDOW" envDefault:"168h"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel `env:"LOG_LEVEL" envDefault:"info"`
	MetricsEnabled bool                   `env:"METRICS_ENABLED" envDefault:"true"`

	OTelEnabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint    string `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"tenantgate"`
	OTelInsecure    bool   `env:"OTEL_INSECURE" envDefault:"true"`

	SlowRequestThreshold time.Duration `env:"SLOW_REQUEST_THRESHOLD" envDefault:"1s"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFromMap builds a Config from an explicit environment, ignoring the
// process environment. Keys are given without the prefix.
func LoadFromMap(vars map[string]string) (*Config, error) {
	prefixed := make(map[string]string, len(vars))
	for k, v := range vars {
		prefixed[EnvPrefix+k] = v
	}
	return parse(env.Options{Prefix: EnvPrefix, Environment: prefixed})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	for i, label := range cfg.Tenancy.ReservedSubdomains {
		cfg.Tenancy.ReservedSubdomains[i] = strings.ToLower(strings.TrimSpace(label))
	}
	cfg.Tenancy.PlatformDomain = strings.ToLower(strings.TrimPrefix(cfg.Tenancy.PlatformDomain, "."))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "postgres", "sqlite3":
	default:
		return fmt.Errorf("invalid database driver: %s (must be postgres or sqlite3)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN is required")
	}

	if c.Tenancy.PlatformDomain == "" {
		return fmt.Errorf("platform domain is required")
	}
	if c.Tenancy.SubdomainHeader == "" || c.Tenancy.TenantHeader == "" {
		return fmt.Errorf("tenant header names must not be empty")
	}

	if len(c.Auth.SessionSecret) < 32 {
		return fmt.Errorf("session secret must be at least 32 bytes")
	}
	if c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive")
	}

	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit retention must be at least one day")
	}
	if c.Audit.StatsWindow <= 0 {
		return fmt.Errorf("statistics activity window must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}
