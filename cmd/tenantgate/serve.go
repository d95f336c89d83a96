package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tenantgate/pkg/api"
	"github.com/platinummonkey/tenantgate/pkg/audit"
	"github.com/platinummonkey/tenantgate/pkg/auth"
	"github.com/platinummonkey/tenantgate/pkg/config"
	"github.com/platinummonkey/tenantgate/pkg/database"
	"github.com/platinummonkey/tenantgate/pkg/middleware"
	"github.com/platinummonkey/tenantgate/pkg/observability"
	"github.com/platinummonkey/tenantgate/pkg/ratelimit"
	"github.com/platinummonkey/tenantgate/pkg/rbac"
	"github.com/platinummonkey/tenantgate/pkg/scheduler"
	"github.com/platinummonkey/tenantgate/pkg/scoped"
	"github.com/platinummonkey/tenantgate/pkg/tenancy"
	"github.com/platinummonkey/tenantgate/pkg/tenants"
)

var (
	serveSkipMigrate bool
	serveAuditStdout bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveSkipMigrate, "skip-migrate", false, "do not apply migrations at startup")
	serveCmd.Flags().BoolVar(&serveAuditStdout, "audit-stdout", false, "also write audit events to stdout")
}

func serve(ctx context.Context, cfg *config.Config) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("addr", cfg.Server.Addr()).Info("Starting tenantgate")

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:     cfg.Observability.OTelEnabled,
		Endpoint:    cfg.Observability.OTelEndpoint,
		ServiceName: cfg.Observability.OTelServiceName,
		Insecure:    cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	var opened resources
	defer func() {
		if err != nil {
			opened.release()
		}
	}()
	opened.add(func() { _ = observability.ShutdownOTel(context.Background(), otelProviders, logger) })

	policies := ratelimit.NewRegistry()
	if path := cfg.RateLimit.PolicyFile; path != "" {
		if err := policies.LoadFile(path); err != nil {
			return err
		}
		if err := policies.Watch(ctx, path, logger); err != nil {
			logger.WithError(err).Warn("Rate limit policy file will not be reloaded")
		}
	}

	// Storage
	db, dialect, err := database.Open(ctx, databaseConfig(cfg))
	if err != nil {
		return err
	}
	opened.add(func() { db.Close() })
	if !serveSkipMigrate {
		if err := database.Migrate(ctx, db, dialect, logger); err != nil {
			return err
		}
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		opened.add(func() { rdb.Close() })
	}

	// Tenancy
	store := tenants.NewStore(db, dialect)
	cacheOpts := []tenants.CacheOption{tenants.WithCacheMetrics(metrics), tenants.WithCacheLogger(logger)}
	if rdb != nil {
		cacheOpts = append(cacheOpts, tenants.WithRedis(rdb))
	}
	cache := tenants.NewCachedStore(store, cfg.Tenancy.CacheSize, cfg.Tenancy.CacheTTL, cacheOpts...)
	store.OnTenantChange(func(ctx context.Context, t *tenancy.Tenant) { cache.Invalidate(ctx, t) })
	resolver := tenants.NewResolver(cache, tenants.ResolverConfig{
		PlatformDomain:     cfg.Tenancy.PlatformDomain,
		ReservedSubdomains: cfg.Tenancy.ReservedSubdomains,
	}, metrics)

	// Audit
	dbAudit, err := audit.NewDBLogger(db)
	if err != nil {
		return err
	}
	sinks := []audit.Logger{dbAudit}
	if serveAuditStdout {
		sinks = append(sinks, audit.NewLogrusLogger(os.Stdout))
	}
	auditLogger := audit.NewAsyncLogger(ctx, audit.NewMultiLogger(sinks...), audit.DefaultAsyncConfig(), logger, metrics)
	opened.add(func() { auditLogger.Close() })
	security := audit.NewSecurityReporter(auditLogger, audit.DefaultSecurityConfig(), logger)

	// Authentication and authorization
	tokens := auth.NewTokenManager(db)
	sessions := auth.NewSessionAuthenticator(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL)
	guard := rbac.NewGuard(store, rbac.WithAuditLogger(auditLogger), rbac.WithMetrics(metrics), rbac.WithLogger(logger))

	// Rate limiting
	limiter := ratelimit.NewLimiter(
		ratelimit.WithMetrics(metrics),
		ratelimit.WithLogger(logger),
		ratelimit.WithRejectHook(func(identifier string, policy ratelimit.Policy, d ratelimit.Decision) {
			logger.WithFields(map[string]interface{}{
				"identifier":  identifier,
				"policy":      policy.Name,
				"retry_after": d.RetryAfter.String(),
			}).Debug("Rate limit exceeded")
		}),
	)
	limiter.Start(cfg.RateLimit.SweepInterval)
	opened.add(limiter.Stop)

	pipeline := middleware.New(middleware.Config{
		Logger:        logger,
		Metrics:       metrics,
		Authenticator: auth.Chain{auth.NewAPITokenAuthenticator(tokens), sessions},
		Resolver:      resolver,
		Guard:         guard,
		Backend:       scoped.NewSQLBackend(db, string(dialect)),
		Limiter:       limiter,
		Policies:      policies,
		Audit:         auditLogger,
		Security:      security,
		Headers: middleware.Headers{
			RequestID: "X-Request-ID",
			Subdomain: cfg.Tenancy.SubdomainHeader,
			TenantID:  cfg.Tenancy.TenantHeader,
		},
		RequestTimeout:       cfg.Server.RequestTimeout,
		SlowRequestThreshold: cfg.Observability.SlowRequestThreshold,
		ActivityWindow:       cfg.Audit.StatsWindow,
		TrustProxy:           cfg.Server.TrustProxy,
		ExposeErrors:         cfg.ExposeErrors,
	})

	apiServer := api.NewServer(api.Deps{
		Pipeline: pipeline,
		Tenants:  store,
		Guard:    guard,
		Tokens:   tokens,
		Sessions: sessions,
		Audit:    auditLogger,
		Health:   observability.NewHealthChecker(db, rdb),
		Metrics:  metrics,
	})

	// Maintenance
	jobs := scheduler.New(logger)
	var archiver audit.Archiver
	if cfg.Audit.ArchiveBucket != "" {
		s3, err := audit.NewS3Archiver(ctx, audit.S3Config{
			Bucket:   cfg.Audit.ArchiveBucket,
			Region:   cfg.Audit.ArchiveRegion,
			Endpoint: cfg.Audit.ArchiveEndpoint,
			Prefix:   "audit",
		})
		if err != nil {
			return err
		}
		archiver = s3
	}
	retention := audit.NewRetention(audit.NewStore(db, string(dialect)), archiver, cfg.Audit.RetentionDays, logger)
	if err := jobs.Add(scheduler.RetentionJob(cfg.Audit.RetentionSchedule, retention)); err != nil {
		return err
	}
	if err := jobs.Add(scheduler.TokenCleanupJob("@hourly", tokens, 7*24*time.Hour, logger)); err != nil {
		return err
	}
	jobs.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(apiServer.Handler(), "tenantgate"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// From here the shutdown manager owns every resource.
	opened.handOff()

	// Shutdown runs in reverse registration order.
	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("database", func(context.Context) error { return db.Close() })
	if rdb != nil {
		shutdown.Register("redis", func(context.Context) error { return rdb.Close() })
	}
	shutdown.Register("otel", func(ctx context.Context) error { return observability.ShutdownOTel(ctx, otelProviders, logger) })
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	shutdown.Register("rate limiter", func(context.Context) error { limiter.Stop(); return nil })
	shutdown.Register("scheduler", jobs.Stop)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	default:
	}
	return shutdownErr
}

// resources tracks what serve has opened so a failed startup can release it
// in reverse order.
type resources struct {
	closers []func()
}

func (r *resources) add(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *resources) handOff() {
	r.closers = nil
}

func (r *resources) release() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
