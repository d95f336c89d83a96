// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("tenant resolved")
//
// The pipeline stores a request-scoped logger in the context; retrieve it
// with FromContext to get the correlation id attached.
//
// # Metrics
//
//	metrics := observability.NewMetrics(nil)
//	metrics.RecordRateLimit("api", false)
//	router.Handle("/metrics", metrics.Handler())
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	router.HandleFunc("/health/ready", checker.Readiness)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tenantgate",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
