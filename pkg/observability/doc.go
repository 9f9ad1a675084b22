// Package observability provides structured logging, Prometheus metrics,
// health probes, and graceful shutdown for the reconciliation engine.
//
// # Overview
//
// Logging is structured JSON on stdlib slog. Loggers travel through
// context.Context so that every log line emitted while handling one
// reconciliation run or one identity event carries the run and user IDs.
//
// Metrics are registered on a private Prometheus registry exposed via
// promhttp on the health port, next to the /healthz and /readyz probes.
//
// # Usage
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//
//	ctx = observability.WithRunID(ctx, runID)
//	observability.FromContext(ctx).WithField("drift", d.Kind).Info("correcting drift")
package observability
