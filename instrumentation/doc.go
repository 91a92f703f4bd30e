// Package instrumentation provides OpenTelemetry metrics and tracing for the
// token broker.
//
// The package is built around a single Instrumentation value created once at
// startup and handed to the layers that record telemetry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "agentauth",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(ctx)
//
// Recording goes through the Metrics holder, whose helpers are nil-safe so
// components constructed without instrumentation need no guards:
//
//	inst.Metrics().RecordConnectStarted(ctx, "google")
//	inst.Metrics().RecordTokenRead(ctx, refreshed)
//
// Providers are currently no-op; wiring an exporter (OTLP, Prometheus) only
// changes New, never the recording call sites. Span attribute keys are
// defined in tracing.go and exclude credential material and end-user
// identifiers.
package instrumentation
