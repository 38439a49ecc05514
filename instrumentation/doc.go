// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth bridge.
//
// All instruments are created up front by New and shared through the Metrics
// holder. When instrumentation is disabled the package falls back to no-op
// providers, so callers never need to guard recording calls.
//
// Usage:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:    "oauth-bridge",
//	    ServiceVersion: "1.0.0",
//	    Enabled:        true,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Layers obtain scoped tracers and meters by name:
//
//	tracer := inst.Tracer("storage")
//	inst.Metrics().RecordStorageOperation(ctx, "redeem_authorization_code", true, 1.2)
//
// Never record credential values (access tokens, refresh tokens,
// authorization codes, verifiers, client secrets) as span attributes or
// metric labels. Record metadata only: operation names, outcomes, durations,
// expiry offsets.
package instrumentation
