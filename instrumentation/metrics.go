package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the bridge.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth flow
	FlowStarted       metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CodeRedeemed      metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	SessionRevoked    metric.Int64Counter
	ClientRegistered  metric.Int64Counter

	// Security
	RateLimitExceeded    metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReplayDetected   metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	SweepRemovedTotal        metric.Int64Counter
	StorageSessionsCount     metric.Int64ObservableGauge
	StorageCodesCount        metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge

	// Provider
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.FlowStarted, err = inst.brokerMeter.Int64Counter(
		"oauth.flow.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.started counter: %w", err)
	}

	m.CallbackProcessed, err = inst.brokerMeter.Int64Counter(
		"oauth.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeRedeemed, err = inst.brokerMeter.Int64Counter(
		"oauth.code.redeemed",
		metric.WithDescription("Number of authorization code redemptions"),
		metric.WithUnit("{redemption}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.redeemed counter: %w", err)
	}

	m.TokenRefreshed, err = inst.brokerMeter.Int64Counter(
		"oauth.token.refreshed",
		metric.WithDescription("Number of upstream token refreshes"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.SessionRevoked, err = inst.brokerMeter.Int64Counter(
		"oauth.session.revoked",
		metric.WithDescription("Number of sessions revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session.revoked counter: %w", err)
	}

	m.ClientRegistered, err = inst.brokerMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.securityMeter.Int64Counter(
		"oauth.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = inst.securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReplayDetected, err = inst.securityMeter.Int64Counter(
		"oauth.code.replay_detected",
		metric.WithDescription("Number of authorization code replay attempts detected"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"oauth.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.SweepRemovedTotal, err = inst.storageMeter.Int64Counter(
		"storage.sweep.removed.total",
		metric.WithDescription("Total number of records removed by the expiry sweep"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sweep.removed.total counter: %w", err)
	}

	m.StorageSessionsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.sessions.count",
		metric.WithDescription("Current number of sessions in the store"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StorageCodesCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.codes.count",
		metric.WithDescription("Current number of authorization codes in the store"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.codes.count gauge: %w", err)
	}

	m.StorageClientsCount, err = inst.storageMeter.Int64ObservableGauge(
		"storage.clients.count",
		metric.WithDescription("Current number of registered clients in the store"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.ProviderAPICallsTotal, err = inst.providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = inst.providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = inst.providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total number of provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	return m, nil
}

// Helper methods for common recording patterns.

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordFlowStarted records the start of an authorization flow.
func (m *Metrics) RecordFlowStarted(ctx context.Context, pkce bool) {
	m.FlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("pkce", pkce),
	))
}

// RecordCallbackProcessed records a provider callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordCodeRedemption records an authorization code redemption attempt.
func (m *Metrics) RecordCodeRedemption(ctx context.Context, success bool) {
	m.CodeRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordTokenRefresh records an upstream token refresh.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("rotated", rotated),
	))
}

// RecordSessionRevocation records a session revocation.
func (m *Metrics) RecordSessionRevocation(ctx context.Context) {
	m.SessionRevoked.Add(ctx, 1)
}

// RecordClientRegistration records a client registration.
func (m *Metrics) RecordClientRegistration(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context) {
	m.PKCEValidationFailed.Add(ctx, 1)
}

// RecordCodeReplayDetected records an authorization code replay attempt.
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation string, success bool, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordSweep records the result of a sweep pass.
func (m *Metrics) RecordSweep(ctx context.Context, removed int64) {
	m.SweepRemovedTotal.Add(ctx, removed)
}

// RecordProviderAPICall records an upstream provider API call.
func (m *Metrics) RecordProviderAPICall(ctx context.Context, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))

	if err != nil {
		errorType := "unknown"
		if statusCode >= 400 && statusCode < 500 {
			errorType = "client_error"
		} else if statusCode >= 500 {
			errorType = "server_error"
		}

		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("error_type", errorType),
		))
	}
}
