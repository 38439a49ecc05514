package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never set actual credential values (access tokens, refresh tokens,
// authorization codes, verifiers, client secrets) as attributes. Traces are
// persisted, replicated, and read by wider audiences than the service
// itself. Record metadata only.
const (
	// OAuth flow attributes
	AttrClientID     = "oauth.client_id"
	AttrSessionID    = "oauth.session_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrClientType   = "oauth.client_type"
	AttrRedirectURI  = "oauth.redirect_uri"
	AttrTokenType    = "oauth.token_type" //nolint:gosec // token type label, not a credential
	AttrExpiresIn    = "oauth.expires_in"
	AttrPKCEPresent  = "oauth.pkce.present"
	AttrCodeReplay   = "oauth.code.replay"
	AttrError        = "oauth.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"

	// Provider attributes
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"
	AttrProviderErrorType = "provider.error_type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common OAuth flow attributes to a span (nil-safe).
func AddFlowAttributes(span trace.Span, clientID, sessionID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if sessionID != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionID, sessionID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe).
func AddStorageAttributes(span trace.Span, operation, result string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe).
func AddProviderAttributes(span trace.Span, operation string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderOperation, operation),
		attribute.Int(AttrProviderStatus, statusCode),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
