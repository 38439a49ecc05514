package bridge

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
	"github.com/helpdesk-mcp/oauth-bridge/provider"
	"github.com/helpdesk-mcp/oauth-bridge/storage"
)

// Config holds the broker configuration.
type Config struct {
	// Provider is the upstream OAuth provider configuration (required).
	Provider provider.Config

	// Store tunes session, code, and token lifetimes.
	Store StoreConfig

	// RateLimit is the per-IP rate limiting configuration.
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default).
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided).
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for upstream calls (optional).
	HTTPClient *http.Client

	// Instrumentation wires OpenTelemetry metrics and traces (optional).
	Instrumentation *instrumentation.Instrumentation

	// SessionStore overrides the default in-memory session store (optional,
	// mainly for tests).
	SessionStore storage.SessionStore

	// ClientStore overrides the default in-memory client store (optional).
	ClientStore storage.ClientStore
}

// StoreConfig tunes record lifetimes in the session store. Zero values get
// the documented defaults.
type StoreConfig struct {
	// SweepInterval is how often expired records are swept. Default: 1 hour.
	SweepInterval time.Duration

	// AuthorizationCodeTTL is the single-use code lifetime. Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// ProxyTokenTTL is the proxy bearer token lifetime. Default: 24 hours.
	ProxyTokenTTL time.Duration

	// SessionMaxAge is the absolute session lifetime. Default: 24 hours.
	SessionMaxAge time.Duration

	// UpstreamExpiryBuffer triggers refresh this long before the upstream
	// token expires. Default: 60 seconds.
	UpstreamExpiryBuffer time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// SecurityConfig holds security settings (secure by default).
type SecurityConfig struct {
	// AllowRedemptionWithoutPKCE permits redeeming codes for sessions that
	// carry no downstream PKCE challenge.
	// WARNING: Weakens code-interception protection. Only for legacy clients.
	AllowRedemptionWithoutPKCE bool

	// EnableAuditLogging enables security audit logging.
	// Logs flow events, token operations, and violations (identifiers hashed).
	EnableAuditLogging bool
}

// Validate fails fast on configuration that would otherwise only surface
// mid-flow.
func (c *Config) Validate() error {
	if err := c.Provider.Validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values cannot be negative")
	}
	if c.Store.AuthorizationCodeTTL < 0 || c.Store.ProxyTokenTTL < 0 ||
		c.Store.SessionMaxAge < 0 || c.Store.SweepInterval < 0 ||
		c.Store.UpstreamExpiryBuffer < 0 {
		return fmt.Errorf("store durations cannot be negative")
	}
	return nil
}
