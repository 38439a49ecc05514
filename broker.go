package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
	"github.com/helpdesk-mcp/oauth-bridge/internal/pkce"
	"github.com/helpdesk-mcp/oauth-bridge/internal/util"
	"github.com/helpdesk-mcp/oauth-bridge/provider"
	"github.com/helpdesk-mcp/oauth-bridge/security"
	"github.com/helpdesk-mcp/oauth-bridge/storage"
	"github.com/helpdesk-mcp/oauth-bridge/storage/memory"
)

// Broker orchestrates the authorization-code flow between downstream
// clients, the session store, and the upstream provider.
type Broker struct {
	provider *provider.Provider
	sessions storage.SessionStore
	clients  storage.ClientStore

	auditor *security.Auditor
	limiter *security.RateLimiter
	logger  *slog.Logger
	inst    *instrumentation.Instrumentation
	tracer  trace.Tracer

	requirePKCE bool

	// ownedStore is set when the broker built its own memory store and is
	// responsible for stopping it.
	ownedStore *memory.Store
}

// New creates a Broker from a validated configuration. Call Close when done
// to stop background workers.
func New(cfg *Config) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	providerCfg := cfg.Provider
	if providerCfg.HTTPClient == nil {
		providerCfg.HTTPClient = cfg.HTTPClient
	}
	if providerCfg.Logger == nil {
		providerCfg.Logger = logger
	}
	prov, err := provider.New(&providerCfg)
	if err != nil {
		return nil, err
	}

	b := &Broker{
		provider:    prov,
		logger:      logger,
		requirePKCE: !cfg.Security.AllowRedemptionWithoutPKCE,
	}

	b.sessions = cfg.SessionStore
	b.clients = cfg.ClientStore
	if b.sessions == nil || b.clients == nil {
		requirePKCE := b.requirePKCE
		store := memory.New(memory.Options{
			SweepInterval:        cfg.Store.SweepInterval,
			AuthorizationCodeTTL: cfg.Store.AuthorizationCodeTTL,
			ProxyTokenTTL:        cfg.Store.ProxyTokenTTL,
			SessionMaxAge:        cfg.Store.SessionMaxAge,
			UpstreamExpiryBuffer: cfg.Store.UpstreamExpiryBuffer,
			RequirePKCE:          &requirePKCE,
			Logger:               logger,
		})
		b.ownedStore = store
		if b.sessions == nil {
			b.sessions = store
		}
		if b.clients == nil {
			b.clients = store
		}
	}

	b.auditor = security.NewAuditor(logger, cfg.Security.EnableAuditLogging)
	if cfg.RateLimit.Rate > 0 {
		b.limiter = security.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst, logger)
	}

	if cfg.Instrumentation != nil {
		b.inst = cfg.Instrumentation
		b.tracer = cfg.Instrumentation.Tracer("broker")
		prov.SetInstrumentation(cfg.Instrumentation)
		b.auditor.SetInstrumentation(cfg.Instrumentation)
		if b.ownedStore != nil {
			b.ownedStore.SetInstrumentation(cfg.Instrumentation)
		}
	}

	return b, nil
}

// Close stops background workers owned by the broker.
func (b *Broker) Close() {
	if b.ownedStore != nil {
		b.ownedStore.Stop()
	}
	if b.limiter != nil {
		b.limiter.Stop()
	}
}

// startSpan starts a broker-scope span when tracing is wired.
func (b *Broker) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, name)
}

// StartAuthorization begins a new flow: it creates a session bound to a
// fresh CSRF state and the client's PKCE challenge, and returns the upstream
// authorization URL to redirect the browser to.
func (b *Broker) StartAuthorization(ctx context.Context, req StartAuthorizationRequest) (string, error) {
	ctx, span := b.startSpan(ctx, "broker.start_authorization")
	defer span.End()

	if req.RedirectURI == "" {
		return "", ErrInvalidRequest("redirect_uri is required")
	}
	if req.CodeChallenge == "" && b.requirePKCE {
		return "", ErrInvalidRequest("code_challenge is required")
	}

	if req.ClientID != "" {
		client, err := b.clients.GetClient(ctx, req.ClientID)
		if err != nil {
			return "", ErrInvalidClient("unknown client")
		}
		if !redirectURIAllowed(client.RedirectURIs, req.RedirectURI) {
			return "", ErrInvalidRequest("redirect_uri is not registered for this client")
		}
	}

	upstream, err := pkce.Generate()
	if err != nil {
		return "", ErrServerError("failed to generate PKCE material")
	}

	// A fresh random state per attempt; collisions surface as ErrStateExists
	// and are not retried here.
	state := oauth2.GenerateVerifier()

	session, err := b.sessions.CreateSession(ctx, state, upstream.Verifier, req.RedirectURI, req.CodeChallenge)
	if err != nil {
		b.logger.Error("Failed to create session", "error", err)
		return "", ErrServerError("failed to start authorization")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = b.provider.DefaultScopes()
	}

	if b.inst != nil {
		b.inst.Metrics().RecordFlowStarted(ctx, req.CodeChallenge != "")
	}
	b.auditor.LogFlowStarted(session.ID, scopes, req.CodeChallenge != "")
	instrumentation.AddFlowAttributes(span, req.ClientID, session.ID, strings.Join(scopes, " "))

	return b.provider.AuthorizationURL(state, upstream.Challenge, scopes), nil
}

// HandleProviderCallback processes the provider redirect: it correlates the
// state with a session, exchanges the upstream code, and returns the
// downstream redirect URL carrying a single-use authorization code.
func (b *Broker) HandleProviderCallback(ctx context.Context, state, upstreamCode string) (string, error) {
	ctx, span := b.startSpan(ctx, "broker.handle_provider_callback")
	defer span.End()

	if state == "" || upstreamCode == "" {
		return "", ErrInvalidRequest("state and code are required")
	}

	session, err := b.sessions.FindByState(ctx, state)
	if err != nil {
		if b.inst != nil {
			b.inst.Metrics().RecordCallbackProcessed(ctx, false)
		}
		b.logger.Warn("Callback with unknown state",
			"state_prefix", util.SafeTruncate(state, 8))
		return "", ErrInvalidRequest("unknown state")
	}

	token, err := b.provider.ExchangeCode(ctx, upstreamCode, session.UpstreamVerifier)
	if err != nil {
		if b.inst != nil {
			b.inst.Metrics().RecordCallbackProcessed(ctx, false)
		}
		var provErr *provider.Error
		if errors.As(err, &provErr) {
			b.logger.Warn("Upstream exchange rejected",
				"session_id", session.ID,
				"status", provErr.StatusCode,
				"error", provErr.Code)
			return "", ErrAccessDenied("upstream provider rejected the authorization")
		}
		b.logger.Error("Upstream exchange failed", "session_id", session.ID, "error", err)
		return "", ErrServerError("upstream token exchange failed")
	}

	scopes := provider.GrantedScopes(token)
	code, err := b.sessions.IssueAuthorizationCode(ctx, session.ID, token, scopes)
	if err != nil {
		return "", ErrServerError("failed to issue authorization code")
	}

	if b.inst != nil {
		b.inst.Metrics().RecordCallbackProcessed(ctx, true)
	}
	b.auditor.LogCodeIssued(session.ID, scopes)

	redirect, err := buildClientRedirect(session.DownstreamRedirectURI, code, state)
	if err != nil {
		return "", ErrServerError("invalid downstream redirect URI")
	}
	return redirect, nil
}

// RedeemToken exchanges a downstream authorization code and PKCE verifier
// for a proxy bearer token. Every failure mode surfaces as invalid_grant;
// replay and PKCE failures additionally raise audit events tied to the
// caller's IP.
func (b *Broker) RedeemToken(ctx context.Context, code, verifier, remoteIP string) (*TokenResponse, error) {
	ctx, span := b.startSpan(ctx, "broker.redeem_token")
	defer span.End()

	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	redemption, err := b.sessions.RedeemAuthorizationCode(ctx, code, verifier)
	if err != nil {
		if b.inst != nil {
			b.inst.Metrics().RecordCodeRedemption(ctx, false)
		}
		switch {
		case errors.Is(err, storage.ErrCodeReplayed):
			b.auditor.LogReplayDetected(remoteIP)
		case errors.Is(err, storage.ErrPKCEMismatch):
			b.auditor.LogAuthFailure("", "", remoteIP, "pkce_verification_failed")
		}
		if errors.Is(err, storage.ErrInvalidGrant) {
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		b.logger.Error("Redemption failed", "error", err)
		return nil, ErrServerError("token redemption failed")
	}

	if b.inst != nil {
		b.inst.Metrics().RecordCodeRedemption(ctx, true)
	}
	b.auditor.LogCodeRedeemed(redemption.Session.ID, redemption.ExpiresIn)

	return &TokenResponse{
		AccessToken: redemption.ProxyToken,
		TokenType:   "Bearer",
		ExpiresIn:   redemption.ExpiresIn,
		Scope:       strings.Join(redemption.Session.Scopes, " "),
	}, nil
}

// AuthenticateClient validates token-endpoint client credentials in
// constant time. Registration is optional for downstream clients, so an
// empty client ID passes; a known public client needs no secret; a
// confidential client must present the secret minted at registration.
func (b *Broker) AuthenticateClient(ctx context.Context, clientID, clientSecret, remoteIP string) error {
	ctx, span := b.startSpan(ctx, "broker.authenticate_client")
	defer span.End()

	if clientID == "" {
		if clientSecret != "" {
			return ErrInvalidRequest("client_secret requires client_id")
		}
		return nil
	}

	client, err := b.clients.GetClient(ctx, clientID)
	if err != nil {
		b.auditor.LogAuthFailure("", clientID, remoteIP, "unknown_client")
		return ErrInvalidClient("client authentication failed")
	}
	if client.ClientType != "confidential" {
		return nil
	}

	if clientSecret == "" {
		b.auditor.LogAuthFailure("", clientID, remoteIP, "confidential_client_auth_required")
		return ErrInvalidClient("client authentication required")
	}
	if err := b.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		b.auditor.LogAuthFailure("", clientID, remoteIP, "client_authentication_failed")
		return ErrInvalidClient("client authentication failed")
	}
	return nil
}

// Authenticate resolves a proxy bearer token to its session.
func (b *Broker) Authenticate(ctx context.Context, proxyToken string) (*storage.Session, error) {
	ctx, span := b.startSpan(ctx, "broker.authenticate")
	defer span.End()

	session, err := b.sessions.GetSessionByProxyToken(ctx, proxyToken)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidToken("token expired")
		case errors.Is(err, storage.ErrSessionNotFound):
			return nil, ErrInvalidToken("invalid token")
		default:
			return nil, ErrServerError("token validation failed")
		}
	}
	return session, nil
}

// EnsureFreshUpstreamToken returns the session behind a proxy token with a
// usable upstream access token, refreshing it first when it is expired or
// about to expire. A session whose upstream token cannot be refreshed is an
// expired session.
func (b *Broker) EnsureFreshUpstreamToken(ctx context.Context, proxyToken string) (*storage.Session, error) {
	ctx, span := b.startSpan(ctx, "broker.ensure_fresh_upstream_token")
	defer span.End()

	session, err := b.Authenticate(ctx, proxyToken)
	if err != nil {
		return nil, err
	}

	if !b.sessions.IsUpstreamTokenExpiring(session) {
		return session, nil
	}

	if session.Upstream == nil || session.Upstream.RefreshToken == "" {
		return nil, ErrInvalidToken("upstream credentials expired; re-authorization required")
	}

	fresh, err := b.provider.RefreshToken(ctx, session.Upstream.RefreshToken)
	if err != nil {
		var provErr *provider.Error
		if errors.As(err, &provErr) && provErr.StatusCode >= 400 && provErr.StatusCode < 500 {
			// Provider revoked or rotated out the refresh token.
			b.logger.Warn("Upstream refresh rejected",
				"session_id", session.ID,
				"status", provErr.StatusCode)
			return nil, ErrInvalidToken("upstream credentials expired; re-authorization required")
		}
		b.logger.Error("Upstream refresh failed", "session_id", session.ID, "error", err)
		return nil, ErrServerError("upstream token refresh failed")
	}

	if err := b.sessions.UpdateUpstreamTokens(ctx, proxyToken, fresh); err != nil {
		return nil, ErrServerError("failed to persist refreshed tokens")
	}

	rotated := fresh.RefreshToken != "" && fresh.RefreshToken != session.Upstream.RefreshToken
	if b.inst != nil {
		b.inst.Metrics().RecordTokenRefresh(ctx, rotated)
	}
	b.auditor.LogTokenRefreshed(session.ID, rotated)

	return b.Authenticate(ctx, proxyToken)
}

// Revoke deletes the session behind a proxy token. Unknown tokens succeed
// silently per RFC 7009 semantics.
func (b *Broker) Revoke(ctx context.Context, proxyToken string) error {
	ctx, span := b.startSpan(ctx, "broker.revoke")
	defer span.End()

	err := b.sessions.DeleteSession(ctx, proxyToken)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) {
		return ErrServerError("revocation failed")
	}
	if err == nil && b.inst != nil {
		b.inst.Metrics().RecordSessionRevocation(ctx)
	}
	return nil
}

// RegisterClient performs RFC 7591 dynamic client registration. Confidential
// clients receive a generated secret which is returned once and stored only
// as a bcrypt hash.
func (b *Broker) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, remoteIP string) (*ClientRegistrationResponse, error) {
	ctx, span := b.startSpan(ctx, "broker.register_client")
	defer span.End()

	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("redirect_uris is required")
	}
	for _, raw := range req.RedirectURIs {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" {
			return nil, ErrInvalidRequest(fmt.Sprintf("invalid redirect URI %q", raw))
		}
		if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
			return nil, ErrInvalidRequest("redirect URIs must use https or loopback hosts")
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	clientType := "confidential"
	if authMethod == "none" {
		clientType = "public"
	}

	client := &storage.Client{
		ClientID:     uuid.NewString(),
		ClientType:   clientType,
		ClientName:   req.ClientName,
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		Metadata: map[string]any{
			"token_endpoint_auth_method": authMethod,
			"grant_types":                req.GrantTypes,
			"scope":                      req.Scope,
		},
		RegisteredAt: time.Now(),
	}

	var secret string
	if clientType == "confidential" {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, ErrServerError("failed to process client secret")
		}
		client.ClientSecretHash = string(hash)
	}

	if err := b.clients.SaveClient(ctx, client); err != nil {
		return nil, ErrServerError("failed to save client")
	}

	if b.inst != nil {
		b.inst.Metrics().RecordClientRegistration(ctx, clientType)
	}
	b.auditor.LogClientRegistered(client.ClientID, clientType, remoteIP)

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.RegisteredAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              req.GrantTypes,
	}, nil
}

// redirectURIAllowed reports whether uri exactly matches one of the
// registered URIs.
func redirectURIAllowed(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

// buildClientRedirect appends code and state to the downstream redirect URI,
// preserving any existing query parameters.
func buildClientRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
