package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
)

const (
	// authorizePath and tokenPath are appended to the provider base URL.
	authorizePath = "/oauth/authorizations/new"
	tokenPath     = "/oauth/tokens"

	// defaultRequestTimeout bounds token endpoint calls when the caller's
	// context carries no deadline.
	defaultRequestTimeout = 30 * time.Second

	// maxResponseBody caps how much of a token response is read.
	maxResponseBody = 1 << 20
)

// Error is a failed call to the provider's token endpoint. It carries the
// upstream HTTP status and the OAuth error fields when the provider sent
// them.
type Error struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d: %s: %s", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}

// Config holds the upstream provider configuration.
type Config struct {
	// BaseURL is the provider's base URL, e.g. "https://auth.example.com".
	BaseURL string

	// ClientID is the broker's client ID at the provider.
	ClientID string

	// ClientSecret is the broker's client secret. Optional when the broker
	// is registered as a public client.
	ClientSecret string

	// RedirectURL is the broker's callback URL registered at the provider.
	RedirectURL string

	// Scopes are the default scopes requested during authorization.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds token endpoint calls (default: 30s).
	RequestTimeout time.Duration

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// Validate checks the configuration, failing fast on anything that would
// only surface mid-flow otherwise.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("provider base URL is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid provider base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("provider base URL must be http or https, got %q", u.Scheme)
	}
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	if _, err := url.Parse(c.RedirectURL); err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	return nil
}

// Provider talks to one upstream OAuth provider.
type Provider struct {
	clientID       string
	clientSecret   string
	redirectURL    string
	scopes         []string
	authorizeURL   string
	tokenURL       string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger

	inst  *instrumentation.Instrumentation
	nowFn func() time.Time
}

// New creates a provider client from a validated configuration.
func New(cfg *Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider configuration: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	return &Provider{
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		redirectURL:    cfg.RedirectURL,
		scopes:         append([]string(nil), cfg.Scopes...),
		authorizeURL:   base + authorizePath,
		tokenURL:       base + tokenPath,
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
		nowFn:          time.Now,
	}, nil
}

// SetInstrumentation wires OpenTelemetry instrumentation into the provider.
func (p *Provider) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.inst = inst
}

// DefaultScopes returns a copy of the configured default scopes.
func (p *Provider) DefaultScopes() []string {
	return append([]string(nil), p.scopes...)
}

// AuthorizationURL builds the browser redirect URL for the authorization
// endpoint. Scopes default to the configured ones when none are given; the
// challenge method is always S256.
func (p *Provider) AuthorizationURL(state, codeChallenge string, scopes []string) string {
	if len(scopes) == 0 {
		scopes = p.scopes
	}

	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", p.clientID)
	v.Set("redirect_uri", p.redirectURL)
	if len(scopes) > 0 {
		v.Set("scope", strings.Join(scopes, " "))
	}
	v.Set("state", state)
	v.Set("code_challenge", codeChallenge)
	v.Set("code_challenge_method", "S256")

	return p.authorizeURL + "?" + v.Encode()
}

// tokenRequest is the JSON body sent to the token endpoint.
type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	Code         string `json:"code,omitempty"`
	CodeVerifier string `json:"code_verifier,omitempty"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// tokenResponse is the JSON body of a successful token endpoint call.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

// errorResponse is the JSON body of a failed token endpoint call.
type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeCode redeems an authorization code at the token endpoint, proving
// possession of the PKCE verifier generated at flow start.
func (p *Provider) ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	return p.callTokenEndpoint(ctx, "exchange_code", tokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  p.redirectURL,
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
	})
}

// RefreshToken obtains a fresh upstream token using a refresh token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is required")
	}
	return p.callTokenEndpoint(ctx, "refresh_token", tokenRequest{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
		ClientID:     p.clientID,
		ClientSecret: p.clientSecret,
	})
}

// ensureContextTimeout adds a deadline when the caller's context has none.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

func (p *Provider) callTokenEndpoint(ctx context.Context, operation string, reqBody tokenRequest) (*oauth2.Token, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	startTime := time.Now()
	statusCode := 0
	var callErr error
	defer func() {
		if p.inst != nil {
			durationMs := float64(time.Since(startTime).Milliseconds())
			p.inst.Metrics().RecordProviderAPICall(ctx, operation, statusCode, durationMs, callErr)
		}
	}()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		callErr = fmt.Errorf("failed to encode token request: %w", err)
		return nil, callErr
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.tokenURL, bytes.NewReader(payload))
	if err != nil {
		callErr = fmt.Errorf("failed to create token request: %w", err)
		return nil, callErr
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		callErr = fmt.Errorf("token endpoint call failed: %w", err)
		return nil, callErr
	}
	defer func() { _ = resp.Body.Close() }()

	statusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		callErr = fmt.Errorf("failed to read token response: %w", err)
		return nil, callErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		provErr := &Error{StatusCode: resp.StatusCode}
		var oauthErr errorResponse
		if err := json.Unmarshal(body, &oauthErr); err == nil {
			provErr.Code = oauthErr.Error
			provErr.Description = oauthErr.ErrorDescription
		}
		p.logger.Warn("Token endpoint returned error",
			"operation", operation,
			"status", resp.StatusCode,
			"error", provErr.Code)
		callErr = provErr
		return nil, callErr
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		callErr = fmt.Errorf("malformed token response: %w", err)
		return nil, callErr
	}
	if tokenResp.AccessToken == "" {
		callErr = fmt.Errorf("malformed token response: missing access_token")
		return nil, callErr
	}
	// An absent token_type defaults to Bearer; only a present non-bearer
	// value is rejected.
	if tokenResp.TokenType != "" && !strings.EqualFold(tokenResp.TokenType, "bearer") {
		callErr = fmt.Errorf("unsupported token type %q", tokenResp.TokenType)
		return nil, callErr
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = p.nowFn().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	token = token.WithExtra(map[string]interface{}{
		"scope": tokenResp.Scope,
	})

	p.logger.Debug("Token endpoint call succeeded",
		"operation", operation,
		"has_refresh_token", tokenResp.RefreshToken != "",
		"expires_in", tokenResp.ExpiresIn)

	return token, nil
}

// GrantedScopes extracts the scope list from a token returned by this
// package. Empty when the provider did not echo a scope.
func GrantedScopes(token *oauth2.Token) []string {
	if token == nil {
		return nil
	}
	scope, _ := token.Extra("scope").(string)
	if scope == "" {
		return nil
	}
	return strings.Fields(scope)
}
