package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/helpdesk-mcp/oauth-bridge/internal/pkce"
	"github.com/helpdesk-mcp/oauth-bridge/internal/testutil"
	"github.com/helpdesk-mcp/oauth-bridge/provider"
	"github.com/helpdesk-mcp/oauth-bridge/storage/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestBroker(t *testing.T, mutate func(*Config)) (*Broker, *testutil.UpstreamProvider) {
	t.Helper()

	upstream := testutil.NewUpstreamProvider()
	t.Cleanup(upstream.Close)

	cfg := &Config{
		Provider: provider.Config{
			BaseURL:      upstream.URL,
			ClientID:     "bridge-client",
			ClientSecret: "bridge-secret",
			RedirectURL:  "https://bridge.example/oauth/callback",
			Scopes:       []string{"read"},
		},
		Logger: discardLogger(),
	}
	if mutate != nil {
		mutate(cfg)
	}

	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Close)
	return b, upstream
}

// runFlow drives a full authorization flow and returns the token response
// plus the client PKCE pair used.
func runFlow(t *testing.T, b *Broker) (*TokenResponse, pkce.Pair) {
	t.Helper()
	ctx := context.Background()

	pair, err := pkce.Generate()
	if err != nil {
		t.Fatalf("pkce.Generate() error = %v", err)
	}

	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	state := queryParam(t, authURL, "state")
	redirect, err := b.HandleProviderCallback(ctx, state, "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	code := queryParam(t, redirect, "code")
	resp, err := b.RedeemToken(ctx, code, pair.Verifier, "203.0.113.7")
	if err != nil {
		t.Fatalf("RedeemToken() error = %v", err)
	}
	return resp, pair
}

func queryParam(t *testing.T, rawURL, key string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", rawURL, err)
	}
	v := u.Query().Get(key)
	if v == "" {
		t.Fatalf("URL %q missing %q parameter", rawURL, key)
	}
	return v
}

func TestStartAuthorization(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(context.Background(), StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", authURL, err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q, want code", q.Get("response_type"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("code_challenge_method = %q, want S256", q.Get("code_challenge_method"))
	}
	// The upstream challenge is the broker's own, never the client's.
	if q.Get("code_challenge") == pair.Challenge {
		t.Error("client challenge leaked into the upstream URL")
	}
	if q.Get("state") == "" {
		t.Error("state is empty")
	}
}

func TestStartAuthorization_UniqueStates(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	pair, _ := pkce.Generate()
	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
			RedirectURI:   "https://client.example/cb",
			CodeChallenge: pair.Challenge,
		})
		if err != nil {
			t.Fatalf("StartAuthorization() error = %v", err)
		}
		state := queryParam(t, authURL, "state")
		if seen[state] {
			t.Fatalf("state %q repeated", state)
		}
		seen[state] = true
	}
}

func TestStartAuthorization_RequiresChallenge(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	_, err := b.StartAuthorization(context.Background(), StartAuthorizationRequest{
		RedirectURI: "https://client.example/cb",
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestStartAuthorization_ChallengeOptionalWhenDisabled(t *testing.T) {
	b, _ := newTestBroker(t, func(cfg *Config) {
		cfg.Security.AllowRedemptionWithoutPKCE = true
	})

	if _, err := b.StartAuthorization(context.Background(), StartAuthorizationRequest{
		RedirectURI: "https://client.example/cb",
	}); err != nil {
		t.Errorf("StartAuthorization() error = %v", err)
	}
}

func TestStartAuthorization_ValidatesRegisteredClient(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	reg, err := b.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example/cb"},
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	pair, _ := pkce.Generate()

	if _, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		ClientID:      reg.ClientID,
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	}); err != nil {
		t.Errorf("registered redirect URI rejected: %v", err)
	}

	_, err = b.StartAuthorization(ctx, StartAuthorizationRequest{
		ClientID:      reg.ClientID,
		RedirectURI:   "https://evil.example/cb",
		CodeChallenge: pair.Challenge,
	})
	assertOAuthError(t, err, ErrorCodeInvalidRequest)

	_, err = b.StartAuthorization(ctx, StartAuthorizationRequest{
		ClientID:      "ghost",
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	assertOAuthError(t, err, ErrorCodeInvalidClient)
}

func TestFullFlow(t *testing.T) {
	b, upstream := newTestBroker(t, nil)

	resp, _ := runFlow(t, b)

	if !strings.HasPrefix(resp.AccessToken, "bt_") {
		t.Errorf("access token %q missing bt_ prefix", resp.AccessToken)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != int64((24 * time.Hour).Seconds()) {
		t.Errorf("ExpiresIn = %d", resp.ExpiresIn)
	}
	if upstream.ExchangeCalls != 1 {
		t.Errorf("ExchangeCalls = %d, want 1", upstream.ExchangeCalls)
	}
	// The broker's verifier went upstream, not the client's.
	if upstream.LastRequest["code_verifier"] == "" {
		t.Error("no verifier sent upstream")
	}

	session, err := b.Authenticate(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if session.Upstream.AccessToken != "upstream-access" {
		t.Errorf("upstream access token = %q", session.Upstream.AccessToken)
	}
}

func TestHandleProviderCallback_UnknownState(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	_, err := b.HandleProviderCallback(context.Background(), "never-created", "code")
	assertOAuthError(t, err, ErrorCodeInvalidRequest)
}

func TestHandleProviderCallback_UpstreamRejects(t *testing.T) {
	b, upstream := newTestBroker(t, nil)
	ctx := context.Background()

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	upstream.SetFailure(http.StatusBadRequest, "invalid_grant")

	_, err = b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "bad-code")
	assertOAuthError(t, err, ErrorCodeAccessDenied)
}

func TestHandleProviderCallback_PreservesClientQuery(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb?app=helpdesk",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}

	redirect, err := b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	u, _ := url.Parse(redirect)
	if u.Query().Get("app") != "helpdesk" {
		t.Error("existing query parameter dropped from client redirect")
	}
	if u.Query().Get("code") == "" {
		t.Error("code parameter missing from client redirect")
	}
}

func TestRedeemToken_WrongVerifier(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	redirect, err := b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}

	_, err = b.RedeemToken(ctx, queryParam(t, redirect, "code"), "wrong", "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRedeemToken_Replay(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	redirect, err := b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	code := queryParam(t, redirect, "code")

	if _, err := b.RedeemToken(ctx, code, pair.Verifier, "203.0.113.7"); err != nil {
		t.Fatalf("first redemption error = %v", err)
	}
	_, err = b.RedeemToken(ctx, code, pair.Verifier, "203.0.113.7")
	assertOAuthError(t, err, ErrorCodeInvalidGrant)
}

func TestRedeemToken_SecurityEventsAudited(t *testing.T) {
	var buf bytes.Buffer
	b, _ := newTestBroker(t, func(cfg *Config) {
		cfg.Security.EnableAuditLogging = true
		cfg.Logger = slog.New(slog.NewTextHandler(&buf, nil))
	})
	ctx := context.Background()

	pair, _ := pkce.Generate()
	authURL, err := b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	if err != nil {
		t.Fatalf("StartAuthorization() error = %v", err)
	}
	redirect, err := b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	code := queryParam(t, redirect, "code")

	if _, err := b.RedeemToken(ctx, code, "wrong-verifier", "203.0.113.7"); err == nil {
		t.Fatal("expected redemption to fail")
	}
	if !strings.Contains(buf.String(), "pkce_verification_failed") {
		t.Error("PKCE failure not audited")
	}

	// A fresh code, redeemed twice.
	authURL, _ = b.StartAuthorization(ctx, StartAuthorizationRequest{
		RedirectURI:   "https://client.example/cb",
		CodeChallenge: pair.Challenge,
	})
	redirect, err = b.HandleProviderCallback(ctx, queryParam(t, authURL, "state"), "upstream-code")
	if err != nil {
		t.Fatalf("HandleProviderCallback() error = %v", err)
	}
	code = queryParam(t, redirect, "code")
	if _, err := b.RedeemToken(ctx, code, pair.Verifier, "203.0.113.7"); err != nil {
		t.Fatalf("first redemption error = %v", err)
	}
	if _, err := b.RedeemToken(ctx, code, pair.Verifier, "203.0.113.7"); err == nil {
		t.Fatal("expected replay to fail")
	}
	if !strings.Contains(buf.String(), "authorization_code_replay_detected") {
		t.Error("code replay not audited")
	}
}

func TestAuthenticateClient(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	confidential, err := b.RegisterClient(ctx, &ClientRegistrationRequest{
		ClientName:   "Helpdesk",
		RedirectURIs: []string{"https://client.example/cb"},
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	public, err := b.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs:            []string{"http://localhost:8484/cb"},
		TokenEndpointAuthMethod: "none",
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantCode string
	}{
		{"unregistered caller", "", "", ""},
		{"secret without client ID", "", "s3cret", ErrorCodeInvalidRequest},
		{"unknown client", "ghost", "s3cret", ErrorCodeInvalidClient},
		{"public client without secret", public.ClientID, "", ""},
		{"confidential client with secret", confidential.ClientID, confidential.ClientSecret, ""},
		{"confidential client without secret", confidential.ClientID, "", ErrorCodeInvalidClient},
		{"confidential client with wrong secret", confidential.ClientID, "wrong", ErrorCodeInvalidClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.AuthenticateClient(ctx, tt.clientID, tt.secret, "203.0.113.7")
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("AuthenticateClient() error = %v", err)
				}
				return
			}
			assertOAuthError(t, err, tt.wantCode)
		})
	}
}

func TestEnsureFreshUpstreamToken_NoRefreshNeeded(t *testing.T) {
	b, upstream := newTestBroker(t, nil)

	resp, _ := runFlow(t, b)

	if _, err := b.EnsureFreshUpstreamToken(context.Background(), resp.AccessToken); err != nil {
		t.Fatalf("EnsureFreshUpstreamToken() error = %v", err)
	}
	if upstream.RefreshCalls != 0 {
		t.Errorf("RefreshCalls = %d, want 0", upstream.RefreshCalls)
	}
}

func TestEnsureFreshUpstreamToken_Refreshes(t *testing.T) {
	b, upstream := newTestBroker(t, nil)

	// Upstream token expires inside the refresh buffer.
	upstream.ExpiresIn = 10
	resp, _ := runFlow(t, b)

	upstream.AccessToken = "refreshed-access"
	upstream.ExpiresIn = 3600

	session, err := b.EnsureFreshUpstreamToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("EnsureFreshUpstreamToken() error = %v", err)
	}
	if upstream.RefreshCalls != 1 {
		t.Errorf("RefreshCalls = %d, want 1", upstream.RefreshCalls)
	}
	if session.Upstream.AccessToken != "refreshed-access" {
		t.Errorf("upstream access token = %q, want refreshed-access", session.Upstream.AccessToken)
	}
	if session.Upstream.RefreshToken == "" {
		t.Error("refresh token lost across refresh")
	}
}

func TestEnsureFreshUpstreamToken_RefreshRejected(t *testing.T) {
	b, upstream := newTestBroker(t, nil)

	upstream.ExpiresIn = 10
	resp, _ := runFlow(t, b)

	upstream.SetFailure(http.StatusBadRequest, "invalid_grant")

	_, err := b.EnsureFreshUpstreamToken(context.Background(), resp.AccessToken)
	assertOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	b, _ := newTestBroker(t, nil)

	_, err := b.Authenticate(context.Background(), "bt_bogus")
	assertOAuthError(t, err, ErrorCodeInvalidToken)
}

func TestRevoke(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	resp, _ := runFlow(t, b)

	if err := b.Revoke(ctx, resp.AccessToken); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if _, err := b.Authenticate(ctx, resp.AccessToken); err == nil {
		t.Error("token still valid after revocation")
	}
	// Unknown tokens revoke without error.
	if err := b.Revoke(ctx, "bt_unknown"); err != nil {
		t.Errorf("Revoke(unknown) error = %v", err)
	}
}

func TestRegisterClient(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		req        ClientRegistrationRequest
		wantErr    bool
		wantSecret bool
	}{
		{
			name: "confidential client",
			req: ClientRegistrationRequest{
				ClientName:   "Helpdesk",
				RedirectURIs: []string{"https://client.example/cb"},
			},
			wantSecret: true,
		},
		{
			name: "public client",
			req: ClientRegistrationRequest{
				RedirectURIs:            []string{"http://localhost:8484/cb"},
				TokenEndpointAuthMethod: "none",
			},
			wantSecret: false,
		},
		{
			name:    "no redirect URIs",
			req:     ClientRegistrationRequest{},
			wantErr: true,
		},
		{
			name: "plain http non-loopback",
			req: ClientRegistrationRequest{
				RedirectURIs: []string{"http://client.example/cb"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := b.RegisterClient(ctx, &tt.req, "203.0.113.9")
			if (err != nil) != tt.wantErr {
				t.Fatalf("RegisterClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if resp.ClientID == "" {
				t.Error("client ID is empty")
			}
			if (resp.ClientSecret != "") != tt.wantSecret {
				t.Errorf("secret present = %v, want %v", resp.ClientSecret != "", tt.wantSecret)
			}
		})
	}
}

func TestRegisterClient_SecretValidates(t *testing.T) {
	b, _ := newTestBroker(t, nil)
	ctx := context.Background()

	resp, err := b.RegisterClient(ctx, &ClientRegistrationRequest{
		RedirectURIs: []string{"https://client.example/cb"},
	}, "203.0.113.9")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	if err := b.clients.ValidateClientSecret(ctx, resp.ClientID, resp.ClientSecret); err != nil {
		t.Errorf("issued secret does not validate: %v", err)
	}
	if err := b.clients.ValidateClientSecret(ctx, resp.ClientID, "wrong"); err == nil {
		t.Error("wrong secret accepted")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&Config{})
	if err == nil {
		t.Error("expected error for empty configuration")
	}
}

func TestNew_InjectedStore(t *testing.T) {
	upstream := testutil.NewUpstreamProvider()
	t.Cleanup(upstream.Close)

	store := memory.New(memory.Options{Logger: discardLogger()})
	t.Cleanup(store.Stop)

	b, err := New(&Config{
		Provider: provider.Config{
			BaseURL:     upstream.URL,
			ClientID:    "c",
			RedirectURL: "https://bridge.example/cb",
		},
		SessionStore: store,
		ClientStore:  store,
		Logger:       discardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Close)

	if b.ownedStore != nil {
		t.Error("broker built an owned store despite injection")
	}
}

func assertOAuthError(t *testing.T, err error, wantCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	oauthErr, ok := err.(*OAuthError)
	if !ok {
		t.Fatalf("error = %T(%v), want *OAuthError", err, err)
	}
	if oauthErr.Code != wantCode {
		t.Errorf("error code = %q, want %q", oauthErr.Code, wantCode)
	}
}
