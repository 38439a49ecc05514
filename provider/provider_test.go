package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:      baseURL,
		ClientID:     "bridge-client",
		ClientSecret: "bridge-secret",
		RedirectURL:  "https://bridge.example/oauth/callback",
		Scopes:       []string{"read", "write"},
		Logger:       slog.New(slog.DiscardHandler),
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing base URL", func(c *Config) { c.BaseURL = "" }, true},
		{"bad base URL scheme", func(c *Config) { c.BaseURL = "ftp://auth.example" }, true},
		{"missing client ID", func(c *Config) { c.ClientID = "" }, true},
		{"missing redirect URL", func(c *Config) { c.RedirectURL = "" }, true},
		{"no client secret is fine", func(c *Config) { c.ClientSecret = "" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("https://auth.example.com")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthorizationURL(t *testing.T) {
	p, err := New(testConfig("https://auth.example.com/"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw := p.AuthorizationURL("state-123", "challenge-abc", nil)

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q) error = %v", raw, err)
	}
	if u.Path != "/oauth/authorizations/new" {
		t.Errorf("path = %q, want /oauth/authorizations/new", u.Path)
	}

	q := u.Query()
	want := map[string]string{
		"response_type":         "code",
		"client_id":             "bridge-client",
		"redirect_uri":          "https://bridge.example/oauth/callback",
		"scope":                 "read write",
		"state":                 "state-123",
		"code_challenge":        "challenge-abc",
		"code_challenge_method": "S256",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestAuthorizationURL_ScopeOverride(t *testing.T) {
	p, err := New(testConfig("https://auth.example.com"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	raw := p.AuthorizationURL("s", "c", []string{"admin"})
	u, _ := url.Parse(raw)
	if got := u.Query().Get("scope"); got != "admin" {
		t.Errorf("scope = %q, want %q", got, "admin")
	}
}

func TestExchangeCode(t *testing.T) {
	var gotBody tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/oauth/tokens" {
			t.Errorf("path = %q, want /oauth/tokens", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if accept := r.Header.Get("Accept"); accept != "application/json" {
			t.Errorf("Accept = %q, want application/json", accept)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "upstream-refresh",
			"scope":         "read write",
		})
	}))
	defer srv.Close()

	p, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	token, err := p.ExchangeCode(context.Background(), "auth-code", "the-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if gotBody.GrantType != "authorization_code" {
		t.Errorf("grant_type = %q, want authorization_code", gotBody.GrantType)
	}
	if gotBody.Code != "auth-code" {
		t.Errorf("code = %q, want auth-code", gotBody.Code)
	}
	if gotBody.CodeVerifier != "the-verifier" {
		t.Errorf("code_verifier = %q, want the-verifier", gotBody.CodeVerifier)
	}
	if gotBody.RedirectURI != "https://bridge.example/oauth/callback" {
		t.Errorf("redirect_uri = %q", gotBody.RedirectURI)
	}

	if token.AccessToken != "upstream-access" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if token.RefreshToken != "upstream-refresh" {
		t.Errorf("RefreshToken = %q", token.RefreshToken)
	}
	if token.Expiry.IsZero() || time.Until(token.Expiry) > time.Hour {
		t.Errorf("Expiry = %v, want ~1h from now", token.Expiry)
	}
	if scopes := GrantedScopes(token); len(scopes) != 2 || scopes[0] != "read" {
		t.Errorf("GrantedScopes() = %v, want [read write]", scopes)
	}
}

func TestExchangeCode_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}))
	defer srv.Close()

	p, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = p.ExchangeCode(context.Background(), "stale", "v")
	var provErr *Error
	if !errors.As(err, &provErr) {
		t.Fatalf("error = %v, want *provider.Error", err)
	}
	if provErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", provErr.StatusCode)
	}
	if provErr.Code != "invalid_grant" {
		t.Errorf("Code = %q, want invalid_grant", provErr.Code)
	}
	if provErr.Description != "code expired" {
		t.Errorf("Description = %q", provErr.Description)
	}
}

func TestExchangeCode_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing access_token", `{"token_type":"bearer"}`},
		{"wrong token_type", `{"access_token":"a","token_type":"mac"}`},
		{"not json", `<html>oops</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := New(testConfig(srv.URL))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if _, err := p.ExchangeCode(context.Background(), "c", "v"); err == nil {
				t.Error("expected error for malformed response")
			}
		})
	}
}

func TestExchangeCode_AcceptedTokenTypes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"lowercase", `{"access_token":"a","token_type":"bearer"}`},
		{"capitalized", `{"access_token":"a","token_type":"Bearer"}`},
		{"uppercase", `{"access_token":"a","token_type":"BEARER"}`},
		{"absent defaults to bearer", `{"access_token":"a","expires_in":3600}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p, err := New(testConfig(srv.URL))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			token, err := p.ExchangeCode(context.Background(), "c", "v")
			if err != nil {
				t.Errorf("ExchangeCode() error = %v", err)
			}
			if token != nil && token.Type() != "Bearer" {
				t.Errorf("Type() = %q, want Bearer", token.Type())
			}
		})
	}
}

func TestRefreshToken(t *testing.T) {
	var gotBody tokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh-access",
			"token_type":   "bearer",
			"expires_in":   1800,
		})
	}))
	defer srv.Close()

	p, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	token, err := p.RefreshToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}

	if gotBody.GrantType != "refresh_token" {
		t.Errorf("grant_type = %q, want refresh_token", gotBody.GrantType)
	}
	if gotBody.RefreshToken != "old-refresh" {
		t.Errorf("refresh_token = %q, want old-refresh", gotBody.RefreshToken)
	}
	if token.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q, want fresh-access", token.AccessToken)
	}
	// Provider did not rotate; the caller decides what to keep.
	if token.RefreshToken != "" {
		t.Errorf("RefreshToken = %q, want empty", token.RefreshToken)
	}
}

func TestRefreshToken_Empty(t *testing.T) {
	p, err := New(testConfig("https://auth.example.com"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := p.RefreshToken(context.Background(), ""); err == nil {
		t.Error("expected error for empty refresh token")
	}
}

func TestExchangeCode_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can detect the client disconnect;
		// with an unread body the request context is never cancelled and
		// srv.Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.ExchangeCode(ctx, "c", "v"); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestGrantedScopes(t *testing.T) {
	tests := []struct {
		name  string
		token *oauth2.Token
		want  int
	}{
		{"nil token", nil, 0},
		{"no extra", &oauth2.Token{AccessToken: "a"}, 0},
		{"scopes set", (&oauth2.Token{AccessToken: "a"}).WithExtra(map[string]interface{}{"scope": "a b c"}), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GrantedScopes(tt.token)
			if len(got) != tt.want {
				t.Errorf("GrantedScopes() = %v, want %d scopes", got, tt.want)
			}
		})
	}
}

func TestNew_TrimsBaseURL(t *testing.T) {
	p, err := New(testConfig("https://auth.example.com///"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if strings.Contains(p.tokenURL, "///") {
		t.Errorf("tokenURL %q retains trailing slashes", p.tokenURL)
	}
}
