// Package testutil holds shared fixtures for the bridge test suites.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Clock is a manually advanced clock for deterministic expiry tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock pinned to a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time. Pass the method value as a clock source.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// UpstreamProvider is a fake upstream OAuth provider token endpoint. Fields
// may be adjusted between calls; guard with the embedded mutex when the test
// is concurrent.
type UpstreamProvider struct {
	*httptest.Server

	mu sync.Mutex

	// Response fields for the next token call.
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string

	// FailStatus, when non-zero, makes the endpoint answer with this HTTP
	// status and an OAuth error body.
	FailStatus int
	FailCode   string

	// Observed requests.
	ExchangeCalls int
	RefreshCalls  int
	LastRequest   map[string]any
}

// NewUpstreamProvider starts a fake provider. The caller owns Close, usually
// via t.Cleanup.
func NewUpstreamProvider() *UpstreamProvider {
	p := &UpstreamProvider{
		AccessToken:  "upstream-access",
		RefreshToken: "upstream-refresh",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		Scope:        "read",
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveToken))
	return p
}

func (p *UpstreamProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.URL.Path != "/oauth/tokens" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	p.LastRequest = body

	switch body["grant_type"] {
	case "authorization_code":
		p.ExchangeCalls++
	case "refresh_token":
		p.RefreshCalls++
	}

	w.Header().Set("Content-Type", "application/json")
	if p.FailStatus != 0 {
		w.WriteHeader(p.FailStatus)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             p.FailCode,
			"error_description": "rejected by test provider",
		})
		return
	}

	resp := map[string]any{
		"access_token": p.AccessToken,
		"token_type":   p.TokenType,
		"expires_in":   p.ExpiresIn,
		"scope":        p.Scope,
	}
	if p.RefreshToken != "" {
		resp["refresh_token"] = p.RefreshToken
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// SetFailure makes the next calls fail with the given status and OAuth code.
func (p *UpstreamProvider) SetFailure(status int, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FailStatus = status
	p.FailCode = code
}

// ClearFailure restores successful responses.
func (p *UpstreamProvider) ClearFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FailStatus = 0
	p.FailCode = ""
}
