package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/helpdesk-mcp/oauth-bridge/storage"
)

// Handler adapts the Broker to net/http.
type Handler struct {
	broker *Broker
}

// NewHandler creates the HTTP adapter for a broker.
func NewHandler(b *Broker) *Handler {
	return &Handler{broker: b}
}

// RegisterRoutes mounts the OAuth endpoints on a mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", h.ServeAuthorize)
	mux.HandleFunc("/oauth/callback", h.ServeCallback)
	mux.HandleFunc("/oauth/token", h.ServeToken)
	mux.HandleFunc("/oauth/register", h.ServeRegister)
	mux.HandleFunc("/oauth/revoke", h.ServeRevoke)
	mux.HandleFunc("/health", h.ServeHealth)
}

type sessionContextKey struct{}

// ContextWithSession attaches an authenticated session to a context.
func ContextWithSession(ctx context.Context, session *storage.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext returns the session attached by the ValidateToken
// middleware.
func SessionFromContext(ctx context.Context) (*storage.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*storage.Session)
	return session, ok
}

// ServeAuthorize starts an authorization flow and redirects the browser to
// the upstream provider.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if rt := q.Get("response_type"); rt != "" && rt != "code" {
		h.writeError(w, ErrInvalidRequest("unsupported response_type"))
		return
	}
	if method := q.Get("code_challenge_method"); method != "" && method != "S256" {
		h.writeError(w, ErrInvalidRequest("only the S256 code_challenge_method is supported"))
		return
	}

	req := StartAuthorizationRequest{
		ClientID:      q.Get("client_id"),
		RedirectURI:   q.Get("redirect_uri"),
		CodeChallenge: q.Get("code_challenge"),
	}
	if scope := q.Get("scope"); scope != "" {
		req.Scopes = strings.Fields(scope)
	}

	redirectURL, err := h.broker.StartAuthorization(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusBadRequest, startTime)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordRequest(r, http.StatusFound, startTime)
}

// ServeCallback processes the upstream provider redirect and forwards the
// browser to the downstream client with a fresh authorization code.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.writeError(w, ErrAccessDenied("provider returned "+errCode))
		h.recordRequest(r, http.StatusForbidden, startTime)
		return
	}

	redirectURL, err := h.broker.HandleProviderCallback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusBadRequest, startTime)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
	h.recordRequest(r, http.StatusFound, startTime)
}

// ServeToken redeems a downstream authorization code for a proxy bearer
// token. The endpoint speaks standard form encoding.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rateLimited(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	if grantType := r.PostFormValue("grant_type"); grantType != "authorization_code" {
		h.writeError(w, ErrUnsupportedGrantType("only authorization_code is supported"))
		h.recordRequest(r, http.StatusBadRequest, startTime)
		return
	}

	// Client credentials come via HTTP Basic auth or the form body
	// (client_secret_basic and client_secret_post).
	authClientID, authClientSecret, _ := r.BasicAuth()
	if authClientID == "" {
		authClientID = r.PostFormValue("client_id")
		authClientSecret = r.PostFormValue("client_secret")
	}
	if err := h.broker.AuthenticateClient(r.Context(), authClientID, authClientSecret, clientIP(r)); err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusUnauthorized, startTime)
		return
	}

	resp, err := h.broker.RedeemToken(r.Context(), r.PostFormValue("code"), r.PostFormValue("code_verifier"), clientIP(r))
	if err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusBadRequest, startTime)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.writeJSON(w, http.StatusOK, resp)
	h.recordRequest(r, http.StatusOK, startTime)
}

// ServeRegister handles RFC 7591 dynamic client registration.
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rateLimited(w, r) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed registration document"))
		return
	}

	resp, err := h.broker.RegisterClient(r.Context(), &req, clientIP(r))
	if err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusBadRequest, startTime)
		return
	}

	h.writeJSON(w, http.StatusCreated, resp)
	h.recordRequest(r, http.StatusCreated, startTime)
}

// ServeRevoke revokes a proxy token (RFC 7009: unknown tokens still 200).
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.rateLimited(w, r) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed request body"))
		return
	}

	if err := h.broker.Revoke(r.Context(), r.PostFormValue("token")); err != nil {
		h.writeError(w, err)
		h.recordRequest(r, http.StatusInternalServerError, startTime)
		return
	}

	w.WriteHeader(http.StatusOK)
	h.recordRequest(r, http.StatusOK, startTime)
}

// ServeHealth reports liveness.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Time: time.Now().UTC()})
}

// ValidateToken is middleware that authenticates the proxy bearer token,
// refreshes the upstream token when needed, and attaches the session to the
// request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.rateLimited(w, r) {
			return
		}

		token, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		session, err := h.broker.EnsureFreshUpstreamToken(r.Context(), token)
		if err != nil {
			h.broker.logger.Warn("Token validation failed", "ip", clientIP(r), "error", err)
			h.writeUnauthorizedError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), session)))
	})
}

// extractBearerToken pulls the bearer token from the Authorization header,
// writing a 401 when it is missing or malformed.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeUnauthorizedError(w, ErrInvalidToken("missing Authorization header"))
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeUnauthorizedError(w, ErrInvalidToken("invalid Authorization header format"))
		return "", false
	}

	return parts[1], true
}

// rateLimited applies the per-IP limiter. Returns true when the request was
// rejected.
func (h *Handler) rateLimited(w http.ResponseWriter, r *http.Request) bool {
	if h.broker.limiter == nil || h.broker.limiter.Allow(clientIP(r)) {
		return false
	}

	h.broker.logger.Warn("Rate limit exceeded", "ip", clientIP(r), "endpoint", r.URL.Path)
	if h.broker.inst != nil {
		h.broker.inst.Metrics().RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrRateLimitExceeded("rate limit exceeded, try again later"))
	return true
}

// clientIP returns the remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.broker.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError renders any error as an OAuth JSON error body. Unrecognized
// errors become server_error without leaking internals.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrServerError("internal error")
	}
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

// writeUnauthorizedError renders a 401 with the WWW-Authenticate challenge
// required for bearer-token endpoints.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		oauthErr = ErrInvalidToken("invalid token")
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="`+oauthErr.Code+`"`)
	h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}

func (h *Handler) recordRequest(r *http.Request, status int, startTime time.Time) {
	if h.broker.inst == nil {
		return
	}
	durationMs := float64(time.Since(startTime).Milliseconds())
	h.broker.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, status, durationMs)
}
