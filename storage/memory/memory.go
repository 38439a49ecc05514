// Package memory provides the in-memory implementation of the broker's
// session and client stores. It is the authoritative store for a
// single-instance deployment; nothing survives a process restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/helpdesk-mcp/oauth-bridge/instrumentation"
	"github.com/helpdesk-mcp/oauth-bridge/internal/pkce"
	"github.com/helpdesk-mcp/oauth-bridge/internal/util"
	"github.com/helpdesk-mcp/oauth-bridge/security"
	"github.com/helpdesk-mcp/oauth-bridge/storage"
)

const (
	// proxyTokenPrefix marks broker-minted bearer tokens so they are never
	// confused with upstream provider tokens in logs or bug reports.
	proxyTokenPrefix = "bt_"

	// tokenIDLogLength is the number of characters shown when logging code
	// or token identifiers.
	tokenIDLogLength = 8
)

// Options configures a Store. The zero value gets the documented defaults.
type Options struct {
	// SweepInterval is how often the background sweep runs. Default: 1 hour.
	SweepInterval time.Duration

	// AuthorizationCodeTTL is the lifetime of minted authorization codes.
	// Default: 10 minutes.
	AuthorizationCodeTTL time.Duration

	// ProxyTokenTTL is the lifetime of minted proxy access tokens.
	// Default: 24 hours.
	ProxyTokenTTL time.Duration

	// SessionMaxAge is the absolute session lifetime measured from creation,
	// independent of token TTLs. Default: 24 hours.
	SessionMaxAge time.Duration

	// PendingSessionTTL is how long a session may sit without upstream
	// tokens before the sweep treats the handshake as abandoned.
	// Default: 10 minutes.
	PendingSessionTTL time.Duration

	// UpstreamExpiryBuffer is subtracted from the upstream token expiry when
	// deciding whether a refresh is due. Default: 60 seconds.
	UpstreamExpiryBuffer time.Duration

	// RequirePKCE rejects redemption of codes whose session carries no
	// downstream challenge. When false, such sessions redeem without PKCE
	// verification (compatibility fallback). Default: true.
	RequirePKCE *bool

	// Logger for structured logging. Default: slog.Default().
	Logger *slog.Logger
}

// Store is the in-memory implementation of storage.SessionStore and
// storage.ClientStore. A single coarse mutex guards all maps; contention is
// low and the redemption critical section must be atomic anyway.
type Store struct {
	mu sync.RWMutex

	sessions   map[string]*storage.Session           // session ID -> session
	stateIndex map[string]string                     // state -> session ID
	proxyIndex map[string]string                     // proxy token -> session ID
	codes      map[string]*storage.AuthorizationCode // code -> record
	clients    map[string]*storage.Client            // client ID -> client

	sweepInterval        time.Duration
	codeTTL              time.Duration
	proxyTokenTTL        time.Duration
	sessionMaxAge        time.Duration
	pendingSessionTTL    time.Duration
	upstreamExpiryBuffer time.Duration
	requirePKCE          bool

	// now is the store's single clock source; injectable for tests.
	now func() time.Time

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	// Atomic counters backing the observable size gauges (lock-free reads
	// during metric collection).
	sessionsCountAtomic atomic.Int64
	codesCountAtomic    atomic.Int64
	clientsCountAtomic  atomic.Int64

	stopSweep chan struct{}
	stopOnce  sync.Once
	logger    *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.SessionStore = (*Store)(nil)
	_ storage.ClientStore  = (*Store)(nil)
)

// New creates a new in-memory store with the given options and starts its
// background sweep. Call Stop for a clean shutdown.
func New(opts Options) *Store {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Hour
	}
	if opts.AuthorizationCodeTTL <= 0 {
		opts.AuthorizationCodeTTL = 10 * time.Minute
	}
	if opts.ProxyTokenTTL <= 0 {
		opts.ProxyTokenTTL = 24 * time.Hour
	}
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 24 * time.Hour
	}
	if opts.PendingSessionTTL <= 0 {
		opts.PendingSessionTTL = 10 * time.Minute
	}
	if opts.UpstreamExpiryBuffer <= 0 {
		opts.UpstreamExpiryBuffer = time.Minute
	}
	requirePKCE := true
	if opts.RequirePKCE != nil {
		requirePKCE = *opts.RequirePKCE
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		sessions:             make(map[string]*storage.Session),
		stateIndex:           make(map[string]string),
		proxyIndex:           make(map[string]string),
		codes:                make(map[string]*storage.AuthorizationCode),
		clients:              make(map[string]*storage.Client),
		sweepInterval:        opts.SweepInterval,
		codeTTL:              opts.AuthorizationCodeTTL,
		proxyTokenTTL:        opts.ProxyTokenTTL,
		sessionMaxAge:        opts.SessionMaxAge,
		pendingSessionTTL:    opts.PendingSessionTTL,
		upstreamExpiryBuffer: opts.UpstreamExpiryBuffer,
		requirePKCE:          requirePKCE,
		now:                  time.Now,
		stopSweep:            make(chan struct{}),
		logger:               logger,
	}

	go s.sweepLoop()

	return s
}

// SetClock injects a clock source for deterministic expiry tests. Not safe
// to call concurrently with store operations; call it before use.
func (s *Store) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store and
// registers the size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStoreSizeCallbacks(
			func() int64 { return s.sessionsCountAtomic.Load() },
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register store size callbacks", "error", err)
		}
	}
}

// Stop terminates the sweep goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
}

// generateToken produces an unguessable random string. Same construction as
// a PKCE verifier (32 bytes of CSPRNG output, base64url).
func generateToken() string {
	return oauth2.GenerateVerifier()
}

// ============================================================
// SessionStore implementation
// ============================================================

// CreateSession creates and indexes a new session for a handshake.
func (s *Store) CreateSession(ctx context.Context, state, upstreamVerifier, downstreamRedirectURI, downstreamChallenge string) (*storage.Session, error) {
	ctx, span := s.startSpan(ctx, "create_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "create_session", err, startTime)
	}()

	if state == "" {
		err = fmt.Errorf("state cannot be empty")
		return nil, err
	}
	if upstreamVerifier == "" {
		err = fmt.Errorf("upstream verifier cannot be empty")
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stateIndex[state]; exists {
		err = fmt.Errorf("%w: %s", storage.ErrStateExists, util.SafeTruncate(state, tokenIDLogLength))
		return nil, err
	}

	session := &storage.Session{
		ID:                    uuid.NewString(),
		State:                 state,
		UpstreamVerifier:      upstreamVerifier,
		DownstreamChallenge:   downstreamChallenge,
		DownstreamRedirectURI: downstreamRedirectURI,
		CreatedAt:             s.now(),
	}

	s.sessions[session.ID] = session
	s.stateIndex[state] = session.ID
	s.sessionsCountAtomic.Add(1)

	s.logger.Debug("Created session",
		"session_id", session.ID,
		"state_prefix", util.SafeTruncate(state, tokenIDLogLength),
		"pkce", downstreamChallenge != "")

	return copySession(session), nil
}

// FindByState returns the session for a state value without consuming it.
func (s *Store) FindByState(ctx context.Context, state string) (*storage.Session, error) {
	_, span := s.startSpan(ctx, "find_by_state")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.stateIndex[state]
	if !ok {
		return nil, fmt.Errorf("%w: unknown state", storage.ErrSessionNotFound)
	}
	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: state index points at removed session", storage.ErrSessionNotFound)
	}

	return copySession(session), nil
}

// IssueAuthorizationCode stores the upstream exchange result on the session
// and mints a single-use authorization code referencing it. The state index
// is intentionally left in place until final redemption so a duplicate
// provider callback can still be correlated.
func (s *Store) IssueAuthorizationCode(ctx context.Context, sessionID string, upstream *oauth2.Token, scopes []string) (string, error) {
	ctx, span := s.startSpan(ctx, "issue_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "issue_authorization_code", err, startTime)
	}()

	if upstream == nil || upstream.AccessToken == "" {
		err = fmt.Errorf("upstream token is required")
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
		return "", err
	}

	session.Upstream = upstream
	session.Scopes = append([]string(nil), scopes...)

	now := s.now()
	code := &storage.AuthorizationCode{
		Code:      generateToken(),
		SessionID: session.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.codeTTL),
		Used:      false,
	}
	s.codes[code.Code] = code
	s.codesCountAtomic.Add(1)

	s.logger.Debug("Issued authorization code",
		"session_id", session.ID,
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength),
		"expires_at", code.ExpiresAt)

	return code.Code, nil
}

// RedeemAuthorizationCode exchanges a single-use code for a proxy access
// token. The whole sequence runs under the write lock so that exactly one of
// any number of concurrent attempts can succeed: the code is marked used
// strictly before the token is minted.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeValue, downstreamVerifier string) (*storage.Redemption, error) {
	ctx, span := s.startSpan(ctx, "redeem_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "redeem_authorization_code", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.codes[codeValue]
	if !ok {
		s.logger.Debug("Redemption failed: code not found",
			"code_prefix", util.SafeTruncate(codeValue, tokenIDLogLength))
		err = storage.ErrInvalidGrant
		return nil, err
	}

	now := s.now()

	if !now.Before(code.ExpiresAt) {
		s.deleteCodeLocked(codeValue)
		s.logger.Debug("Redemption failed: code expired",
			"code_prefix", util.SafeTruncate(codeValue, tokenIDLogLength))
		err = storage.ErrInvalidGrant
		return nil, err
	}

	if code.Used {
		s.deleteCodeLocked(codeValue)
		s.logger.Warn("Redemption failed: code replay detected",
			"code_prefix", util.SafeTruncate(codeValue, tokenIDLogLength),
			"session_id", code.SessionID)
		if s.inst != nil {
			s.inst.Metrics().RecordCodeReplayDetected(ctx)
		}
		err = storage.ErrCodeReplayed
		return nil, err
	}

	session, ok := s.sessions[code.SessionID]
	if !ok {
		// Session was swept out from under the code.
		s.deleteCodeLocked(codeValue)
		err = storage.ErrInvalidGrant
		return nil, err
	}

	if session.DownstreamChallenge != "" {
		if !pkce.Verify(downstreamVerifier, session.DownstreamChallenge) {
			s.deleteCodeLocked(codeValue)
			s.logger.Warn("Redemption failed: PKCE verification failed",
				"session_id", session.ID)
			if s.inst != nil {
				s.inst.Metrics().RecordPKCEValidationFailed(ctx)
			}
			err = storage.ErrPKCEMismatch
			return nil, err
		}
	} else if s.requirePKCE {
		s.deleteCodeLocked(codeValue)
		s.logger.Warn("Redemption failed: session has no PKCE challenge and PKCE is required",
			"session_id", session.ID)
		if s.inst != nil {
			s.inst.Metrics().RecordPKCEValidationFailed(ctx)
		}
		err = storage.ErrPKCEMismatch
		return nil, err
	}

	// The code is inert from here on, whatever happens below.
	code.Used = true

	// Re-minting supersedes any previous proxy token for this session.
	if session.ProxyToken != "" {
		delete(s.proxyIndex, session.ProxyToken)
	}

	proxyToken := proxyTokenPrefix + generateToken()
	session.ProxyToken = proxyToken
	session.ProxyExpiry = now.Add(s.proxyTokenTTL)
	s.proxyIndex[proxyToken] = session.ID

	// Flow fully complete: consume the state index and the code record.
	delete(s.stateIndex, session.State)
	s.deleteCodeLocked(codeValue)

	s.logger.Info("Authorization code redeemed",
		"session_id", session.ID,
		"token_prefix", util.SafeTruncate(proxyToken, tokenIDLogLength),
		"proxy_expiry", session.ProxyExpiry)

	return &storage.Redemption{
		ProxyToken: proxyToken,
		ExpiresIn:  int64(s.proxyTokenTTL.Seconds()),
		Session:    copySession(session),
	}, nil
}

// GetSessionByProxyToken validates a downstream bearer token.
func (s *Store) GetSessionByProxyToken(ctx context.Context, proxyToken string) (*storage.Session, error) {
	ctx, span := s.startSpan(ctx, "get_session_by_proxy_token")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "get_session_by_proxy_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.proxyIndex[proxyToken]
	if !ok {
		err = fmt.Errorf("%w: unknown proxy token", storage.ErrSessionNotFound)
		return nil, err
	}
	session, ok := s.sessions[id]
	if !ok {
		err = fmt.Errorf("%w: proxy index points at removed session", storage.ErrSessionNotFound)
		return nil, err
	}

	if security.IsTokenExpiredAt(s.now(), session.ProxyExpiry, 0) {
		err = fmt.Errorf("%w: proxy token past expiry", storage.ErrTokenExpired)
		return nil, err
	}

	return copySession(session), nil
}

// IsUpstreamTokenExpiring reports whether the session's upstream token needs
// a refresh before the next upstream call. A session with no recorded
// upstream expiry always reports true.
func (s *Store) IsUpstreamTokenExpiring(session *storage.Session) bool {
	if session == nil || session.Upstream == nil {
		return true
	}
	return security.IsTokenExpiringSoonAt(s.now(), session.Upstream.Expiry, s.upstreamExpiryBuffer)
}

// UpdateUpstreamTokens applies a successful refresh result to the session
// behind a proxy token. The previous refresh token survives when the
// provider did not issue a new one.
func (s *Store) UpdateUpstreamTokens(ctx context.Context, proxyToken string, upstream *oauth2.Token) error {
	ctx, span := s.startSpan(ctx, "update_upstream_tokens")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "update_upstream_tokens", err, startTime)
	}()

	if upstream == nil || upstream.AccessToken == "" {
		err = fmt.Errorf("upstream token is required")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.proxyIndex[proxyToken]
	if !ok {
		err = fmt.Errorf("%w: unknown proxy token", storage.ErrSessionNotFound)
		return err
	}
	session := s.sessions[id]
	if session == nil {
		err = fmt.Errorf("%w: proxy index points at removed session", storage.ErrSessionNotFound)
		return err
	}

	prevRefresh := ""
	if session.Upstream != nil {
		prevRefresh = session.Upstream.RefreshToken
	}

	updated := &oauth2.Token{
		AccessToken:  upstream.AccessToken,
		RefreshToken: upstream.RefreshToken,
		TokenType:    upstream.TokenType,
		Expiry:       upstream.Expiry,
	}
	// Refresh-token rotation: keep the old one unless the provider rotated.
	if updated.RefreshToken == "" {
		updated.RefreshToken = prevRefresh
	}
	session.Upstream = updated

	s.logger.Debug("Updated upstream tokens",
		"session_id", session.ID,
		"rotated", upstream.RefreshToken != "" && upstream.RefreshToken != prevRefresh,
		"upstream_expiry", updated.Expiry)

	return nil
}

// DeleteSession removes the session behind a proxy token along with its
// state index entry.
func (s *Store) DeleteSession(ctx context.Context, proxyToken string) error {
	ctx, span := s.startSpan(ctx, "delete_session")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "delete_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.proxyIndex[proxyToken]
	if !ok {
		err = fmt.Errorf("%w: unknown proxy token", storage.ErrSessionNotFound)
		return err
	}

	s.removeSessionLocked(id)
	s.logger.Debug("Deleted session", "session_id", id)
	return nil
}

// removeSessionLocked erases a session and every index entry pointing at it.
// Must be called with the write lock held.
func (s *Store) removeSessionLocked(sessionID string) {
	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	delete(s.stateIndex, session.State)
	if session.ProxyToken != "" {
		delete(s.proxyIndex, session.ProxyToken)
	}
	delete(s.sessions, sessionID)
	s.sessionsCountAtomic.Add(-1)
}

// deleteCodeLocked erases an authorization code record. Must be called with
// the write lock held.
func (s *Store) deleteCodeLocked(codeValue string) {
	if _, ok := s.codes[codeValue]; ok {
		delete(s.codes, codeValue)
		s.codesCountAtomic.Add(-1)
	}
}

// ============================================================
// ClientStore implementation
// ============================================================

// SaveClient upserts a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[client.ClientID]
	s.clients[client.ClientID] = copyClient(client)
	if !existed {
		s.clientsCountAtomic.Add(1)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return copyClient(client), nil
}

// ValidateClientSecret validates a client's secret using bcrypt. The same
// operations run whether or not the client exists, so response timing does
// not reveal which client IDs are registered.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// bcrypt hash of "placeholder", compared when the client is unknown
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ============================================================
// Sweep
// ============================================================

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.SweepExpired(context.Background())
		}
	}
}

// SweepExpired removes every record the state machine no longer needs:
// sessions past their absolute age, sessions whose proxy token expired,
// sessions whose upstream token expired with no refresh token, abandoned
// handshakes, and authorization codes that are past TTL or already used.
// Live, unexpired sessions are never touched.
func (s *Store) SweepExpired(ctx context.Context) int {
	ctx, span := s.startSpan(ctx, "sweep_expired")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordOperation(ctx, span, "sweep_expired", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for codeValue, code := range s.codes {
		if code.Used || !now.Before(code.ExpiresAt) {
			s.deleteCodeLocked(codeValue)
			removed++
		}
	}

	for id, session := range s.sessions {
		switch {
		case now.Sub(session.CreatedAt) >= s.sessionMaxAge:
			// Absolute age cap, independent of token TTLs.
		case session.ProxyToken != "" && security.IsTokenExpiredAt(now, session.ProxyExpiry, 0):
			// Downstream caller must restart the flow.
		case session.Upstream != nil && session.Upstream.RefreshToken == "" &&
			security.IsTokenExpiredAt(now, session.Upstream.Expiry, 0) && !session.Upstream.Expiry.IsZero():
			// Upstream credentials dead and unrefreshable.
		case session.Upstream == nil && session.ProxyToken == "" &&
			now.Sub(session.CreatedAt) >= s.pendingSessionTTL:
			// Handshake abandoned before the provider callback.
		default:
			continue
		}
		s.removeSessionLocked(id)
		removed++
	}

	if removed > 0 {
		if s.inst != nil {
			s.inst.Metrics().RecordSweep(ctx, int64(removed))
		}
		s.logger.Debug("Sweep removed expired records",
			"removed", removed,
			"sessions", len(s.sessions),
			"codes", len(s.codes))
	}

	return removed
}

// copySession returns a defensive copy so callers cannot mutate store state
// outside the lock.
func copySession(session *storage.Session) *storage.Session {
	if session == nil {
		return nil
	}
	out := *session
	if session.Upstream != nil {
		upstream := *session.Upstream
		out.Upstream = &upstream
	}
	out.Scopes = append([]string(nil), session.Scopes...)
	return &out
}

// copyClient mirrors copySession for registered clients.
func copyClient(client *storage.Client) *storage.Client {
	if client == nil {
		return nil
	}
	out := *client
	out.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	if client.Metadata != nil {
		out.Metadata = make(map[string]any, len(client.Metadata))
		for k, v := range client.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))
}

func (s *Store) recordOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetStatus(codes.Ok, "")
	}

	s.inst.Metrics().RecordStorageOperation(ctx, operation, err == nil, durationMs)
}
