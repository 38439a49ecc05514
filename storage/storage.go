// Package storage defines the session, authorization-code, and registered-client
// records owned by the broker, along with the store interfaces implemented by
// backends. The in-memory backend in storage/memory is the authoritative store
// for single-instance deployments; a durable backend would implement the same
// interfaces (multi-instance deployment requires one).
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors returned by store implementations. Callers match these
// with errors.Is and translate them to generic externally-visible outcomes.
var (
	// ErrInvalidGrant covers every authorization-code redemption failure:
	// unknown code, expired code, replayed code, and PKCE mismatch. The
	// sub-reason is deliberately not exposed to OAuth clients to avoid
	// building an oracle; stores log it internally.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrCodeReplayed and ErrPKCEMismatch wrap ErrInvalidGrant so the broker
	// can raise replay and PKCE security signals. errors.Is against
	// ErrInvalidGrant still matches, and the externally visible response
	// stays invalid_grant either way.
	ErrCodeReplayed = fmt.Errorf("authorization code already used: %w", ErrInvalidGrant)
	ErrPKCEMismatch = fmt.Errorf("code verifier rejected: %w", ErrInvalidGrant)

	// ErrSessionNotFound is returned when a state or proxy-token lookup misses.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTokenExpired is returned when a presented proxy token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrStateExists is returned when CreateSession is called with a state
	// value that already indexes a live session.
	ErrStateExists = errors.New("state already in use")

	// ErrClientNotFound is returned when a client ID lookup misses.
	ErrClientNotFound = errors.New("client not found")
)

// Session represents one OAuth handshake and the credential bundle that
// results from it. A session moves through its lifecycle by field presence:
// state only (pending), upstream token present (authorized), proxy token
// present (active). There is no stored state enum.
type Session struct {
	// ID is the opaque session identifier.
	ID string

	// State is the CSRF correlation value round-tripped through the provider
	// redirect. It indexes the session until redemption completes.
	State string

	// UpstreamVerifier is the PKCE verifier this broker generated for the
	// upstream provider. Never log it.
	UpstreamVerifier string

	// DownstreamChallenge is the PKCE challenge supplied by the original
	// client. Empty means the client opted out of PKCE (compatibility path).
	DownstreamChallenge string

	// DownstreamRedirectURI is echoed back to the client after the provider
	// callback. Optional.
	DownstreamRedirectURI string

	// Upstream holds the provider-issued credentials. Nil until the
	// authorization-code exchange with the provider succeeds.
	Upstream *oauth2.Token

	// Scopes are the scope strings granted by the provider.
	Scopes []string

	// ProxyToken is the opaque bearer token this broker minted for the
	// downstream client. Empty until redemption.
	ProxyToken string

	// ProxyExpiry is the absolute expiry of ProxyToken.
	ProxyExpiry time.Time

	// CreatedAt drives absolute-age expiry independent of token TTLs.
	CreatedAt time.Time
}

// AuthorizationCode is a single-use, short-lived credential binding a session
// to a pending proxy-token mint. The code holds the only reference to its
// session (by ID); the session has no back-reference.
type AuthorizationCode struct {
	Code      string
	SessionID string
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// Client is a registered downstream client (RFC 7591 dynamic registration).
// Clients never auto-expire.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	Metadata         map[string]any
	RegisteredAt     time.Time
}

// Redemption is the result of a successful authorization-code redemption.
type Redemption struct {
	ProxyToken string
	ExpiresIn  int64 // seconds
	Session    *Session
}

// SessionStore owns all session and authorization-code records and implements
// the handshake state machine. Implementations must execute each mutating
// operation atomically with respect to the record it touches; in particular
// RedeemAuthorizationCode must mark the code used before minting so that two
// concurrent redemptions can never both succeed.
type SessionStore interface {
	// CreateSession creates a session indexed by state. Fails with
	// ErrStateExists if the state already indexes a live session.
	CreateSession(ctx context.Context, state, upstreamVerifier, downstreamRedirectURI, downstreamChallenge string) (*Session, error)

	// FindByState returns the session for a state value without consuming
	// the index; consumption happens only at final redemption.
	FindByState(ctx context.Context, state string) (*Session, error)

	// IssueAuthorizationCode stores the upstream exchange result on the
	// session and mints a single-use authorization code referencing it.
	// The state index stays live so a duplicate provider callback can still
	// be correlated.
	IssueAuthorizationCode(ctx context.Context, sessionID string, upstream *oauth2.Token, scopes []string) (string, error)

	// RedeemAuthorizationCode performs the one-time code-for-proxy-token
	// exchange, verifying PKCE when the session carries a downstream
	// challenge. All failures surface as ErrInvalidGrant.
	RedeemAuthorizationCode(ctx context.Context, code, downstreamVerifier string) (*Redemption, error)

	// GetSessionByProxyToken validates a bearer token presented by a
	// downstream caller. Returns ErrTokenExpired for a known-but-expired
	// token and ErrSessionNotFound otherwise.
	GetSessionByProxyToken(ctx context.Context, proxyToken string) (*Session, error)

	// IsUpstreamTokenExpiring reports whether the session's upstream token
	// needs a refresh before the next upstream call: true when no upstream
	// expiry is recorded or when now has reached expiry minus the
	// configured buffer.
	IsUpstreamTokenExpiring(session *Session) bool

	// UpdateUpstreamTokens applies a successful refresh result. The previous
	// refresh token is kept when the provider did not rotate it.
	UpdateUpstreamTokens(ctx context.Context, proxyToken string, upstream *oauth2.Token) error

	// DeleteSession removes the session for a proxy token along with any
	// lingering state index entry.
	DeleteSession(ctx context.Context, proxyToken string) error

	// SweepExpired removes expired sessions, abandoned handshakes, and dead
	// authorization codes. Returns the number of records removed. The store
	// also runs this on its own interval; the method exists for tests and
	// for explicit triggering.
	SweepExpired(ctx context.Context) int
}

// ClientStore manages registered downstream clients.
type ClientStore interface {
	// SaveClient upserts a registered client.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret in constant time.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}
