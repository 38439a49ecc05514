package bridge

import "time"

// TokenResponse is the JSON body returned from the token endpoint on a
// successful redemption.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// ErrorResponse is the JSON body of any failed OAuth endpoint call.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ClientRegistrationRequest is the RFC 7591 dynamic client registration
// request body. Only the fields the broker acts on are modeled; the rest of
// the document is preserved in the stored metadata.
type ClientRegistrationRequest struct {
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the RFC 7591 registration response. The
// client secret appears exactly once, here; only its hash is stored.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types,omitempty"`
}

// StartAuthorizationRequest carries a downstream client's parameters into
// StartAuthorization.
type StartAuthorizationRequest struct {
	// ClientID of the registered downstream client. Optional; validated
	// against the client store when present.
	ClientID string

	// RedirectURI is where the downstream client receives its code.
	RedirectURI string

	// CodeChallenge is the client's S256 PKCE challenge. Required unless
	// PKCE is explicitly disabled in the security configuration.
	CodeChallenge string

	// Scopes requested from the upstream provider. Defaults to the
	// provider's configured scopes when empty.
	Scopes []string
}

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
}
