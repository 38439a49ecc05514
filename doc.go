// Package bridge implements an OAuth 2.1 authorization-code broker.
//
// The broker sits between downstream clients and one upstream OAuth
// provider. It runs the upstream Authorization Code + PKCE flow on behalf of
// the client, holds the upstream tokens server-side, and hands the client a
// broker-minted proxy bearer token instead. Downstream clients never see
// upstream credentials.
//
// Flow:
//
//  1. StartAuthorization creates a session bound to a CSRF state and the
//     client's PKCE challenge, and returns the upstream authorization URL.
//  2. HandleProviderCallback correlates the provider redirect by state,
//     exchanges the upstream code (with the broker's own PKCE verifier),
//     and mints a single-use downstream authorization code.
//  3. RedeemToken exchanges that code, verifying the client's PKCE
//     verifier, for a proxy bearer token.
//  4. Middleware-protected resources validate the proxy token;
//     EnsureFreshUpstreamToken transparently refreshes the upstream token
//     when it nears expiry.
//
// Use New to construct a Broker from a Config, and Handler to expose the
// HTTP surface.
package bridge
