// Package provider implements the client side of the upstream OAuth
// provider's API: building authorization URLs and exchanging grants at the
// JSON token endpoint.
//
// The upstream provider exposes two endpoints under a configurable base URL:
//
//	GET  {base}/oauth/authorizations/new   browser-facing authorization page
//	POST {base}/oauth/tokens               JSON token endpoint
//
// The token endpoint accepts JSON request bodies (not form encoding) for the
// authorization_code and refresh_token grants, and answers with a standard
// OAuth token response. Results are returned as *oauth2.Token; the granted
// scope string travels in the token's Extra("scope").
package provider
