// Package idp is the gateway to the external identity provider.
//
// # Overview
//
// The provider is an external collaborator with its own consistency model:
// eventually consistent and rate limited. This package exposes the narrow
// surface the engine needs (lookup by email, paged listing, existence
// checks, and writes to the defined custom role attributes) behind the
// Provider interface, with a Cognito-backed implementation and an in-memory
// implementation for tests and local development.
//
// Every call carries a bounded timeout. Throttling and unreachability map to
// the identity package's transient sentinels so callers can route failures
// into the compensation log instead of surfacing them.
package idp
