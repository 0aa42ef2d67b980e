// Package middleware exposes HTTP adapters over the authcore engine.
//
//   - [Guard] verifies the bearer access token and its backing session,
//     then injects the claims into the request context.
//   - [TokenOnly] verifies the token signature and expiry without the
//     session lookup, for endpoints that tolerate revocation lag.
//   - [RequirePermission] runs an access check against the claims
//     injected by Guard.
//
// The package translates HTTP semantics into engine calls and nothing
// more. All authentication and authorization decisions are delegated.
package middleware
