// Package errors provides standardized error handling patterns for chatsync.
//
// # Overview
//
// The errors package implements the error classification system used across
// the synchronization engine: Transient (temporary, retryable network or
// service errors), Auth (token invalid or expired), Decode (malformed server
// payload), StoreIntegrity (dangling entity reference in the local store),
// AlreadyExists (duplicate local creation of an entity id) and Fatal
// (unrecoverable, stop processing).
//
// This classification drives handling strategy throughout the engine:
// transient errors are retried inside the transports and never propagate to
// callers unless retries exhaust; auth errors trigger a token refresh when a
// token provider is configured; decode errors drop the offending event while
// the connection stays alive; store errors are contained at the middleware
// boundary so one bad event never halts the pipeline.
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if conn == nil {
//	    return errors.ErrNotConnected
//	}
//
// Wrap errors with classification and context:
//
//	if err := dial(); err != nil {
//	    return errors.WrapTransient(err, "Connection", "Connect", "dial endpoint")
//	}
//
// Check classification when deciding how to react:
//
//	if errors.IsAuth(err) {
//	    return c.refreshToken(ctx)
//	}
package errors
