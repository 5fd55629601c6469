// Package retry provides exponential backoff retry logic for transient
// failures and the reconnection policy consulted by the streaming transport.
//
// # Overview
//
// Two mechanisms live here. Do/DoWithResult run a function with bounded
// exponential backoff, used by the request transport for transient network
// errors. Policy is the stateful reconnect decision consulted by the
// streaming transport after an unexpected disconnect: it either hands out the
// next (jittered, capped) delay or reports that reconnection should stop.
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (general operations)
//   - Quick(): 10 attempts, 50ms-1s delay (startup)
//   - Transport(): 3 attempts, 200ms-2s delay (single-shot requests)
//   - DefaultBackoffPolicy(): 500ms-25s reconnect backoff, never gives up
//
// # Usage
//
// Request retry:
//
//	err := retry.Do(ctx, retry.Transport(), func() error {
//	    return c.send(req)
//	})
//
// Marking an error non-retryable short-circuits remaining attempts:
//
//	return retry.NonRetryable(err)
package retry
