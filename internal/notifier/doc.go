// Package notifier delivers outbound text through the chat adapter with a
// shared rate limit, bounded retries and a circuit breaker.
//
// Delivery is synchronous: callers learn whether the platform accepted the
// message, which the contact engine needs before it records a cooldown.
// Errors wrapping transport.ErrUnreachable are never retried; they are about
// the recipient, not the platform.
package notifier
