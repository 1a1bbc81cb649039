// Package dedupe remembers the outcome of an operation per idempotency key so
// a retried request replays the first result instead of repeating the work.
package dedupe
