// Package dedupe provides an idempotency cache: a key is claimed once per
// TTL window, and a failed attempt can release its claim for redelivery.
package dedupe
