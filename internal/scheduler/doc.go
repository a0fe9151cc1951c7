// Package scheduler owns the mapping from post IDs to one-shot future
// delivery invocations.
//
// # Firing
//
// Schedule arms a timer per post; a timestamp already in the past arms a
// zero-delay timer, so nothing is ever silently dropped. A firing timer
// consumes itself and enqueues the post ID onto a bounded queue drained by a
// worker pool, so a slow or stuck delivery never delays other posts' timers.
//
// # At-least-once
//
// Timers are runtime state only. The post store is the source of truth:
// RecoverFromStore re-arms every pending post on startup, and a periodic
// reconcile sweep re-arms any due pending post that lost its timer (queue
// overflow, scheduling race). Downstream deduplication is the delivery
// pipeline's terminal-status check.
//
// # Cancellation
//
// Cancel disarms a not-yet-fired timer. Cancelling concurrently with the
// fire is best-effort: the caller must treat "cancel racing fire" as may or
// may not have taken effect.
package scheduler
