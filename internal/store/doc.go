// Package store persists scheduled posts and their delivery lifecycle.
//
// The durable record is the source of truth for "what must still be
// delivered": every mutation is committed to SQLite before the call returns,
// and startup recovery re-arms timers from ListPending. Status transitions
// are guarded in SQL (pending -> sent|failed, exactly once) so two racing
// finalization attempts cannot both succeed.
package store
