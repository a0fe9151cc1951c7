package store

import "context"

// Store is the persistence API for scheduled posts.
type Store interface {
	// Create persists a new pending post and returns its ID.
	// Fails with ErrInvalidDraft when the draft has neither content nor
	// media, or no scheduled time.
	Create(ctx context.Context, d Draft) (int64, error)

	// Get returns the post with the given ID, or ErrNotFound.
	Get(ctx context.Context, id int64) (Post, error)

	// MarkSent finalizes a pending post as sent.
	// Fails with ErrInvalidState when the post is not pending.
	MarkSent(ctx context.Context, id int64) error

	// MarkFailed finalizes a pending post as failed, retaining reason for
	// operator inspection. Fails with ErrInvalidState when not pending.
	MarkFailed(ctx context.Context, id int64, reason string) error

	// IncrementAttempt records a delivery attempt and returns the new count.
	IncrementAttempt(ctx context.Context, id int64) (int, error)

	// ListPending returns all pending posts ordered by scheduled time
	// ascending. Used for startup recovery and the reconcile sweep.
	ListPending(ctx context.Context) ([]Post, error)

	Close() error
}
