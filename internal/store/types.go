package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no post with the given ID exists.
	ErrNotFound = errors.New("post not found")

	// ErrInvalidState is returned by MarkSent/MarkFailed when the post is no
	// longer pending. Sent and failed are terminal.
	ErrInvalidState = errors.New("post is not pending")

	// ErrInvalidDraft is returned by Create when the draft cannot become a
	// post (no content and no media, or no scheduled time).
	ErrInvalidDraft = errors.New("invalid draft")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Draft is an unvalidated post submission prior to storage.
type Draft struct {
	Content     string
	Media       string // Telegram file ID; empty when text-only
	ScheduledAt time.Time
	Replies     []string
}

// Post is a stored scheduled post.
type Post struct {
	ID          int64
	Content     string
	Media       string
	ScheduledAt time.Time
	Replies     []string // ordered; delivered strictly in this order
	Status      Status
	Attempts    int
	FailReason  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}
