// Package publish is the only point of contact with the outside broadcast
// system. The delivery pipeline treats it as a black box that either
// succeeds, fails permanently (bad content, bad media reference, forbidden
// destination) or fails transiently (network, rate limiting) and is worth
// retrying.
package publish

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks failures that retrying cannot fix. The pipeline
// finalizes the post as failed without exhausting the retry budget.
var ErrPermanent = errors.New("permanent publish failure")

// Permanent wraps err as a permanent failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err carries the permanent classification.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// MessageRef identifies a published message so replies can be attached to it.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Publisher performs the outbound publish calls against the fixed broadcast
// destination.
type Publisher interface {
	// SendContent publishes the main post: plain text, or media with the
	// text as caption when mediaRef is non-empty.
	SendContent(ctx context.Context, text, mediaRef string) (MessageRef, error)

	// SendReply attaches text as a reply to a previously published message.
	SendReply(ctx context.Context, parent MessageRef, text string) error
}
