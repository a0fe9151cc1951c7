// Package delivery turns a fired post ID into an external publish action
// with bounded retry, then finalizes the post's status. It holds no durable
// state of its own; everything it needs to survive a crash already lives in
// the post store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sentry "github.com/getsentry/sentry-go"

	"postbot/internal/publish"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

type Pipeline struct {
	store store.Store
	pub   publish.Publisher
	log   logx.Logger

	mu  sync.Mutex
	pol Policy
}

func New(pol Policy, st store.Store, pub publish.Publisher, log logx.Logger) *Pipeline {
	return &Pipeline{
		store: st,
		pub:   pub,
		log:   log,
		pol:   pol.withDefaults(),
	}
}

// Apply swaps the retry policy (config hot reload). In-flight deliveries
// keep the policy they started with.
func (p *Pipeline) Apply(pol Policy) {
	p.mu.Lock()
	p.pol = pol.withDefaults()
	p.mu.Unlock()
}

func (p *Pipeline) policy() Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pol
}

// Deliver publishes the post with the given ID. It is safe to call more than
// once for the same post: a post that is no longer pending is treated as
// already handled and skipped without a send.
func (p *Pipeline) Deliver(ctx context.Context, id int64) error {
	post, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load post %d: %w", id, err)
	}
	if post.Status != store.StatusPending {
		// Duplicate fire (recovery race); the terminal status is the
		// deduplication point.
		p.log.Debug("post already finalized; skipping",
			logx.Int64("post", id), logx.String("status", string(post.Status)))
		return nil
	}

	pol := p.policy()
	ref, err := p.sendMain(ctx, post, pol)
	if err != nil {
		p.fail(ctx, id, err)
		return err
	}

	// Main content is out. Finalize first so a crash during replies cannot
	// trigger a duplicate main send on recovery.
	if err := p.store.MarkSent(ctx, id); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			p.log.Warn("post finalized concurrently", logx.Int64("post", id))
		} else {
			return fmt.Errorf("mark sent %d: %w", id, err)
		}
	}

	p.sendReplies(ctx, post, ref, pol)
	p.log.Info("post delivered", logx.Int64("post", id), logx.Int("replies", len(post.Replies)))
	return nil
}

// sendMain runs the attempt loop for the main content. Each attempt is
// recorded in the store before the external call and bounded by the send
// timeout. Transient failures back off and retry until the persistent
// attempt budget is spent; permanent failures stop immediately.
func (p *Pipeline) sendMain(ctx context.Context, post store.Post, pol Policy) (publish.MessageRef, error) {
	for {
		attempt, err := p.store.IncrementAttempt(ctx, post.ID)
		if err != nil {
			return publish.MessageRef{}, fmt.Errorf("record attempt for %d: %w", post.ID, err)
		}

		sendCtx, cancel := context.WithTimeout(ctx, pol.SendTimeout)
		ref, err := p.pub.SendContent(sendCtx, post.Content, post.Media)
		cancel()
		if err == nil {
			return ref, nil
		}

		if publish.IsPermanent(err) {
			p.log.Warn("publish rejected", logx.Int64("post", post.ID),
				logx.Int("attempt", attempt), logx.Err(err))
			return publish.MessageRef{}, err
		}
		if attempt >= pol.MaxAttempts {
			return publish.MessageRef{}, fmt.Errorf("attempts exhausted (%d): %w", attempt, err)
		}

		delay := backoffDelay(pol, attempt)
		p.log.Debug("publish retry scheduled", logx.Int64("post", post.ID),
			logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			// The post stays pending; recovery or the sweep picks it up.
			return publish.MessageRef{}, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (p *Pipeline) sendReplies(ctx context.Context, post store.Post, ref publish.MessageRef, pol Policy) {
	for i, body := range post.Replies {
		sendCtx, cancel := context.WithTimeout(ctx, pol.SendTimeout)
		err := p.pub.SendReply(sendCtx, ref, body)
		cancel()
		if err != nil {
			// Reported, never rolls back the already-delivered main post.
			p.log.Warn("reply send failed", logx.Int64("post", post.ID),
				logx.Int("reply", i), logx.Err(err))
			sentry.CaptureException(fmt.Errorf("post %d reply %d: %w", post.ID, i, err))
		}
	}
}

// fail finalizes the post as failed unless the delivery was merely
// interrupted by shutdown (then it stays pending for recovery).
func (p *Pipeline) fail(ctx context.Context, id int64, cause error) {
	if errors.Is(cause, context.Canceled) {
		p.log.Info("delivery interrupted; post stays pending", logx.Int64("post", id))
		return
	}

	// Use a fresh context: the delivery context may already be dead, and the
	// terminal transition must still commit.
	mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.MarkFailed(mctx, id, cause.Error()); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			p.log.Warn("post finalized concurrently", logx.Int64("post", id))
			return
		}
		p.log.Error("mark failed did not commit", logx.Int64("post", id), logx.Err(err))
		return
	}
	p.log.Warn("post failed", logx.Int64("post", id), logx.Err(cause))
	sentry.CaptureException(fmt.Errorf("post %d failed: %w", id, cause))
}
