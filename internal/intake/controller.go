// Package intake collects a post draft from the operator (a small
// multi-step form) and hands the validated result to the store and the
// scheduler as a single submission.
package intake

import (
	"context"
	"time"

	"postbot/internal/store"
	"postbot/pkg/logx"
)

// Scheduler is the arming half of the scheduler consumed by intake.
type Scheduler interface {
	Schedule(postID int64, at time.Time) error
}

type Controller struct {
	store store.Store
	sched Scheduler
	log   logx.Logger
}

func NewController(st store.Store, sched Scheduler, log logx.Logger) *Controller {
	return &Controller{store: st, sched: sched, log: log}
}

// SubmitDraft persists the draft as a pending post and arms its delivery
// timer. Validation failures (store.ErrInvalidDraft) surface synchronously
// and leave no record behind.
//
// Create and Schedule are not one atomic step: if arming fails after the
// record is committed, the post simply stays pending and the reconcile sweep
// arms it on its next pass. The durable record, not the timer, is what makes
// the submission stick.
func (c *Controller) SubmitDraft(ctx context.Context, d store.Draft) (int64, error) {
	id, err := c.store.Create(ctx, d)
	if err != nil {
		return 0, err
	}

	if err := c.sched.Schedule(id, d.ScheduledAt); err != nil {
		// A fresh ID cannot be armed already; whatever happened, the record
		// is durable and recovery owns it now.
		c.log.Warn("arming failed; post left to sweep", logx.Int64("post", id), logx.Err(err))
	}

	c.log.Info("post scheduled", logx.Int64("post", id),
		logx.Time("at", d.ScheduledAt), logx.Int("replies", len(d.Replies)),
		logx.Bool("media", d.Media != ""))
	return id, nil
}
