package scheduler

import (
	"context"
	"errors"
	"fmt"

	"postbot/pkg/logx"
)

// RecoverFromStore re-arms a timer for every pending post in the store.
// Posts whose scheduled time has already passed fire immediately, which is
// what gives at-least-once delivery across restarts. Returns the number of
// timers armed.
func (s *Service) RecoverFromStore(ctx context.Context) (int, error) {
	posts, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	armed := 0
	for _, p := range posts {
		if err := s.Schedule(p.ID, p.ScheduledAt); err != nil {
			if errors.Is(err, ErrAlreadyScheduled) {
				continue
			}
			return armed, err
		}
		armed++
	}
	s.log.Info("recovered pending posts", logx.Int("armed", armed), logx.Int("pending", len(posts)))
	return armed, nil
}

// sweep is the periodic safety net behind the timers: any pending post
// without an armed timer and not currently in delivery is re-armed. This
// catches posts dropped by queue overflow and timers lost to races.
func (s *Service) sweep(ctx context.Context) {
	posts, err := s.store.ListPending(ctx)
	if err != nil {
		s.log.Warn("reconcile sweep failed", logx.Err(err))
		return
	}

	rearmed := 0
	for _, p := range posts {
		if err := s.Schedule(p.ID, p.ScheduledAt); err != nil {
			continue // armed or in delivery
		}
		rearmed++
	}
	if rearmed > 0 {
		s.log.Info("reconcile sweep re-armed posts", logx.Int("count", rearmed))
	}
}
