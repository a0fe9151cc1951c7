package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/pkg/logx"
)

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	qsize := s.cfg.QueueSize
	if qsize <= 0 {
		qsize = 64
	}
	s.queue = make(chan int64, qsize)

	// Local captures prevent races if fields are swapped during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	if s.cfg.SweepInterval > 0 {
		s.c = cron.New()
		s.c.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(func() {
			s.sweep(runCtx)
		}))
		s.c.Start()
	}

	s.log.Info("service started", logx.Int("workers", workers),
		logx.Int("queue", qsize), logx.Duration("sweep", s.cfg.SweepInterval))
}

// Stop disarms all timers, stops accepting fires, and drains in-flight
// deliveries. If ctx expires before the drain completes, the run context is
// cancelled so workers unwind; interrupted posts stay pending for recovery.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	cancel := s.runCancel
	c := s.c
	s.stopCh = nil
	s.queue = nil
	s.runCtx = nil
	s.runCancel = nil
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[int64]*time.Timer{}
	s.tmu.Unlock()

	// Let workers finish the delivery they are on, then exit.
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}

	// Posts that fired into the queue but were never picked up would keep
	// their in-flight entry and could never be re-armed after a restart of
	// the service. Their records are still pending, so recovery owns them.
	s.tmu.Lock()
	s.active = map[int64]struct{}{}
	s.tmu.Unlock()

	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Schedule arms a one-shot timer for the post. A past timestamp fires
// immediately. Fails with ErrAlreadyScheduled when a timer is already armed
// for this ID.
func (s *Service) Schedule(postID int64, at time.Time) error {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	if _, ok := s.timers[postID]; ok {
		return ErrAlreadyScheduled
	}
	if _, ok := s.active[postID]; ok {
		// Fired but still being delivered; the same guard.
		return ErrAlreadyScheduled
	}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[postID] = time.AfterFunc(delay, func() { s.fire(postID) })
	s.log.Debug("timer armed", logx.Int64("post", postID),
		logx.Time("at", at), logx.Duration("delay", delay))
	return nil
}

// Cancel disarms a not-yet-fired timer. Racing a concurrent fire is
// best-effort; callers must treat the outcome as "may or may not have taken
// effect".
func (s *Service) Cancel(postID int64) error {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	t, ok := s.timers[postID]
	if !ok {
		return ErrNotArmed
	}
	_ = t.Stop()
	delete(s.timers, postID)
	s.log.Info("timer cancelled", logx.Int64("post", postID))
	return nil
}

// fire consumes the armed timer exactly once and hands the post to the
// worker pool.
func (s *Service) fire(postID int64) {
	s.tmu.Lock()
	if _, ok := s.timers[postID]; !ok {
		// Cancelled (or already consumed) between the timer firing and this
		// callback running.
		s.tmu.Unlock()
		return
	}
	delete(s.timers, postID)
	s.active[postID] = struct{}{}
	s.tmu.Unlock()

	s.enqueue(postID)
}

func (s *Service) enqueue(postID int64) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; leaving post to recovery", logx.Int64("post", postID))
		s.release(postID)
		return
	}
	select {
	case q <- postID:
	default:
		// Never drop a delivery: the post stays pending and the reconcile
		// sweep will retake it.
		s.log.Warn("delivery queue full; deferring to sweep",
			logx.Int64("post", postID), logx.Int("queue_cap", cap(q)))
		s.release(postID)
	}
}

func (s *Service) release(postID int64) {
	s.tmu.Lock()
	delete(s.active, postID)
	s.tmu.Unlock()
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan int64) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case id := <-queue:
			s.execOne(ctx, id)
		}
	}
}

func (s *Service) execOne(ctx context.Context, postID int64) {
	defer s.release(postID)

	start := time.Now()
	if err := s.safeDeliver(ctx, postID); err != nil {
		s.log.Warn("delivery finished with error", logx.Int64("post", postID),
			logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("delivery finished", logx.Int64("post", postID),
		logx.Duration("dur", time.Since(start)))
}

// safeDeliver contains the panic: one bad delivery must cost one post, not a
// worker. The post stays pending and the sweep retries it.
func (s *Service) safeDeliver(ctx context.Context, postID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in delivery: %v", r)
			s.log.Error("panic in delivery", logx.Int64("post", postID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.deliver(ctx, postID)
}
