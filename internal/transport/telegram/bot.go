// Package telegram is the operator-facing side of the bot: the long-poll
// update loop, the admin gate, and the commands driving the post form and
// the administrative surface.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/intake"
	"postbot/internal/store"
	"postbot/pkg/logx"
)

type Config struct {
	Token       string
	AdminUserID int64
	PollTimeout time.Duration
}

// Scheduler is the disarming half of the scheduler consumed by the
// administrative commands.
type Scheduler interface {
	Cancel(postID int64) error
}

type Bot struct {
	cfg Config
	log logx.Logger

	bot    *tele.Bot
	store  store.Store
	sched  Scheduler
	intake *intake.Controller

	// smu guards in-progress post forms, keyed by operator ID.
	smu      sync.Mutex
	sessions map[int64]*intake.Session

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, st store.Store, sched Scheduler, ctrl *intake.Controller, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
		// Must exceed the long-poll timeout or getUpdates dies constantly.
		Client: &http.Client{Timeout: timeout + 50*time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:      cfg,
		log:      log,
		bot:      b,
		store:    st,
		sched:    sched,
		intake:   ctrl,
		sessions: map[int64]*intake.Session{},
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(ctx)
	b.runCancel = cancel
	b.runWG.Add(1)
	b.runMu.Unlock()

	b.registerHandlers()

	go func() {
		defer b.runWG.Done()
		// Ensure we stop telebot when the context is cancelled.
		go func() {
			<-rctx.Done()
			b.bot.Stop()
		}()
		b.log.Info("polling started")
		b.bot.Start() // blocks until Stop() is called
	}()

	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	// Cancelling the run context makes the watcher goroutine call
	// telebot's Stop exactly once.
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		b.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		b.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// fromAdmin reports whether the update comes from the configured operator.
// Anything else is ignored, matching the single-operator model.
func (b *Bot) fromAdmin(c tele.Context) bool {
	s := c.Sender()
	return s != nil && s.ID == b.cfg.AdminUserID
}

func (b *Bot) session(userID int64) *intake.Session {
	b.smu.Lock()
	defer b.smu.Unlock()
	return b.sessions[userID]
}

func (b *Bot) setSession(userID int64, s *intake.Session) {
	b.smu.Lock()
	defer b.smu.Unlock()
	if s == nil {
		delete(b.sessions, userID)
		return
	}
	b.sessions[userID] = s
}
