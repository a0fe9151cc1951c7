// Package app assembles the bot: configuration, logging, storage, the
// scheduler, the delivery pipeline and the Telegram surfaces, with hot
// reload fan-out and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/intake"
	"postbot/internal/publish"
	"postbot/internal/scheduler"
	"postbot/internal/store"
	tgt "postbot/internal/transport/telegram"
	"postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  store.Store
	pub    *publish.Telegram
	pipe   *delivery.Pipeline
	sched  *scheduler.Service
	intake *intake.Controller
	tg     *tgt.Bot

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, baseLog := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log := baseLog.With(logx.String("comp", "app"))

	cfgm.SetLogger(baseLog.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return config.Validate(c)
	})

	a := &App{cfgm: cfgm, log: log, logs: logSvc}

	stCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(stCfg, baseLog.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	a.store = st

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	// The pipeline does not exist yet; workers only run after Start, by
	// which time a.pipe is set.
	a.sched = scheduler.New(schedCfg, st,
		func(ctx context.Context, id int64) error { return a.pipe.Deliver(ctx, id) },
		baseLog.With(logx.String("comp", "scheduler")))

	a.intake = intake.NewController(st, a.sched, baseLog.With(logx.String("comp", "intake")))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	tg, err := tgt.New(tgt.Config{
		Token:       cfg.Telegram.Token,
		AdminUserID: cfg.Telegram.AdminUserID,
		PollTimeout: pollTimeout,
	}, st, a.sched, a.intake, baseLog.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	a.tg = tg

	pol, err := mapDeliveryPolicy(cfg)
	if err != nil {
		return nil, err
	}
	pub, err := publish.NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChannelID,
		cfg.Delivery.RatePerSec, pol.SendTimeout, baseLog.With(logx.String("comp", "publish")))
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	a.pub = pub
	a.pipe = delivery.New(pol, st, a.pub, baseLog.With(logx.String("comp", "delivery")))

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.runMu.Lock()
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runMu.Unlock()

	a.sched.Start(rctx)

	// Re-arm whatever survived the restart before accepting new commands.
	n, err := a.sched.RecoverFromStore(rctx)
	if err != nil {
		a.log.Error("recovery failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("recovered pending posts", logx.Int("count", n))
	}

	if err := a.tg.Start(rctx); err != nil {
		return err
	}

	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		if err := a.cfgm.Watch(rctx); err != nil && rctx.Err() == nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	sub := a.cfgm.Subscribe(8)
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(rctx, sub)
	}()

	a.log.Info("started")
	return nil
}

// reloadLoop applies committed config changes to the live components.
// Telegram identity and storage changes need a restart and only get a
// warning here.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts, keep only the newest.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			a.applyConfig(prev, cfg)
			prev = cfg
		}
	}
}

func (a *App) applyConfig(prev, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	if pol, err := mapDeliveryPolicy(cfg); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.pipe.Apply(pol)
	}
	a.pub.SetRate(cfg.Delivery.RatePerSec)

	if prev != nil {
		if prev.Delivery.SendTimeout != cfg.Delivery.SendTimeout {
			a.log.Warn("delivery.send_timeout changed; restart required for the publish client timeout")
		}
		if prev.Storage != cfg.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if prev.Telegram != cfg.Telegram {
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
		if prev.Scheduler != cfg.Scheduler {
			a.log.Warn("scheduler config changed; restart required for changes to take effect")
		}
	}
	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	a.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	a.log.Info("stopping")
	cancel()

	// Run a shutdown step with an upper bound so one component cannot
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancelStep := context.WithTimeout(ctx, max)
		defer cancelStep()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	// Stop the intake surface first so no new posts land while the
	// scheduler drains, then the scheduler, then storage.
	step("telegram", 4*time.Second, a.tg.Stop)
	step("scheduler", 4*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}

	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}

func mapStorageConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./posts.db"
	}
	return store.Config{Path: path, BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sweep, err := config.ParseDurationOrDefault("scheduler.sweep_interval", cfg.Scheduler.SweepInterval, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueSize:     cfg.Scheduler.QueueSize,
		SweepInterval: sweep,
	}, nil
}

func mapDeliveryPolicy(cfg *config.Config) (delivery.Policy, error) {
	base, err := config.ParseDurationOrDefault("delivery.retry_base", cfg.Delivery.RetryBase, 2*time.Second)
	if err != nil {
		return delivery.Policy{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return delivery.Policy{}, err
	}
	sendTimeout, err := config.ParseDurationOrDefault("delivery.send_timeout", cfg.Delivery.SendTimeout, 30*time.Second)
	if err != nil {
		return delivery.Policy{}, err
	}
	return delivery.Policy{
		MaxAttempts:   cfg.Delivery.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   cfg.Delivery.RetryJitter,
		SendTimeout:   sendTimeout,
	}, nil
}
