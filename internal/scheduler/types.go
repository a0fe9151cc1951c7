package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/store"
	"postbot/pkg/logx"
)

var (
	// ErrAlreadyScheduled is returned by Schedule when the post already has
	// an armed timer.
	ErrAlreadyScheduled = errors.New("post already scheduled")

	// ErrNotArmed is returned by Cancel when the post has no armed timer
	// (never armed, already fired, or already cancelled).
	ErrNotArmed = errors.New("no armed timer for post")
)

// Config controls the scheduler service.
type Config struct {
	// Workers is the delivery worker pool size (default 4).
	Workers int
	// QueueSize bounds the fired-post queue (default 64).
	QueueSize int
	// SweepInterval is how often the reconcile sweep runs (default 1m,
	// 0 disables).
	SweepInterval time.Duration
}

// DeliverFunc is invoked on a worker for every fired post.
type DeliverFunc func(ctx context.Context, postID int64) error

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store   store.Store
	deliver DeliverFunc

	queue  chan int64
	stopCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	c *cron.Cron

	// tmu guards the timer registry and the in-flight set.
	tmu    sync.Mutex
	timers map[int64]*time.Timer
	// active holds posts between fire and delivery completion, so the sweep
	// cannot enqueue a post that is already being delivered.
	active map[int64]struct{}
}

func New(cfg Config, st store.Store, deliver DeliverFunc, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg,
		log:     log,
		store:   st,
		deliver: deliver,
		timers:  map[int64]*time.Timer{},
		active:  map[int64]struct{}{},
	}
}
