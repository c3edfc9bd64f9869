package ledgercache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/ledger_client/internal/errors"
	"github.com/R3E-Network/ledger_client/pkg/logger"
)

// TickFunc observes the outcome of a scheduled refresh.
type TickFunc func(stats Stats, err error)

// Watcher refreshes a Cache on a fixed schedule.
type Watcher struct {
	mu sync.Mutex

	cache    *Cache
	interval time.Duration
	log      *logger.Logger
	onTick   TickFunc

	// State
	running bool
	cron    *cron.Cron
	cancel  context.CancelFunc
}

// NewWatcher creates a Watcher. Intervals under one second are rounded up by
// the scheduler.
func NewWatcher(cache *Cache, interval time.Duration, log *logger.Logger) (*Watcher, error) {
	if cache == nil {
		return nil, errors.RequiredError("cache")
	}
	if interval <= 0 {
		return nil, errors.NewValidationError("refresh_interval", "must be positive")
	}
	if log == nil {
		log = logger.NewDefault("ledgercache-watcher")
	}
	return &Watcher{cache: cache, interval: interval, log: log}, nil
}

// OnTick registers fn to run after every scheduled refresh. It must be set
// before Start.
func (w *Watcher) OnTick(fn TickFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onTick = fn
}

// Start schedules refreshes until Stop is called or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(w.log.Logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(w.log.Logger)),
	))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", w.interval), func() { w.tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule refresh: %w", err)
	}

	w.cron = c
	w.cancel = cancel
	w.running = true
	c.Start()

	go func() {
		<-runCtx.Done()
		w.stop(c)
	}()

	w.log.WithField("interval", w.interval.String()).Info("chain watcher started")
	return nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (w *Watcher) Stop() {
	w.stop(nil)
}

// stop halts the schedule if it is still owned by only, or unconditionally
// when only is nil.
func (w *Watcher) stop(only *cron.Cron) {
	w.mu.Lock()
	if !w.running || (only != nil && w.cron != only) {
		w.mu.Unlock()
		return
	}
	w.running = false
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	w.log.Info("chain watcher stopped")
}

// Running reports whether the schedule is active.
func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	err := w.cache.Refresh(ctx)
	if err != nil && !errors.IsSuperseded(err) && ctx.Err() == nil {
		w.log.WithError(err).Warn("scheduled refresh failed, snapshot is stale")
	}

	w.mu.Lock()
	fn := w.onTick
	w.mu.Unlock()
	if fn != nil {
		fn(w.cache.Stats(), err)
	}
}
