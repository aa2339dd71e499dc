package syncengine

import (
	"context"
	"time"

	"github.com/coder/quartz"

	"cdr.dev/slog/v3"
)

// DefaultInterval is the time between scheduled passes.
const DefaultInterval = 5 * time.Minute

// Scheduler runs a pass every interval and whenever Trigger is called.
type Scheduler struct {
	engine   *Engine
	clock    quartz.Clock
	interval time.Duration
	logger   slog.Logger
	trigger  chan struct{}

	// Results receives every pass result when set. Sends block, so the
	// reader must keep up.
	Results chan<- Result
}

func NewScheduler(engine *Engine, interval time.Duration, clock quartz.Clock, logger slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Scheduler{
		engine:   engine,
		clock:    clock,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a pass as soon as the current one, if any, finishes.
// Requests made while one is already queued are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval, "syncengine", "scheduler")
	defer ticker.Stop()

	s.logger.Info(ctx, "sync scheduler started", slog.F("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "sync scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.trigger:
			s.logger.Debug(ctx, "sync pass requested")
		}

		res := s.engine.RunPass(ctx)
		if s.Results != nil {
			select {
			case s.Results <- res:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
