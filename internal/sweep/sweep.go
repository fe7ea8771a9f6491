// Package sweep periodically drains the publish queue. The interval
// comes from the fixed 5m/15m/30m/60m setting; the host environment no
// longer needs its own cron hook.
package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "autopost/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log logx.Logger
	run func(ctx context.Context)

	c        *cron.Cron
	entry    cron.EntryID
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	// inFlight skips a tick while the previous sweep still runs.
	inFlight atomic.Bool
}

func New(run func(ctx context.Context), log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{log: log, run: run}
}

func (s *Service) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New()
	s.scheduleLocked(interval)
	s.c.Start()
	s.log.Info("sweep scheduler started", logx.Duration("interval", interval))
}

// Apply reschedules the sweep when the configured interval changes.
func (s *Service) Apply(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil || interval == s.interval {
		return
	}
	s.c.Remove(s.entry)
	s.scheduleLocked(interval)
	s.log.Info("sweep interval changed", logx.Duration("interval", interval))
}

func (s *Service) scheduleLocked(interval time.Duration) {
	s.interval = interval
	s.entry = s.c.Schedule(cron.Every(interval), cron.FuncJob(s.tick))
}

func (s *Service) tick() {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warn("previous sweep still running; skipping tick")
		return
	}
	defer s.inFlight.Store(false)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.run(ctx)
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	stopCtx := s.c.Stop()
	s.cancel()
	s.c = nil
	// Wait briefly for an in-flight tick to settle.
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		s.log.Warn("sweep scheduler stop timed out")
	}
}
