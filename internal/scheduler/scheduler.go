package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/episignal/backend/pkg/logger"
)

// RunFunc performs one pipeline run. It is expected to hold its own
// overlap guard; the scheduler just fires on schedule.
type RunFunc func(ctx context.Context)

// Scheduler fires a pipeline run at a fixed interval. Start launches a
// background loop; Stop signals it and waits for it to exit.
type Scheduler struct {
	run RunFunc

	mu       sync.Mutex
	interval time.Duration
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(interval time.Duration, run RunFunc) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval: interval,
		run:      run,
	}
}

// Start launches the loop. It reports false when the scheduler is
// already running; starting twice never spawns a second loop. The
// first run fires immediately, then on every tick.
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh, s.interval)

	logger.Info("Scheduler started", zap.Duration("interval", s.interval))
	return true
}

// Stop signals the loop and blocks until it has exited. Stopping a
// stopped scheduler is a no-op. A run already in flight has its
// context cancelled; no new ticks fire after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
	logger.Info("Scheduler stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// SetInterval changes the tick period. It takes effect the next time
// the scheduler is started.
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Scheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}, interval time.Duration) {
	defer close(doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.fire(stopCh)
	for {
		select {
		case <-ticker.C:
			s.fire(stopCh)
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) fire(stopCh <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.run(ctx)
}
