/*
scheduler.go - Periodic overdue sweep

PURPOSE:
  Periodically moves pending and partial obligations whose due date plus
  the grace period has passed into the overdue state.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Sweeps once immediately on start, then on every tick
  - Each sweep is bounded by the interval so a stuck database cannot pile
    up overlapping runs
  - The same sweep is available on demand via POST /api/admin/overdue

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled:  Whether the sweeper runs at all (default: true)

USAGE:
  sweeper := NewOverdueSweeper(svc, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: MarkOverdue endpoint (manual sweep)
  - ledger/overdue.go: Service.MarkOverdue
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/community-ledger/ledger"
)

// OverdueSweeper runs Service.MarkOverdue on a ticker.
type OverdueSweeper struct {
	Service  *ledger.Service
	Logger   *slog.Logger
	Interval time.Duration
	Enabled  bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOverdueSweeper creates a sweeper with an hourly interval.
func NewOverdueSweeper(svc *ledger.Service, logger *slog.Logger) *OverdueSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverdueSweeper{
		Service:  svc,
		Logger:   logger,
		Interval: time.Hour,
		Enabled:  true,
	}
}

// Start begins sweeping. Calling Start on a running sweeper does nothing.
func (s *OverdueSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("overdue sweeper disabled")
		return
	}
	if s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("overdue sweeper started", "interval", s.Interval)
}

// Stop stops the sweeper and waits for a running sweep to finish.
func (s *OverdueSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info("overdue sweeper stopped")
}

func (s *OverdueSweeper) run() {
	defer s.wg.Done()

	s.Sweep()

	for {
		select {
		case <-s.ticker.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass as of the service clock and returns how many
// obligations turned overdue.
func (s *OverdueSweeper) Sweep() int {
	timeout := s.Interval
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	n, err := s.Service.MarkOverdue(ctx, s.Service.Clock())
	if err != nil {
		s.Logger.Error("overdue sweep failed", "error", err, "marked", n)
		return n
	}
	s.Logger.Debug("overdue sweep completed", "marked", n, "duration", time.Since(start))
	return n
}
