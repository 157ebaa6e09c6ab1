package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler refreshes on a fixed interval from a single goroutine.
type Scheduler struct {
	coord   *Coordinator
	timeout time.Duration
	now     func() time.Time

	mu       sync.Mutex
	interval time.Duration
	next     time.Time

	reset chan struct{}
}

// NewScheduler returns a Scheduler that calls coord.Refresh every interval,
// waiting at most timeout for a refresh started elsewhere.
func NewScheduler(coord *Coordinator, interval, timeout time.Duration) *Scheduler {
	return &Scheduler{
		coord:    coord,
		timeout:  timeout,
		now:      time.Now,
		interval: interval,
		reset:    make(chan struct{}, 1),
	}
}

// SetInterval changes the interval. The pending wait is re-armed so the next
// refresh happens interval after the previous one (or immediately if that
// moment has already passed).
func (s *Scheduler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	changed := d != s.interval
	s.interval = d
	s.mu.Unlock()
	if !changed {
		return
	}
	slog.Info("refresh: schedule interval changed", "interval", d)
	select {
	case s.reset <- struct{}{}:
	default:
	}
}

// Interval returns the current interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Next returns when the next scheduled refresh is due. Zero before Run starts.
func (s *Scheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Run refreshes every interval until ctx is cancelled. A refresh outcome
// never stops the loop: whatever happened, the next run is scheduled.
func (s *Scheduler) Run(ctx context.Context) {
	last := s.now()
	for {
		s.mu.Lock()
		s.next = last.Add(s.interval)
		wait := s.next.Sub(s.now())
		s.mu.Unlock()

		if wait < 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.reset:
			t.Stop()
			continue
		case <-t.C:
		}

		last = s.now()
		res := s.coord.Refresh(ctx, TriggerScheduled, false, s.timeout)
		slog.Debug("refresh: scheduled run finished", "id", res.ID, "outcome", res.Outcome.String())
	}
}
