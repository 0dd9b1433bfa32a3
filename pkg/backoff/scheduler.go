package backoff

import (
	"errors"
	"sync"
	"time"
)

// ErrMaxAttempts is returned by Schedule once the attempt budget is spent.
// The adapter reports this and stops retrying; no further timers run.
var ErrMaxAttempts = errors.New("backoff: reconnect attempts exhausted")

// Scheduler owns the reconnect timer for one adapter. It enforces
// single-flight scheduling: while one reconnect is pending, further close
// events are no-ops instead of spawning competing timers.
type Scheduler struct {
	cfg  Config
	flap *FlapDetector

	mu           sync.Mutex
	attempt      int
	reconnecting bool
	timer        *time.Timer
	stopped      bool
}

// NewScheduler builds a scheduler from reconnect tuning and a shared flap
// detector. A nil detector disables flap flooring.
func NewScheduler(cfg Config, flap *FlapDetector) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), flap: flap}
}

// Schedule arranges fn to run once after the computed delay.
//
// Returns the delay and true when a timer was armed. Returns false with a
// nil error when a reconnect is already pending or the scheduler is
// stopped, and false with ErrMaxAttempts once the budget is exhausted.
func (s *Scheduler) Schedule(fn func()) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.reconnecting {
		return 0, false, nil
	}

	s.attempt++
	if s.attempt > s.cfg.MaxAttempts {
		return 0, false, ErrMaxAttempts
	}

	delay := Delay(s.attempt, s.cfg)
	if s.flap != nil {
		if floor := s.flap.Floor(time.Now()); floor > delay {
			delay = floor
		}
	}

	s.reconnecting = true
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnecting = false
		s.timer = nil
		stopped := s.stopped
		s.mu.Unlock()

		if !stopped {
			fn()
		}
	})

	return delay, true, nil
}

// RecordDisconnect feeds the flap detector and, when the prior connection
// held for at least MinStable, resets the attempt counter so a real outage
// after a long healthy period starts from the initial delay.
func (s *Scheduler) RecordDisconnect(connectedAt time.Time) {
	now := time.Now()

	stable := !connectedAt.IsZero() && now.Sub(connectedAt) >= s.cfg.MinStable
	if stable {
		s.Reset()
	}
	if s.flap != nil {
		s.flap.RecordDisconnect(now)
	}
}

// Reset clears the attempt counter and flap history.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()

	if s.flap != nil {
		s.flap.Reset()
	}
}

// Attempt returns the current attempt count.
func (s *Scheduler) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Pending reports whether a reconnect timer is currently armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnecting
}

// Stop cancels any pending timer and rejects future scheduling. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.reconnecting = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Resume re-enables scheduling after a Stop, used when an adapter is
// reconnected manually after an explicit disconnect.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	s.attempt = 0
}
