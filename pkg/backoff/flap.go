package backoff

import (
	"sync"
	"time"
)

const (
	defaultFlapWindow    = 5 * time.Minute
	defaultFlapThreshold = 5
	defaultFlapFloor     = 60 * time.Second
)

// FlapDetector counts disconnects inside a trailing window. Once the count
// reaches the threshold, Floor reports a minimum reconnect delay that
// overrides whatever the backoff computation produced, protecting against
// tight crash loops against a misbehaving remote endpoint.
type FlapDetector struct {
	window    time.Duration
	threshold int
	floor     time.Duration

	mu          sync.Mutex
	disconnects []time.Time
}

// NewFlapDetector builds a detector; zero arguments select the defaults
// (5 minute window, 5 disconnects, 60 second floor).
func NewFlapDetector(window time.Duration, threshold int, floor time.Duration) *FlapDetector {
	if window <= 0 {
		window = defaultFlapWindow
	}
	if threshold <= 0 {
		threshold = defaultFlapThreshold
	}
	if floor <= 0 {
		floor = defaultFlapFloor
	}
	return &FlapDetector{window: window, threshold: threshold, floor: floor}
}

// RecordDisconnect appends one disconnect timestamp and prunes history
// older than the window.
func (f *FlapDetector) RecordDisconnect(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.disconnects = append(f.disconnects, now)
	f.pruneLocked(now)
}

// Count returns the number of disconnects currently inside the window.
func (f *FlapDetector) Count(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruneLocked(now)
	return len(f.disconnects)
}

// Floor returns the minimum reconnect delay to apply, or zero when the
// connection is not flapping.
func (f *FlapDetector) Floor(now time.Time) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pruneLocked(now)
	if len(f.disconnects) >= f.threshold {
		return f.floor
	}
	return 0
}

// Reset clears the disconnect history. Called when a connection has been
// judged stable.
func (f *FlapDetector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = f.disconnects[:0]
}

func (f *FlapDetector) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	kept := f.disconnects[:0]
	for _, at := range f.disconnects {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	f.disconnects = kept
}
