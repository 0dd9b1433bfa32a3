// Package backoff implements the reconnect delay policy shared by every
// channel adapter: exponential growth with jitter, a flap detector that
// floors the delay during tight connect/disconnect loops, and a scheduler
// that enforces single-flight reconnect timers.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// minDelayFloor is the absolute lower bound applied after jitter.
const minDelayFloor = time.Second

// Config tunes delay computation for one adapter.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	MaxAttempts  int
	MinStable    time.Duration
}

// DefaultConfig returns the stock reconnect tuning.
func DefaultConfig() Config {
	return Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Minute,
		Multiplier:   2.0,
		Jitter:       0.3,
		MaxAttempts:  10,
		MinStable:    60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = defaults.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = defaults.Jitter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.MinStable <= 0 {
		c.MinStable = defaults.MinStable
	}
	return c
}

// Center computes the pre-jitter delay for one attempt (attempt counts
// from 1). The result is clamped to [InitialDelay, MaxDelay].
func Center(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	raw := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if raw > float64(cfg.MaxDelay) {
		raw = float64(cfg.MaxDelay)
	}
	if raw < float64(cfg.InitialDelay) {
		raw = float64(cfg.InitialDelay)
	}
	return time.Duration(raw)
}

// Delay computes the jittered reconnect delay for one attempt.
//
// Jitter spreads the center by ± center*Jitter so that a fleet of adapters
// reconnecting after one outage does not thunder in lockstep. The result
// never drops below one second.
func Delay(attempt int, cfg Config) time.Duration {
	cfg = cfg.withDefaults()
	center := Center(attempt, cfg)

	spread := float64(center) * cfg.Jitter * (rand.Float64()*2 - 1)
	jittered := time.Duration(float64(center) + spread)
	if jittered < minDelayFloor {
		jittered = minDelayFloor
	}
	return jittered
}
