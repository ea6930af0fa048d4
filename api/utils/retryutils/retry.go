// Meshport
// Copyright (C) 2025 Meshport, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package retryutils provides the retry and backoff primitives shared
// across meshport components.
package retryutils

import (
	"context"
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Retry paces the attempts of a retried operation.
type Retry interface {
	// Reset resets the retry to its initial state.
	Reset()
	// Inc increments the attempt counter.
	Inc()
	// Duration returns the current delay, which may be 0.
	Duration() time.Duration
	// After returns a channel that fires after the current delay, right
	// away when the delay is 0.
	After() <-chan time.Time
	// Clone returns a copy of this retry in a reset state.
	Clone() Retry
}

// LinearConfig configures a retry whose delays form an arithmetic
// progression.
type LinearConfig struct {
	// First is the first element of the progression, may be 0.
	First time.Duration
	// Step is the step of the progression, required.
	Step time.Duration
	// Max caps the progression, required.
	Max time.Duration
	// Jitter is optionally applied to every delay. With a jitter set,
	// successive Duration calls return different values.
	Jitter Jitter
	// AutoReset, if greater than zero, resets the retry when
	// Max * AutoReset has elapsed since the last Inc, so a long-lived
	// retry does not stay maxed out across quiet periods.
	AutoReset int64
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step == 0 {
		return trace.BadParameter("missing parameter Step")
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewLinear returns a retry with linearly growing delays.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newLinear(cfg), nil
}

// NewConstant returns a retry with a constant delay.
func NewConstant(interval time.Duration) (*Linear, error) {
	retry, err := NewLinear(LinearConfig{Step: interval, Max: interval})
	return retry, trace.Wrap(err)
}

// newLinear builds a Linear from an already validated config.
func newLinear(cfg LinearConfig) *Linear {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &Linear{LinearConfig: cfg, closedChan: closedChan}
}

// Linear is a Retry whose delay grows by Step per attempt, capped at
// Max. Not safe for concurrent use.
type Linear struct {
	// LinearConfig is the retry configuration.
	LinearConfig
	lastInc    time.Time
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *Linear) Reset() {
	r.attempt = 0
}

// ResetToDelay resets the retry and immediately increments it, so the
// next delay is the first non-zero one.
func (r *Linear) ResetToDelay() {
	r.Reset()
	r.Inc()
}

// Clone returns a copy of this retry in a reset state.
func (r *Linear) Clone() Retry {
	return newLinear(r.LinearConfig)
}

// Inc increments the attempt counter.
func (r *Linear) Inc() {
	r.attempt++
	if r.AutoReset < 1 {
		return
	}
	// With AutoReset active, a gap of more than Max * AutoReset since
	// the previous Inc resets the progression.
	prev := r.lastInc
	r.lastInc = r.Clock.Now()
	if prev.IsZero() {
		return
	}
	if r.Max*time.Duration(r.AutoReset) < r.lastInc.Sub(prev) {
		r.Reset()
	}
}

// Duration returns the current delay.
func (r *Linear) Duration() time.Duration {
	d := r.First + time.Duration(r.attempt)*r.Step
	if d < 1 {
		return 0
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	if d <= r.Max {
		return d
	}
	if r.Jitter != nil {
		return r.Jitter(r.Max)
	}
	return r.Max
}

// After returns a channel that fires after the current delay, an
// already closed channel when the delay is 0.
func (r *Linear) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a human-readable representation of the retry state.
func (r *Linear) String() string {
	return fmt.Sprintf("Linear(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

// For retries fn until it succeeds, returns a permanent error, or ctx
// expires, pacing the attempts with the retry's delays.
func (r *Linear) For(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if _, ok := trace.Unwrap(err).(*permanentRetryError); ok {
			return trace.Wrap(err)
		}
		select {
		case <-r.After():
			r.Inc()
		case <-ctx.Done():
			return trace.LimitExceeded("%s", ctx.Err())
		}
	}
}

// PermanentRetryError wraps err so retry loops stop instead of
// retrying it.
func PermanentRetryError(err error) error {
	return &permanentRetryError{err: err}
}

// permanentRetryError stops a retry loop.
type permanentRetryError struct {
	err error
}

// Error returns the original error message.
func (e *permanentRetryError) Error() string {
	return e.err.Error()
}
