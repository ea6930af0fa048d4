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

package retryutils

import (
	"fmt"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Driver generates the progression of delays behind a RetryV2. Attempt
// 0 is not consulted, its delay is RetryV2Config.First.
type Driver interface {
	// Duration returns the delay of the given attempt.
	Duration(attempt int64) time.Duration
	// Check validates the driver configuration.
	Check() error
}

// NewLinearDriver creates a linear driver: the delay of attempt n is
// n * step.
func NewLinearDriver(step time.Duration) Driver {
	return linearDriver{step: step}
}

type linearDriver struct {
	step time.Duration
}

func (d linearDriver) Duration(attempt int64) time.Duration {
	return d.step * time.Duration(attempt)
}

func (d linearDriver) Check() error {
	if d.step <= 0 {
		return trace.BadParameter("linear driver requires a positive step")
	}
	return nil
}

// NewExponentialDriver creates an exponential driver: the delay of
// attempt n is base * 2^(n-1).
func NewExponentialDriver(base time.Duration) Driver {
	return exponentialDriver{base: base}
}

type exponentialDriver struct {
	base time.Duration
}

func (d exponentialDriver) Duration(attempt int64) time.Duration {
	if attempt < 1 {
		return 0
	}
	// Saturate instead of overflowing; the retry caps the delay at Max
	// anyway.
	const maxShift = 32
	shift := attempt - 1
	if shift > maxShift {
		shift = maxShift
	}
	return d.base << shift
}

func (d exponentialDriver) Check() error {
	if d.base <= 0 {
		return trace.BadParameter("exponential driver requires a positive base")
	}
	return nil
}

// RetryV2Config configures a driver-based retry.
type RetryV2Config struct {
	// First is the delay of the first attempt, may be 0.
	First time.Duration
	// Driver generates the delays of the subsequent attempts, required.
	Driver Driver
	// Max caps every delay, required.
	Max time.Duration
	// Jitter is optionally applied to every delay.
	Jitter Jitter
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *RetryV2Config) CheckAndSetDefaults() error {
	if c.Driver == nil {
		return trace.BadParameter("missing parameter Driver")
	}
	if err := c.Driver.Check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Max == 0 {
		return trace.BadParameter("missing parameter Max")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// NewRetryV2 returns a retry whose delay progression comes from the
// configured driver.
func NewRetryV2(cfg RetryV2Config) (*RetryV2, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return newRetryV2(cfg), nil
}

func newRetryV2(cfg RetryV2Config) *RetryV2 {
	closedChan := make(chan time.Time)
	close(closedChan)
	return &RetryV2{RetryV2Config: cfg, closedChan: closedChan}
}

// RetryV2 is a Retry with driver-generated delays. Not safe for
// concurrent use.
type RetryV2 struct {
	// RetryV2Config is the retry configuration.
	RetryV2Config
	attempt    int64
	closedChan chan time.Time
}

// Reset resets the retry to its initial state.
func (r *RetryV2) Reset() {
	r.attempt = 0
}

// Clone returns a copy of this retry in a reset state.
func (r *RetryV2) Clone() Retry {
	return newRetryV2(r.RetryV2Config)
}

// Inc increments the attempt counter.
func (r *RetryV2) Inc() {
	r.attempt++
}

// Duration returns the current delay.
func (r *RetryV2) Duration() time.Duration {
	if r.attempt == 0 {
		if r.Jitter != nil && r.First > 0 {
			return r.Jitter(r.First)
		}
		return r.First
	}
	d := r.Driver.Duration(r.attempt)
	if d < 1 {
		return 0
	}
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// After returns a channel that fires after the current delay, an
// already closed channel when the delay is 0.
func (r *RetryV2) After() <-chan time.Time {
	d := r.Duration()
	if d < 1 {
		return r.closedChan
	}
	return r.Clock.After(d)
}

// String returns a human-readable representation of the retry state.
func (r *RetryV2) String() string {
	return fmt.Sprintf("RetryV2(attempt=%v, duration=%v)", r.attempt, r.Duration())
}

var (
	_ Retry = (*Linear)(nil)
	_ Retry = (*RetryV2)(nil)
)
