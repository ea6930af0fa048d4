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

// Package breaker implements the circuit breaker that keeps the proxy
// from hammering targets that are failing.
//
// A breaker starts in standby and counts execution outcomes over a
// rolling window. When the configured tripper fires it moves to
// tripped, where executions fail immediately with ErrStateTripped.
// After a cooldown it moves to recovering and admits exactly one trial
// execution: success returns the breaker to standby, failure trips it
// again for a fresh cooldown.
package breaker

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// ErrStateTripped is returned from executions rejected because the
// breaker is tripped. It is a trace.LimitExceeded kind.
var ErrStateTripped = &trace.LimitExceededError{Message: "breaker is tripped"}

// Defaults of DefaultBreakerConfig.
const (
	// DefaultFailureThreshold is how many failures within the window
	// trip the breaker.
	DefaultFailureThreshold = 5
	// DefaultWindow is the rolling window failures count toward.
	DefaultWindow = 10 * time.Second
	// DefaultCooldown is how long a tripped breaker waits before
	// admitting a trial execution.
	DefaultCooldown = 15 * time.Second
)

// State represents the operating state of a breaker.
type State int

const (
	// StateStandby indicates the breaker is passing all executions.
	StateStandby State = iota
	// StateTripped indicates the breaker is rejecting all executions.
	StateTripped
	// StateRecovering indicates the breaker is deciding between
	// standby and tripped on the outcome of a single trial execution.
	StateRecovering
)

// String returns the textual representation of the state.
func (s State) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateTripped:
		return "tripped"
	case StateRecovering:
		return "recovering"
	default:
		return "undefined"
	}
}

// Metrics tallies execution outcomes within the current window.
type Metrics struct {
	// Executions is how many executions were performed.
	Executions uint32
	// Successes is how many executions were deemed successful.
	Successes uint32
	// Failures is how many executions were deemed failed.
	Failures uint32
	// ConsecutiveFailures is the current run of failures.
	ConsecutiveFailures uint32
}

func (m *Metrics) record(success bool) {
	m.Executions++
	if success {
		m.Successes++
		m.ConsecutiveFailures = 0
		return
	}
	m.Failures++
	m.ConsecutiveFailures++
}

// TripFn decides from the window metrics whether the breaker trips.
type TripFn = func(m Metrics) bool

// ThresholdTripper trips when the failure count within the window
// reaches the threshold.
func ThresholdTripper(threshold uint32) TripFn {
	return func(m Metrics) bool {
		return m.Failures >= threshold
	}
}

// ConsecutiveFailureTripper trips when the run of failures exceeds the
// threshold.
func ConsecutiveFailureTripper(threshold uint32) TripFn {
	return func(m Metrics) bool {
		return m.ConsecutiveFailures > threshold
	}
}

// StaticTripper always returns the given value regardless of metrics.
func StaticTripper(trip bool) TripFn {
	return func(Metrics) bool {
		return trip
	}
}

// Config holds the tunable knobs of a breaker.
type Config struct {
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Trip decides from the window metrics whether to trip, required.
	Trip TripFn
	// Window is the rolling period outcomes count toward. Metrics
	// reset when it elapses.
	Window time.Duration
	// Cooldown is how long a tripped breaker waits before admitting a
	// trial execution.
	Cooldown time.Duration
	// IsSuccessful decides whether an execution outcome counts as a
	// success. It receives both the value and the error the execution
	// returned, so a caller can fail on application-level signals like
	// HTTP 5xx responses. Defaults to err == nil.
	IsSuccessful func(v any, err error) bool
	// OnTripped is called on every standby/recovering to tripped
	// transition, under the breaker lock.
	OnTripped func()
	// OnStandby is called on every recovering to standby transition,
	// under the breaker lock.
	OnStandby func()
	// OnExecute is called after every performed execution with its
	// outcome and the state the breaker admitted it in. Rejected
	// executions do not count.
	OnExecute func(success bool, state State)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Trip == nil {
		return trace.BadParameter("missing parameter Trip")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(v any, err error) bool { return err == nil }
	}
	return nil
}

// Clone returns a copy of the config.
func (c Config) Clone() Config {
	// All fields are values or shared function references.
	return c
}

// DefaultBreakerConfig returns the breaker configuration used when none
// is given: trip on DefaultFailureThreshold failures within
// DefaultWindow, cool down for DefaultCooldown.
func DefaultBreakerConfig(clock clockwork.Clock) Config {
	return Config{
		Clock:    clock,
		Trip:     ThresholdTripper(DefaultFailureThreshold),
		Window:   DefaultWindow,
		Cooldown: DefaultCooldown,
	}
}

// NoopBreakerConfig returns the configuration of a breaker that never
// trips.
func NoopBreakerConfig() Config {
	return Config{Trip: StaticTripper(false)}
}

// CircuitBreaker guards executions against a failing target. Safe for
// concurrent use.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	metrics     Metrics
	windowStart time.Time
	cooldownEnd time.Time
	trialActive bool
	// generation increments on every state change so outcomes of
	// executions admitted before a change cannot drive transitions
	// after it.
	generation uint64
}

// New returns a breaker in standby.
func New(cfg Config) (*CircuitBreaker, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &CircuitBreaker{
		cfg:         cfg,
		windowStart: cfg.Clock.Now(),
	}, nil
}

// Execute runs f if the breaker allows it and records the outcome.
// While tripped it returns ErrStateTripped without running f.
func (cb *CircuitBreaker) Execute(f func() (any, error)) (any, error) {
	admission, err := cb.beforeExecution()
	if err != nil {
		return nil, err
	}
	v, err := f()
	cb.afterExecution(admission, v, err)
	return v, err
}

// State returns the current state, accounting for an elapsed cooldown.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()
	return cb.state
}

type admission struct {
	state      State
	generation uint64
	trial      bool
}

func (cb *CircuitBreaker) beforeExecution() (admission, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advance()

	switch cb.state {
	case StateTripped:
		return admission{}, ErrStateTripped
	case StateRecovering:
		if cb.trialActive {
			return admission{}, ErrStateTripped
		}
		cb.trialActive = true
		return admission{state: StateRecovering, generation: cb.generation, trial: true}, nil
	default:
		return admission{state: StateStandby, generation: cb.generation}, nil
	}
}

func (cb *CircuitBreaker) afterExecution(adm admission, execVal any, execErr error) {
	success := cb.cfg.IsSuccessful(execVal, execErr)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.cfg.OnExecute != nil {
		cb.cfg.OnExecute(success, adm.state)
	}
	if adm.generation != cb.generation {
		// The breaker changed state while this execution was in
		// flight; its outcome no longer says anything about the
		// current state.
		return
	}

	if adm.trial {
		cb.trialActive = false
		if success {
			cb.toStandby()
		} else {
			cb.trip()
		}
		return
	}

	cb.maybeResetWindow()
	cb.metrics.record(success)
	if !success && cb.cfg.Trip(cb.metrics) {
		cb.trip()
	}
}

// advance applies time-based transitions. Callers must hold cb.mu.
func (cb *CircuitBreaker) advance() {
	if cb.state == StateTripped && !cb.cfg.Clock.Now().Before(cb.cooldownEnd) {
		cb.state = StateRecovering
		cb.trialActive = false
		cb.generation++
	}
	if cb.state == StateStandby {
		cb.maybeResetWindow()
	}
}

// maybeResetWindow starts a fresh metrics window when the current one
// has elapsed. Callers must hold cb.mu.
func (cb *CircuitBreaker) maybeResetWindow() {
	now := cb.cfg.Clock.Now()
	if now.Sub(cb.windowStart) >= cb.cfg.Window {
		cb.windowStart = now
		cb.metrics = Metrics{}
	}
}

// trip moves the breaker to tripped. Callers must hold cb.mu.
func (cb *CircuitBreaker) trip() {
	cb.state = StateTripped
	cb.cooldownEnd = cb.cfg.Clock.Now().Add(cb.cfg.Cooldown)
	cb.generation++
	if cb.cfg.OnTripped != nil {
		cb.cfg.OnTripped()
	}
}

// toStandby moves the breaker to standby with fresh metrics. Callers
// must hold cb.mu.
func (cb *CircuitBreaker) toStandby() {
	cb.state = StateStandby
	cb.metrics = Metrics{}
	cb.windowStart = cb.cfg.Clock.Now()
	cb.generation++
	if cb.cfg.OnStandby != nil {
		cb.cfg.OnStandby()
	}
}
