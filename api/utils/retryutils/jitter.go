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
	"math/rand/v2"
	"time"
)

// Jitter applies random jitter to a duration. Used to randomize backoff
// values. Must be safe for concurrent use.
type Jitter func(time.Duration) time.Duration

// FullJitter returns a duration on [0,d). Suitable for spreading out
// bursts of initial attempts.
func FullJitter(d time.Duration) time.Duration {
	if d < 1 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// HalfJitter returns a duration on [d/2,d). A large range, most
// suitable for backoff delays where breaking up retry cycles quickly
// matters more than keeping the delay close to nominal.
func HalfJitter(d time.Duration) time.Duration {
	return jitterTail(d, 2)
}

// SeventhJitter returns a duration on [6d/7,d). Prefer this small range
// for periodic operations, where a large jitter would noticeably raise
// the average rate.
func SeventhJitter(d time.Duration) time.Duration {
	return jitterTail(d, 7)
}

// jitterTail jitters across the last 1/n of d.
func jitterTail(d time.Duration, n int64) time.Duration {
	if d < 1 {
		return 0
	}
	tail := d / time.Duration(n)
	if tail < 1 {
		return d
	}
	return d - tail + time.Duration(rand.Int64N(int64(tail)))
}
