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

package breaker

import (
	"net/http"
)

// RoundTripper gates an http.RoundTripper behind a CircuitBreaker.
// Pair it with an IsSuccessful that inspects the response to count
// server errors against the breaker, not only transport failures.
type RoundTripper struct {
	tripper http.RoundTripper
	cb      *CircuitBreaker
}

// NewRoundTripper wraps tripper with cb.
func NewRoundTripper(cb *CircuitBreaker, tripper http.RoundTripper) *RoundTripper {
	return &RoundTripper{
		tripper: tripper,
		cb:      cb,
	}
}

// RoundTrip forwards the request when the breaker admits it. The
// response body is passed through unread; closing it remains the
// caller's job.
func (t *RoundTripper) RoundTrip(request *http.Request) (*http.Response, error) {
	v, err := t.cb.Execute(func() (any, error) {
		return t.tripper.RoundTrip(request)
	})
	resp, _ := v.(*http.Response)
	return resp, err
}

var _ http.RoundTripper = (*RoundTripper)(nil)
