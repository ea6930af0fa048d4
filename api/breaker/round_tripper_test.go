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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestRoundTripper(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	cb, err := New(Config{
		Clock:    clock,
		Trip:     ThresholdTripper(1),
		Cooldown: time.Second,
		IsSuccessful: func(v any, err error) bool {
			if err != nil {
				return false
			}
			resp, ok := v.(*http.Response)
			return ok && resp.StatusCode < http.StatusInternalServerError
		},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/success", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/fail", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clt := srv.Client()
	clt.Transport = NewRoundTripper(cb, clt.Transport)

	get := func(path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		resp, err := clt.Do(req)
		if resp != nil {
			require.NoError(t, resp.Body.Close())
		}
		return resp, err
	}

	// A passing request leaves the breaker in standby.
	resp, err := get("/success")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, StateStandby, cb.State())

	// A 502 is delivered to the caller but counts as a failure and
	// trips the breaker.
	resp, err = get("/fail")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.Equal(t, StateTripped, cb.State())

	// Tripped requests never reach the server.
	resp, err = get("/success")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrStateTripped)
	require.Nil(t, resp)

	// After the cooldown one trial request goes through and restores
	// standby.
	clock.Advance(time.Second)
	resp, err = get("/success")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, StateStandby, cb.State())
}
