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

package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateKey(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "node.key")

	first, err := LoadOrGenerateKey(path)
	require.NoError(t, err)

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(path)
		require.NoError(t, err)
		require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
	}

	// A second load must come back with the same identity, not a fresh
	// key.
	second, err := LoadOrGenerateKey(path)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestLoadOrGenerateKeyRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadOrGenerateKey(path)
	require.Error(t, err)
	require.True(t, trace.IsBadParameter(err))
}

func TestIsIdentityMismatch(t *testing.T) {
	t.Parallel()

	require.True(t, IsIdentityMismatch(ErrIdentityMismatch))
	require.True(t, IsIdentityMismatch(fmt.Errorf("connecting to west: %w", ErrIdentityMismatch)))
	require.True(t, IsIdentityMismatch(trace.Wrap(fmt.Errorf("connect: %w", ErrIdentityMismatch))))
	require.False(t, IsIdentityMismatch(trace.ConnectionProblem(nil, "refused")))
	require.False(t, IsIdentityMismatch(nil))
}
