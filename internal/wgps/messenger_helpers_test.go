// Copyright 2025 The Willowsync Authors
// This file is part of Willowsync.
//
// Willowsync is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Willowsync is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Willowsync. If not, see <http://www.gnu.org/licenses/>.

package wgps

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"

	"github.com/erigontech/willowsync/internal/willow"
)

func TestChallengeHashMatchesBlake2b256(t *testing.T) {
	want := blake2b.Sum256([]byte("nonce"))
	require.Equal(t, want[:], challengeHash([]byte("nonce")))
}

func TestXorBytes(t *testing.T) {
	got := xorBytes([]byte{0x0f, 0xf0, 0xaa}, []byte{0xf0, 0x0f, 0x55})
	require.Equal(t, []byte{0xff, 0xff, 0xff}, got)
}

func TestAreaContainsSubspaceMismatch(t *testing.T) {
	outer := willow.Area{Subspace: willow.SubspaceID("alice"), TimeRange: willow.U64Range{End: willow.OpenEnd}}
	inner := willow.Area{Subspace: willow.SubspaceID("bob"), TimeRange: willow.U64Range{End: willow.OpenEnd}}
	require.False(t, areaContains(outer, inner))
}

func TestAreaContainsAnySubspaceAllowsAny(t *testing.T) {
	outer := willow.Area{TimeRange: willow.U64Range{End: willow.OpenEnd}}
	inner := willow.Area{Subspace: willow.SubspaceID("bob"), TimeRange: willow.U64Range{End: willow.OpenEnd}}
	require.True(t, areaContains(outer, inner))
}

func TestAreaContainsPathPrefix(t *testing.T) {
	outer := willow.Area{PathPrefix: willow.Path{[]byte("docs")}, TimeRange: willow.U64Range{End: willow.OpenEnd}}
	inner := willow.Area{PathPrefix: willow.Path{[]byte("docs"), []byte("a")}, TimeRange: willow.U64Range{End: willow.OpenEnd}}
	require.True(t, areaContains(outer, inner))

	other := willow.Area{PathPrefix: willow.Path{[]byte("other")}, TimeRange: willow.U64Range{End: willow.OpenEnd}}
	require.False(t, areaContains(outer, other))
}

func TestAreaContainsTimeRange(t *testing.T) {
	outer := willow.Area{TimeRange: willow.U64Range{Start: 10, End: 20}}

	require.True(t, areaContains(outer, willow.Area{TimeRange: willow.U64Range{Start: 12, End: 18}}))
	require.False(t, areaContains(outer, willow.Area{TimeRange: willow.U64Range{Start: 5, End: 18}}))
	require.False(t, areaContains(outer, willow.Area{TimeRange: willow.U64Range{Start: 12, End: willow.OpenEnd}}))
	require.False(t, areaContains(outer, willow.Area{TimeRange: willow.U64Range{Start: 12, End: 25}}))
}
