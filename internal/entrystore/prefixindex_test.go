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

package entrystore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/entrystore"
	"github.com/erigontech/willowsync/internal/willow"
)

func TestPrefixIndexGetExact(t *testing.T) {
	db := openTestDB(t)
	idx := entrystore.NewPrefixIndex(db)

	subspace := willow.SubspaceID("alice")
	path := willow.Path{[]byte("docs"), []byte("report")}

	_, ok, err := idx.GetExact(subspace, path)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, idx.Insert(subspace, path, 100))
	ts, ok, err := idx.GetExact(subspace, path)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100, ts)

	require.NoError(t, idx.Remove(subspace, path))
	_, ok, err = idx.GetExact(subspace, path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPrefixIndexPrefixesOf(t *testing.T) {
	db := openTestDB(t)
	idx := entrystore.NewPrefixIndex(db)
	subspace := willow.SubspaceID("alice")

	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("docs")}, 10))
	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("docs"), []byte("2024")}, 20))

	prefixes, err := idx.PrefixesOf(subspace, willow.Path{[]byte("docs"), []byte("2024"), []byte("report")})
	require.NoError(t, err)
	require.Len(t, prefixes, 2)
	require.True(t, prefixes[0].Path.Equal(willow.Path{[]byte("docs")}))
	require.EqualValues(t, 10, prefixes[0].Timestamp)
	require.True(t, prefixes[1].Path.Equal(willow.Path{[]byte("docs"), []byte("2024")}))
	require.EqualValues(t, 20, prefixes[1].Timestamp)
}

func TestPrefixIndexPrefixedBy(t *testing.T) {
	db := openTestDB(t)
	idx := entrystore.NewPrefixIndex(db)
	subspace := willow.SubspaceID("alice")

	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("docs")}, 1))
	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("docs"), []byte("a")}, 2))
	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("docs"), []byte("b")}, 3))
	require.NoError(t, idx.Insert(subspace, willow.Path{[]byte("other")}, 4))

	extensions, err := idx.PrefixedBy(subspace, willow.Path{[]byte("docs")})
	require.NoError(t, err)
	require.Len(t, extensions, 2)
	for _, ext := range extensions {
		require.True(t, willow.Path{[]byte("docs")}.IsStrictPrefixOf(ext.Path))
	}
}

func TestPrefixIndexDistinguishesSubspaces(t *testing.T) {
	db := openTestDB(t)
	idx := entrystore.NewPrefixIndex(db)

	path := willow.Path{[]byte("shared")}
	require.NoError(t, idx.Insert(willow.SubspaceID("alice"), path, 1))
	require.NoError(t, idx.Insert(willow.SubspaceID("bob"), path, 2))

	ts, ok, err := idx.GetExact(willow.SubspaceID("alice"), path)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 1, ts)

	ts, ok, err = idx.GetExact(willow.SubspaceID("bob"), path)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, ts)
}
