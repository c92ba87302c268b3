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

func TestWriteAheadFlagInsertionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	wal := entrystore.NewWriteAheadFlag(db)

	_, ok, err := wal.WasInserting()
	require.NoError(t, err)
	require.False(t, ok)

	entry := testEntry("alice", willow.Path{[]byte("a")}, 1)
	require.NoError(t, wal.FlagInsertion(entry, willow.PayloadDigest("tok")))

	row, ok, err := wal.WasInserting()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, row.Entry)
	require.Equal(t, willow.PayloadDigest("tok"), row.AuthTokenDigest)

	require.NoError(t, wal.UnflagInsertion())
	_, ok, err = wal.WasInserting()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteAheadFlagRemovalRoundTrip(t *testing.T) {
	db := openTestDB(t)
	wal := entrystore.NewWriteAheadFlag(db)

	entry := testEntry("alice", willow.Path{[]byte("a")}, 1)
	require.NoError(t, wal.FlagRemoval(entry))

	got, ok, err := wal.WasRemoving()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, entry, got)

	require.NoError(t, wal.UnflagRemoval())
	_, ok, err = wal.WasRemoving()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWriteAheadFlagInsertionAndRemovalAreIndependent(t *testing.T) {
	db := openTestDB(t)
	wal := entrystore.NewWriteAheadFlag(db)

	insertEntry := testEntry("alice", willow.Path{[]byte("a")}, 1)
	removeEntry := testEntry("bob", willow.Path{[]byte("b")}, 2)

	require.NoError(t, wal.FlagInsertion(insertEntry, willow.PayloadDigest("tok")))
	require.NoError(t, wal.FlagRemoval(removeEntry))

	_, ok, err := wal.WasInserting()
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = wal.WasRemoving()
	require.NoError(t, err)
	require.True(t, ok)
}
