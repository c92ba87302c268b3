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

func TestPayloadReferenceCounterIncrementDecrement(t *testing.T) {
	db := openTestDB(t)
	refs := entrystore.NewPayloadReferenceCounter(db)
	digest := willow.PayloadDigest("d")

	n, err := refs.Count(digest)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	_, err = refs.Increment(digest)
	require.NoError(t, err)
	n, err = refs.Count(digest)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = refs.Increment(digest)
	require.NoError(t, err)
	n, err = refs.Count(digest)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = refs.Decrement(digest)
	require.NoError(t, err)
	n, err = refs.Count(digest)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestPayloadReferenceCounterZeroCountDeletesKey(t *testing.T) {
	db := openTestDB(t)
	refs := entrystore.NewPayloadReferenceCounter(db)
	digest := willow.PayloadDigest("d")

	_, err := refs.Increment(digest)
	require.NoError(t, err)
	_, err = refs.Decrement(digest)
	require.NoError(t, err)

	n, err := refs.Count(digest)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestPayloadReferenceCounterDistinguishesDigests(t *testing.T) {
	db := openTestDB(t)
	refs := entrystore.NewPayloadReferenceCounter(db)

	_, err := refs.Increment(willow.PayloadDigest("a"))
	require.NoError(t, err)
	_, err = refs.Increment(willow.PayloadDigest("a"))
	require.NoError(t, err)
	_, err = refs.Increment(willow.PayloadDigest("b"))
	require.NoError(t, err)

	n, err := refs.Count(willow.PayloadDigest("a"))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = refs.Count(willow.PayloadDigest("b"))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
