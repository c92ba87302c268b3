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

package kv_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/kv"
)

func openTestDB(t *testing.T) *kv.DB {
	t.Helper()
	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreatesAllBuckets(t *testing.T) {
	db := openTestDB(t)
	err := db.View(func(tx *kv.Tx) error {
		for _, name := range kv.AllBuckets {
			require.NotNil(t, tx.Bucket(name))
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Put([]byte("k"), []byte("v"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		require.Equal(t, []byte("v"), tx.Bucket(kv.BucketWAL).Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)

	err = db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Delete([]byte("k"))
	})
	require.NoError(t, err)

	err = db.View(func(tx *kv.Tx) error {
		require.Nil(t, tx.Bucket(kv.BucketWAL).Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := openTestDB(t)

	err := db.Update(func(tx *kv.Tx) error {
		if err := tx.Bucket(kv.BucketWAL).Put([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return errTestRollback
	})
	require.Error(t, err)

	err = db.View(func(tx *kv.Tx) error {
		require.Nil(t, tx.Bucket(kv.BucketWAL).Get([]byte("k")))
		return nil
	})
	require.NoError(t, err)
}

func TestForRangeAscendingAndDescending(t *testing.T) {
	db := openTestDB(t)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	err := db.Update(func(tx *kv.Tx) error {
		b := tx.Bucket(kv.BucketWAL)
		for _, k := range keys {
			if err := b.Put(k, k); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var forward [][]byte
	err = db.View(func(tx *kv.Tx) error {
		tx.Bucket(kv.BucketWAL).ForRange([]byte("b"), []byte("d"), false, func(k, v []byte) bool {
			forward = append(forward, append([]byte(nil), k...))
			return true
		})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, keys[1:3], forward)

	var backward [][]byte
	err = db.View(func(tx *kv.Tx) error {
		tx.Bucket(kv.BucketWAL).ForRange([]byte("a"), []byte("d"), true, func(k, v []byte) bool {
			backward = append(backward, append([]byte(nil), k...))
			return true
		})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("c"), []byte("b"), []byte("a")}, backward)
}

func TestForPrefix(t *testing.T) {
	db := openTestDB(t)
	err := db.Update(func(tx *kv.Tx) error {
		b := tx.Bucket(kv.BucketWAL)
		for _, k := range []string{"ns/a", "ns/b", "other"} {
			if err := b.Put([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	var matched []string
	err = db.View(func(tx *kv.Tx) error {
		tx.Bucket(kv.BucketWAL).ForPrefix([]byte("ns/"), func(k, v []byte) bool {
			matched = append(matched, string(k))
			return true
		})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ns/a", "ns/b"}, matched)
}

var errTestRollback = &rollbackError{}

type rollbackError struct{}

func (*rollbackError) Error() string { return "kv_test: rollback" }
