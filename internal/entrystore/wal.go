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

package entrystore

import (
	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/willow"
)

var (
	walInsertKey = []byte("ins")
	walRemoveKey = []byte("rem")
)

// WriteAheadFlag records the single pending storage mutation (spec §4.2)
// so a crash between flagging and committing can be replayed exactly once
// on restart.
type WriteAheadFlag struct {
	db *kv.DB
}

// NewWriteAheadFlag wraps db's WAL bucket.
func NewWriteAheadFlag(db *kv.DB) *WriteAheadFlag {
	return &WriteAheadFlag{db: db}
}

// FlagInsertion records that (entry, authTokenDigest) is about to be
// inserted, before any index mutation happens.
func (w *WriteAheadFlag) FlagInsertion(entry willow.Entry, authTokenDigest willow.PayloadDigest) error {
	return w.db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Put(walInsertKey, EncodeEntry(StoredRow{Entry: entry, AuthTokenDigest: authTokenDigest}))
	})
}

// UnflagInsertion clears the pending-insertion flag after the mutation
// completes.
func (w *WriteAheadFlag) UnflagInsertion() error {
	return w.db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Delete(walInsertKey)
	})
}

// FlagRemoval records that entry is about to be removed.
func (w *WriteAheadFlag) FlagRemoval(entry willow.Entry) error {
	return w.db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Put(walRemoveKey, EncodeEntry(StoredRow{Entry: entry}))
	})
}

// UnflagRemoval clears the pending-removal flag after the mutation
// completes.
func (w *WriteAheadFlag) UnflagRemoval() error {
	return w.db.Update(func(tx *kv.Tx) error {
		return tx.Bucket(kv.BucketWAL).Delete(walRemoveKey)
	})
}

// WasInserting returns the pending insertion row, if any, read on startup
// before replaying it exactly once.
func (w *WriteAheadFlag) WasInserting() (StoredRow, bool, error) {
	var row StoredRow
	var ok bool
	err := w.db.View(func(tx *kv.Tx) error {
		v := tx.Bucket(kv.BucketWAL).Get(walInsertKey)
		if v == nil {
			return nil
		}
		r, err := DecodeEntry(v)
		if err != nil {
			return errors.Wrap(willow.ErrStorageCorruption, err.Error())
		}
		row, ok = r, true
		return nil
	})
	return row, ok, err
}

// WasRemoving returns the pending removal entry, if any.
func (w *WriteAheadFlag) WasRemoving() (willow.Entry, bool, error) {
	var entry willow.Entry
	var ok bool
	err := w.db.View(func(tx *kv.Tx) error {
		v := tx.Bucket(kv.BucketWAL).Get(walRemoveKey)
		if v == nil {
			return nil
		}
		r, err := DecodeEntry(v)
		if err != nil {
			return errors.Wrap(willow.ErrStorageCorruption, err.Error())
		}
		entry, ok = r.Entry, true
		return nil
	})
	return entry, ok, err
}
