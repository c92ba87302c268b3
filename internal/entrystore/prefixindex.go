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
	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/willow"
)

// PrefixIndex maps subspace‖path to its entry's timestamp, answering
// "is there a newer entry whose path is a prefix of mine" and "which
// older prefixed entries must I prune" (spec §4.2).
type PrefixIndex struct {
	db *kv.DB
}

// NewPrefixIndex wraps db's prefix-index bucket.
func NewPrefixIndex(db *kv.DB) *PrefixIndex {
	return &PrefixIndex{db: db}
}

// Insert records key -> timestamp. Must run inside the caller's
// transaction in a real multi-bucket mutation; exposed here as
// standalone for simplicity, callers needing atomicity with other
// buckets should use InsertTx.
func (p *PrefixIndex) Insert(subspace willow.SubspaceID, path willow.Path, timestamp uint64) error {
	return p.db.Update(func(tx *kv.Tx) error { return p.InsertTx(tx, subspace, path, timestamp) })
}

func (p *PrefixIndex) InsertTx(tx *kv.Tx, subspace willow.SubspaceID, path willow.Path, timestamp uint64) error {
	key := encodeSubspacePath(subspace, path)
	return tx.Bucket(kv.BucketPrefixIndex).Put(key, encodeTimestamp(timestamp))
}

// Remove deletes key from the index.
func (p *PrefixIndex) Remove(subspace willow.SubspaceID, path willow.Path) error {
	return p.db.Update(func(tx *kv.Tx) error { return p.RemoveTx(tx, subspace, path) })
}

func (p *PrefixIndex) RemoveTx(tx *kv.Tx, subspace willow.SubspaceID, path willow.Path) error {
	key := encodeSubspacePath(subspace, path)
	return tx.Bucket(kv.BucketPrefixIndex).Delete(key)
}

// GetExact returns the timestamp recorded for the exact (subspace, path)
// key, if any.
func (p *PrefixIndex) GetExact(subspace willow.SubspaceID, path willow.Path) (uint64, bool, error) {
	var ts uint64
	var ok bool
	err := p.db.View(func(tx *kv.Tx) error {
		v := tx.Bucket(kv.BucketPrefixIndex).Get(encodeSubspacePath(subspace, path))
		if v != nil {
			ts, ok = decodeTimestamp(v), true
		}
		return nil
	})
	return ts, ok, err
}

// PrefixEntry is one result of a prefix lookup.
type PrefixEntry struct {
	Path      willow.Path
	Timestamp uint64
}

// PrefixesOf returns every proper prefix path of (subspace, path) that is
// present in the index, with its timestamp.
func (p *PrefixIndex) PrefixesOf(subspace willow.SubspaceID, path willow.Path) ([]PrefixEntry, error) {
	var out []PrefixEntry
	err := p.db.View(func(tx *kv.Tx) error {
		bucket := tx.Bucket(kv.BucketPrefixIndex)
		for i := 0; i < len(path); i++ {
			key := encodeSubspacePath(subspace, path[:i])
			if v := bucket.Get(key); v != nil {
				out = append(out, PrefixEntry{Path: path[:i], Timestamp: decodeTimestamp(v)})
			}
		}
		return nil
	})
	return out, err
}

// PrefixedBy returns every stored key that (subspace, path) is a proper
// prefix of (i.e. every strict extension currently indexed), with its
// timestamp. Because path components are length-prefixed in the key
// encoding (see encodeSubspacePath), a plain byte-string prefix scan over
// the bucket is exactly the set of genuine path extensions: no
// non-component-aligned key can share that byte prefix.
func (p *PrefixIndex) PrefixedBy(subspace willow.SubspaceID, path willow.Path) ([]PrefixEntry, error) {
	prefix := encodeSubspacePath(subspace, path)
	var out []PrefixEntry
	err := p.db.View(func(tx *kv.Tx) error {
		tx.Bucket(kv.BucketPrefixIndex).ForPrefix(prefix, func(k, v []byte) bool {
			if len(k) == len(prefix) {
				// Exact match, not a strict extension.
				return true
			}
			extPath, err := decodeSubspacePathKey(k)
			if err != nil {
				return true
			}
			out = append(out, PrefixEntry{Path: extPath, Timestamp: decodeTimestamp(v)})
			return true
		})
		return nil
	})
	return out, err
}
