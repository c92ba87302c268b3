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

package kv

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// DB is the ordered key-value engine backing one namespace store. It is a
// thin wrapper over bbolt chosen for its native lexicographic key
// ordering, which is exactly what the prefix index and the by-path/by-time
// secondary indexes need for range scans.
type DB struct {
	bolt *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures every bucket
// in AllBuckets exists.
func Open(path string) (*DB, error) {
	b, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "kv: open")
	}
	db := &DB{bolt: b}
	if err := db.Update(func(tx *Tx) error {
		for _, name := range AllBuckets {
			if _, err := tx.tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		b.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error { return d.bolt.Close() }

// Tx is a read-write transaction.
type Tx struct{ tx *bolt.Tx }

// View runs fn in a read-only transaction.
func (d *DB) View(fn func(tx *Tx) error) error {
	return d.bolt.View(func(t *bolt.Tx) error { return fn(&Tx{t}) })
}

// Update runs fn in a read-write transaction, committing iff fn returns nil.
func (d *DB) Update(fn func(tx *Tx) error) error {
	return d.bolt.Update(func(t *bolt.Tx) error { return fn(&Tx{t}) })
}

// Bucket returns a handle to a named bucket within the transaction.
func (t *Tx) Bucket(name string) *Bucket {
	return &Bucket{b: t.tx.Bucket([]byte(name))}
}

// Bucket wraps a bbolt bucket with the narrower operations this module
// needs (no nested buckets, no bucket-wide stats).
type Bucket struct{ b *bolt.Bucket }

func (bk *Bucket) Get(key []byte) []byte { return bk.b.Get(key) }

func (bk *Bucket) Put(key, value []byte) error { return bk.b.Put(key, value) }

func (bk *Bucket) Delete(key []byte) error { return bk.b.Delete(key) }

// ForPrefix iterates every key starting with prefix, in ascending order,
// calling fn(key, value) for each; it stops early if fn returns false.
func (bk *Bucket) ForPrefix(prefix []byte, fn func(k, v []byte) bool) {
	c := bk.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if !fn(k, v) {
			return
		}
	}
}

// ForRange iterates every key in [start, end) (end == nil means unbounded)
// in ascending order (or descending if reverse), calling fn for each; it
// stops early if fn returns false.
func (bk *Bucket) ForRange(start, end []byte, reverse bool, fn func(k, v []byte) bool) {
	c := bk.b.Cursor()
	if !reverse {
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				return
			}
			if !fn(k, v) {
				return
			}
		}
		return
	}
	// Reverse: seek to end (exclusive) and walk backwards to start
	// (inclusive).
	var k, v []byte
	if end == nil {
		k, v = c.Last()
	} else {
		k, v = c.Seek(end)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if bytes.Compare(k, start) < 0 {
			return
		}
		if !fn(k, v) {
			return
		}
	}
}

