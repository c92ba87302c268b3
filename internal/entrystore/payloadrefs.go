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
	"encoding/binary"

	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/willow"
)

// PayloadReferenceCounter counts how many stored entries reference each
// payload digest (spec §4.2); a payload is only safe to erase once its
// count reaches zero.
type PayloadReferenceCounter struct {
	db *kv.DB
}

// NewPayloadReferenceCounter wraps db's payload-refs bucket.
func NewPayloadReferenceCounter(db *kv.DB) *PayloadReferenceCounter {
	return &PayloadReferenceCounter{db: db}
}

func (c *PayloadReferenceCounter) Increment(digest willow.PayloadDigest) (uint64, error) {
	var n uint64
	err := c.db.Update(func(tx *kv.Tx) error {
		var err error
		n, err = c.IncrementTx(tx, digest)
		return err
	})
	return n, err
}

func (c *PayloadReferenceCounter) IncrementTx(tx *kv.Tx, digest willow.PayloadDigest) (uint64, error) {
	bucket := tx.Bucket(kv.BucketPayloadRefs)
	n := readCount(bucket.Get(digest)) + 1
	return n, bucket.Put(digest, encodeCount(n))
}

func (c *PayloadReferenceCounter) Decrement(digest willow.PayloadDigest) (uint64, error) {
	var n uint64
	err := c.db.Update(func(tx *kv.Tx) error {
		var err error
		n, err = c.DecrementTx(tx, digest)
		return err
	})
	return n, err
}

func (c *PayloadReferenceCounter) DecrementTx(tx *kv.Tx, digest willow.PayloadDigest) (uint64, error) {
	bucket := tx.Bucket(kv.BucketPayloadRefs)
	cur := readCount(bucket.Get(digest))
	if cur == 0 {
		return 0, nil
	}
	n := cur - 1
	if n == 0 {
		return 0, bucket.Delete(digest)
	}
	return n, bucket.Put(digest, encodeCount(n))
}

func (c *PayloadReferenceCounter) Count(digest willow.PayloadDigest) (uint64, error) {
	var n uint64
	err := c.db.View(func(tx *kv.Tx) error {
		n = readCount(tx.Bucket(kv.BucketPayloadRefs).Get(digest))
		return nil
	})
	return n, err
}

func readCount(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func encodeCount(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}
