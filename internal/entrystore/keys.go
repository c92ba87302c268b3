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

// Package entrystore implements the EntryDriver capability of spec §4.2:
// the write-ahead flag, the prefix index, the payload reference counter,
// and the 3D (subspace, path, time) entry index.
package entrystore

import (
	"encoding/binary"

	"github.com/erigontech/willowsync/internal/willow"
)

// encodeSubspacePath produces a key of the form
// len(subspace) ‖ subspace ‖ (len(component) ‖ component)*
// Every component is length-prefixed so that truncating the encoding at a
// component boundary yields the encoding of a genuine path prefix, and no
// other truncation can accidentally collide with a shorter path's
// encoding (prefix-freedom, which PrefixIndex.prefixes_of/prefixed_by rely
// on for correctness).
func encodeSubspacePath(subspace willow.SubspaceID, path willow.Path) []byte {
	buf := make([]byte, 0, 2+len(subspace)+len(path)*3)
	buf = appendUvarint(buf, uint64(len(subspace)))
	buf = append(buf, subspace...)
	for _, c := range path {
		buf = appendUvarint(buf, uint64(len(c)))
		buf = append(buf, c...)
	}
	return buf
}

// decodeSubspacePathKey parses the full key back into a path, discarding
// the subspace component (callers already know the subspace they queried
// with).
func decodeSubspacePathKey(key []byte) (willow.Path, error) {
	c := &byteCursor{b: key}
	if _, err := c.readBytes(); err != nil { // subspace
		return nil, err
	}
	var path willow.Path
	for c.pos < len(key) {
		comp, err := c.readBytes()
		if err != nil {
			return nil, err
		}
		path = append(path, comp)
	}
	return path, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// encodePathOrdered encodes a path so that plain byte-string comparison of
// the result matches willow.Path.Compare's component-wise lexicographic
// order (including "a prefix sorts before its extensions"). Each
// component's literal 0x00 bytes are escaped to 0x00 0xFF and every
// component is terminated with 0x00 0x00; this is the standard
// order-preserving tuple encoding used by ordered-key-value tuple layers
// (e.g. FoundationDB's), needed because a naive length-prefix encoding
// would sort by component length before content.
func encodePathOrdered(path willow.Path) []byte {
	var buf []byte
	for _, c := range path {
		for _, b := range c {
			if b == 0x00 {
				buf = append(buf, 0x00, 0xFF)
			} else {
				buf = append(buf, b)
			}
		}
		buf = append(buf, 0x00, 0x00)
	}
	return buf
}

// encodeSubspacePathOrdered orders primarily by subspace bytes, then by
// path (via encodePathOrdered), matching Range3d's subspace-major,
// path-minor iteration order.
func encodeSubspacePathOrdered(subspace willow.SubspaceID, path willow.Path) []byte {
	buf := make([]byte, 0, len(subspace)+1+len(path)*4)
	buf = append(buf, subspace...)
	buf = append(buf, 0x00) // subspace/path separator; subspace ids are fixed-meaning, not further nested
	buf = append(buf, encodePathOrdered(path)...)
	return buf
}

// encodePathSubspaceOrdered orders primarily by path (via
// encodePathOrdered), then by subspace bytes, matching order=path queries.
func encodePathSubspaceOrdered(path willow.Path, subspace willow.SubspaceID) []byte {
	buf := encodePathOrdered(path)
	buf = append(buf, subspace...)
	return buf
}

func encodeTimestamp(ts uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ts)
	return buf[:]
}

func decodeTimestamp(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
