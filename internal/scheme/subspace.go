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

// Package scheme provides default, runnable implementations of every
// pluggable contract in willow.SchemeSet, so the module is usable without
// a caller supplying its own cryptography.
package scheme

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/erigontech/willowsync/internal/willow"
)

// LexSubspaceScheme orders subspace ids as raw byte strings, with the
// fixed-width successor computed by incrementing the id as a big-endian
// integer. It is suitable for subspace ids that are themselves fixed-length
// public keys or UUIDs.
type LexSubspaceScheme struct {
	// Width is the fixed byte length of every subspace id this scheme
	// handles. 0 means variable length (Successor then never returns
	// ok=false: an all-0xff id is extended by one 0x00 byte instead).
	Width int
}

func (s LexSubspaceScheme) Compare(a, b willow.SubspaceID) int {
	return bytes.Compare(a, b)
}

func (s LexSubspaceScheme) Encode(id willow.SubspaceID) []byte {
	out := make([]byte, 0, 2+len(id))
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(id)))
	out = append(out, lenBuf[:n]...)
	return append(out, id...)
}

func (s LexSubspaceScheme) Decode(r io.Reader) (willow.SubspaceID, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReaderWrap{r}
	}
	l, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("scheme: decode subspace length: %w", err)
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("scheme: decode subspace bytes: %w", err)
	}
	return willow.SubspaceID(buf), nil
}

func (s LexSubspaceScheme) Successor(id willow.SubspaceID) (willow.SubspaceID, bool) {
	next := make([]byte, len(id))
	copy(next, id)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next, true
		}
		next[i] = 0
	}
	// All bytes were 0xff: overflowed, unless we can grow the id (only
	// valid for variable-width ids).
	if s.Width != 0 {
		return nil, false
	}
	return append(append(willow.SubspaceID(nil), id...), 0x00), true
}

type byteReaderWrap struct{ io.Reader }

func (b *byteReaderWrap) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.Reader, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
