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

package scheme

import (
	"bytes"
	"io"

	"golang.org/x/crypto/blake2b"

	"github.com/erigontech/willowsync/internal/willow"
)

// Blake2bPayloadScheme digests payloads with BLAKE2b-256 and orders
// digests lexicographically.
type Blake2bPayloadScheme struct{}

func (Blake2bPayloadScheme) Digest(r io.Reader) (willow.PayloadDigest, uint64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return nil, 0, err
	}
	return willow.PayloadDigest(h.Sum(nil)), uint64(n), nil
}

func (Blake2bPayloadScheme) Compare(a, b willow.PayloadDigest) int {
	return bytes.Compare(a, b)
}

// DigestBytes is a convenience wrapper for in-memory byte slices, used
// throughout the payload driver and store.
func DigestBytes(s willow.PayloadScheme, b []byte) (willow.PayloadDigest, uint64, error) {
	return s.Digest(bytes.NewReader(b))
}
