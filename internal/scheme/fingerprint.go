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
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/erigontech/willowsync/internal/willow"
)

// XorFingerprintScheme implements willow.FingerprintScheme as an
// order-insensitive XOR-fold of per-entry BLAKE2b-256 digests, per the
// "commutative monoid, typically byte-wise XOR over a hash" design note.
// Combine is associative and commutative by construction (XOR is), so
// summarise's fold needs no particular visiting order.
type XorFingerprintScheme struct{}

const fingerprintSize = 32

func (XorFingerprintScheme) Neutral() willow.Fingerprint {
	return make(willow.Fingerprint, fingerprintSize)
}

func (XorFingerprintScheme) Singleton(e willow.LengthyEntry) willow.Fingerprint {
	h, _ := blake2b.New256(nil)
	h.Write(e.Entry.Namespace)
	h.Write([]byte{0})
	h.Write(e.Entry.Subspace)
	h.Write([]byte{0})
	for _, c := range e.Entry.Path {
		h.Write(c)
		h.Write([]byte{0})
	}
	h.Write([]byte{1})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], e.Entry.Timestamp)
	h.Write(buf[:])
	h.Write(e.Entry.PayloadDigest)
	binary.BigEndian.PutUint64(buf[:], e.Entry.PayloadLength)
	h.Write(buf[:])
	return willow.Fingerprint(h.Sum(nil))
}

func (XorFingerprintScheme) Combine(a, b willow.Fingerprint) willow.Fingerprint {
	out := make(willow.Fingerprint, fingerprintSize)
	for i := 0; i < fingerprintSize; i++ {
		var av, bv byte
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		out[i] = av ^ bv
	}
	return out
}

// Finalise re-hashes the accumulator so an attacker who controls many
// entries cannot target a specific XOR accumulator value directly; it is
// still order-insensitive since it's applied once, after the fold.
func (XorFingerprintScheme) Finalise(pre willow.Fingerprint) willow.Fingerprint {
	sum := blake2b.Sum256(pre)
	return willow.Fingerprint(sum[:])
}
