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
	"crypto/rand"

	"golang.org/x/crypto/curve25519"

	"github.com/erigontech/willowsync/internal/willow"
)

// Curve25519PaiScheme implements the commutative-group handshake PAI
// needs using X25519 scalar multiplication: GroupMember(s) = s*G and
// Exponentiate(s, s'*G) = s*s'*G = s'*(s*G), which is exactly the
// commutativity property spec §4.7 relies on to detect a shared fragment
// secret without revealing it.
type Curve25519PaiScheme struct{}

func (Curve25519PaiScheme) GroupMember(secret []byte) willow.PaiGroupElement {
	var scalar, out [32]byte
	copy(scalar[:], secret)
	curve25519.ScalarBaseMult(&out, &scalar)
	return willow.PaiGroupElement(out[:])
}

func (Curve25519PaiScheme) Exponentiate(secret []byte, member willow.PaiGroupElement) willow.PaiGroupElement {
	var scalar, in, out [32]byte
	copy(scalar[:], secret)
	copy(in[:], member)
	curve25519.ScalarMult(&out, &scalar, &in)
	return willow.PaiGroupElement(out[:])
}

func (Curve25519PaiScheme) RandomSecret() []byte {
	var s [32]byte
	if _, err := rand.Read(s[:]); err != nil {
		panic(err) // crypto/rand failing is unrecoverable
	}
	// clamp, per RFC 7748, so every random 32-byte string is a valid scalar.
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
	return s[:]
}

func (Curve25519PaiScheme) Equal(a, b willow.PaiGroupElement) bool {
	return bytes.Equal(a, b)
}
