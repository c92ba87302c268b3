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
	"crypto/ed25519"
	"encoding/binary"

	"github.com/erigontech/willowsync/internal/willow"
)

// Ed25519AuthScheme authorises an entry by signing its canonical encoding
// with an ed25519 key. The static token is the signer's public key (shared
// across every entry it authors); the dynamic token is the per-entry
// signature.
type Ed25519AuthScheme struct{}

func canonicalEntryBytes(e willow.Entry) []byte {
	var buf []byte
	buf = append(buf, byte(len(e.Namespace)))
	buf = append(buf, e.Namespace...)
	buf = append(buf, byte(len(e.Subspace)))
	buf = append(buf, e.Subspace...)
	var lbuf [8]byte
	binary.BigEndian.PutUint64(lbuf[:], uint64(len(e.Path)))
	buf = append(buf, lbuf[:]...)
	for _, c := range e.Path {
		binary.BigEndian.PutUint64(lbuf[:], uint64(len(c)))
		buf = append(buf, lbuf[:]...)
		buf = append(buf, c...)
	}
	binary.BigEndian.PutUint64(lbuf[:], e.Timestamp)
	buf = append(buf, lbuf[:]...)
	binary.BigEndian.PutUint64(lbuf[:], e.PayloadLength)
	buf = append(buf, lbuf[:]...)
	buf = append(buf, e.PayloadDigest...)
	return buf
}

func (Ed25519AuthScheme) IsAuthorisedWrite(entry willow.Entry, token willow.AuthorisationToken) bool {
	if len(token.Static) != ed25519.PublicKeySize {
		return false
	}
	pub := ed25519.PublicKey(token.Static)
	return ed25519.Verify(pub, canonicalEntryBytes(entry), token.Dynamic)
}

func (Ed25519AuthScheme) Decompose(token willow.AuthorisationToken) (willow.StaticToken, willow.DynamicToken) {
	return token.Static, token.Dynamic
}

func (Ed25519AuthScheme) Compose(static willow.StaticToken, dynamic willow.DynamicToken) willow.AuthorisationToken {
	return willow.AuthorisationToken{Static: static, Dynamic: dynamic}
}

// Ed25519Signer authorises entries on behalf of a single local keypair. It
// implements willow.Signer.
type Ed25519Signer struct {
	Priv ed25519.PrivateKey
}

// NewEd25519Signer derives a signer from priv.
func NewEd25519Signer(priv ed25519.PrivateKey) Ed25519Signer {
	return Ed25519Signer{Priv: priv}
}

func (s Ed25519Signer) Authorise(entry willow.Entry) (willow.AuthorisationToken, error) {
	pub := s.Priv.Public().(ed25519.PublicKey)
	sig := ed25519.Sign(s.Priv, canonicalEntryBytes(entry))
	return willow.AuthorisationToken{
		Static:  willow.StaticToken(pub),
		Dynamic: willow.DynamicToken(sig),
	}, nil
}
