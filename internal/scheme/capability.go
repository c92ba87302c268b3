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

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// SimpleCapability is the default, minimal capability format: it names
// the namespace and area it grants, and the ed25519 public key of the
// peer allowed to present it. Verifying possession means checking a
// signature over the session challenge made with the matching private
// key. The capability-format choice is explicitly out of scope per
// spec §1 (a pluggable scheme); this is one concrete, usable instance.
type SimpleCapability struct {
	Namespace willow.NamespaceID
	Area      willow.Area
	Receiver  ed25519.PublicKey
}

// Encode serialises the capability to bytes.
func (c SimpleCapability) Encode() []byte {
	var buf []byte
	buf = append(buf, byte(len(c.Namespace)))
	buf = append(buf, c.Namespace...)
	buf = appendArea(buf, c.Area)
	buf = append(buf, c.Receiver...)
	return buf
}

func appendArea(buf []byte, a willow.Area) []byte {
	if a.Subspace == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1, byte(len(a.Subspace)))
		buf = append(buf, a.Subspace...)
	}
	buf = append(buf, byte(len(a.PathPrefix)))
	for _, c := range a.PathPrefix {
		var lbuf [2]byte
		binary.BigEndian.PutUint16(lbuf[:], uint16(len(c)))
		buf = append(buf, lbuf[:]...)
		buf = append(buf, c...)
	}
	var tbuf [16]byte
	binary.BigEndian.PutUint64(tbuf[0:8], a.TimeRange.Start)
	binary.BigEndian.PutUint64(tbuf[8:16], a.TimeRange.End)
	return append(buf, tbuf[:]...)
}

// DecodeSimpleCapability parses bytes produced by Encode.
func DecodeSimpleCapability(b []byte) (SimpleCapability, error) {
	var c SimpleCapability
	if len(b) < 1 {
		return c, errors.Wrap(willow.ErrValidation, "capability: truncated")
	}
	nsLen := int(b[0])
	b = b[1:]
	if len(b) < nsLen {
		return c, errors.Wrap(willow.ErrValidation, "capability: truncated namespace")
	}
	c.Namespace = willow.NamespaceID(b[:nsLen])
	b = b[nsLen:]

	if len(b) < 1 {
		return c, errors.Wrap(willow.ErrValidation, "capability: truncated area tag")
	}
	hasSubspace := b[0] == 1
	b = b[1:]
	if hasSubspace {
		if len(b) < 1 {
			return c, errors.Wrap(willow.ErrValidation, "capability: truncated subspace length")
		}
		ssLen := int(b[0])
		b = b[1:]
		if len(b) < ssLen {
			return c, errors.Wrap(willow.ErrValidation, "capability: truncated subspace")
		}
		c.Area.Subspace = willow.SubspaceID(b[:ssLen])
		b = b[ssLen:]
	}
	if len(b) < 1 {
		return c, errors.Wrap(willow.ErrValidation, "capability: truncated path component count")
	}
	compCount := int(b[0])
	b = b[1:]
	path := make(willow.Path, 0, compCount)
	for i := 0; i < compCount; i++ {
		if len(b) < 2 {
			return c, errors.Wrap(willow.ErrValidation, "capability: truncated component length")
		}
		cl := int(binary.BigEndian.Uint16(b[:2]))
		b = b[2:]
		if len(b) < cl {
			return c, errors.Wrap(willow.ErrValidation, "capability: truncated component")
		}
		path = append(path, b[:cl])
		b = b[cl:]
	}
	c.Area.PathPrefix = path
	if len(b) < 16+ed25519.PublicKeySize {
		return c, errors.Wrap(willow.ErrValidation, "capability: truncated tail")
	}
	c.Area.TimeRange.Start = binary.BigEndian.Uint64(b[0:8])
	c.Area.TimeRange.End = binary.BigEndian.Uint64(b[8:16])
	b = b[16:]
	c.Receiver = ed25519.PublicKey(append([]byte(nil), b[:ed25519.PublicKeySize]...))
	return c, nil
}

// SimpleCapabilityScheme implements willow.CapabilityScheme and
// willow.SubspaceCapScheme for SimpleCapability.
type SimpleCapabilityScheme struct{}

func (SimpleCapabilityScheme) GrantedArea(capability []byte) (willow.NamespaceID, willow.Area, error) {
	c, err := DecodeSimpleCapability(capability)
	if err != nil {
		return nil, willow.Area{}, err
	}
	return c.Namespace, c.Area, nil
}

func (SimpleCapabilityScheme) VerifySignature(capability []byte, challenge []byte, signature []byte) bool {
	c, err := DecodeSimpleCapability(capability)
	if err != nil {
		return false
	}
	return ed25519.Verify(c.Receiver, challenge, signature)
}

func (SimpleCapabilityScheme) Verify(namespace willow.NamespaceID, capability []byte, challenge []byte, signature []byte) bool {
	c, err := DecodeSimpleCapability(capability)
	if err != nil {
		return false
	}
	if !c.Namespace.Equal(namespace) {
		return false
	}
	return ed25519.Verify(c.Receiver, challenge, signature)
}
