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

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// StoredRow is the unit of value stored alongside each indexed entry: the
// entry itself and the digest of its encoded authorisation token (the
// token bytes live in the payload driver, keyed by this digest, per
// spec §4.3's insert_entry).
type StoredRow struct {
	Entry         willow.Entry
	AuthTokenDigest willow.PayloadDigest
}

// EncodeEntry serialises an entry and its auth-token digest for storage.
func EncodeEntry(row StoredRow) []byte {
	e := row.Entry
	var buf []byte
	buf = appendUvarint(buf, uint64(len(e.Namespace)))
	buf = append(buf, e.Namespace...)
	buf = appendUvarint(buf, uint64(len(e.Subspace)))
	buf = append(buf, e.Subspace...)
	buf = appendUvarint(buf, uint64(len(e.Path)))
	for _, c := range e.Path {
		buf = appendUvarint(buf, uint64(len(c)))
		buf = append(buf, c...)
	}
	var u64buf [8]byte
	binary.BigEndian.PutUint64(u64buf[:], e.Timestamp)
	buf = append(buf, u64buf[:]...)
	binary.BigEndian.PutUint64(u64buf[:], e.PayloadLength)
	buf = append(buf, u64buf[:]...)
	buf = appendUvarint(buf, uint64(len(e.PayloadDigest)))
	buf = append(buf, e.PayloadDigest...)
	buf = appendUvarint(buf, uint64(len(row.AuthTokenDigest)))
	buf = append(buf, row.AuthTokenDigest...)
	return buf
}

// DecodeEntry is the inverse of EncodeEntry.
func DecodeEntry(b []byte) (StoredRow, error) {
	var row StoredRow
	r := &byteCursor{b: b}

	ns, err := r.readBytes()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode namespace")
	}
	row.Entry.Namespace = willow.NamespaceID(ns)

	ss, err := r.readBytes()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode subspace")
	}
	row.Entry.Subspace = willow.SubspaceID(ss)

	nComp, err := r.readUvarint()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode path length")
	}
	path := make(willow.Path, 0, nComp)
	for i := uint64(0); i < nComp; i++ {
		c, err := r.readBytes()
		if err != nil {
			return row, errors.Wrap(err, "entrystore: decode path component")
		}
		path = append(path, c)
	}
	row.Entry.Path = path

	ts, err := r.readFixed64()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode timestamp")
	}
	row.Entry.Timestamp = ts

	pl, err := r.readFixed64()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode payload length")
	}
	row.Entry.PayloadLength = pl

	digest, err := r.readBytes()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode payload digest")
	}
	row.Entry.PayloadDigest = willow.PayloadDigest(digest)

	tokenDigest, err := r.readBytes()
	if err != nil {
		return row, errors.Wrap(err, "entrystore: decode auth token digest")
	}
	row.AuthTokenDigest = willow.PayloadDigest(tokenDigest)

	return row, nil
}

type byteCursor struct {
	b   []byte
	pos int
}

func (c *byteCursor) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(c.b[c.pos:])
	if n <= 0 {
		return 0, errors.New("entrystore: truncated varint")
	}
	c.pos += n
	return v, nil
}

func (c *byteCursor) readBytes() ([]byte, error) {
	l, err := c.readUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(c.b)-c.pos) < l {
		return nil, errors.New("entrystore: truncated byte string")
	}
	out := c.b[c.pos : c.pos+int(l)]
	c.pos += int(l)
	return out, nil
}

func (c *byteCursor) readFixed64() (uint64, error) {
	if len(c.b)-c.pos < 8 {
		return 0, errors.New("entrystore: truncated fixed64")
	}
	v := binary.BigEndian.Uint64(c.b[c.pos : c.pos+8])
	c.pos += 8
	return v, nil
}
