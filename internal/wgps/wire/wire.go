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

// Package wire implements the published Willow General Purpose Sync wire
// encoding of spec §6.3: one kind-tag byte per message, channel
// assignment implied by the kind, and scheme-delegated field encoding.
// This module defines the concrete byte layout itself, since no .proto-
// generated package exists in the example pack for this bespoke framing.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// Channel identifies one of the seven logical, flow-controlled channels.
type Channel uint8

const (
	ChannelReconciliation Channel = iota
	ChannelData
	ChannelIntersection
	ChannelCapability
	ChannelAreaOfInterest
	ChannelPayloadRequest
	ChannelStaticToken
	NumChannels
)

// Kind tags each message on the wire.
type Kind uint8

const (
	KindCommitmentReveal Kind = iota
	KindControlIssueGuarantee
	KindControlAbsolve
	KindControlPlead
	KindControlAnnounceDropping
	KindControlApologise
	KindControlFree
	KindPaiBindFragment
	KindPaiReplyFragment
	KindPaiRequestSubspaceCapability
	KindPaiReplySubspaceCapability
	KindSetupBindReadCapability
	KindSetupBindAreaOfInterest
	KindSetupBindStaticToken
	KindReconciliationSendFingerprint
	KindReconciliationAnnounceEntries
	KindReconciliationSendEntry
	KindReconciliationSendPayload
	KindDataSendEntry
	KindDataSendPayload
	KindDataBindPayloadRequest
	KindDataReplyPayload
	KindDataSetMetadata
)

// ChannelOf reports the logical channel a channelled kind is assigned to,
// and ok=false for unchannelled control messages (spec §6.2).
func ChannelOf(k Kind) (Channel, bool) {
	switch k {
	case KindPaiBindFragment, KindPaiReplyFragment, KindPaiRequestSubspaceCapability, KindPaiReplySubspaceCapability:
		return ChannelIntersection, true
	case KindSetupBindReadCapability:
		return ChannelCapability, true
	case KindSetupBindAreaOfInterest:
		return ChannelAreaOfInterest, true
	case KindSetupBindStaticToken:
		return ChannelStaticToken, true
	case KindReconciliationSendFingerprint, KindReconciliationAnnounceEntries, KindReconciliationSendEntry, KindReconciliationSendPayload:
		return ChannelReconciliation, true
	case KindDataSendEntry, KindDataSendPayload, KindDataBindPayloadRequest, KindDataReplyPayload:
		return ChannelData, true
	default:
		return 0, false
	}
}

// HandleType names one of the five session handle namespaces, used by
// ControlFree to disambiguate which HandleStore to mark.
type HandleType uint8

const (
	HandleIntersection HandleType = iota
	HandleCapability
	HandleAreaOfInterest
	HandleStaticToken
	HandlePayloadRequest
)

// --- low-level cursor helpers, mirroring entrystore's byteCursor idiom ---

type writer struct{ buf []byte }

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) uvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	w.buf = append(w.buf, tmp[:n]...)
}

func (w *writer) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) fixed64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *writer) boolean(b bool) {
	if b {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// optU64 encodes an optional u64 as a presence byte followed by the value
// if present (spec's `covers?:u64|none`).
func (w *writer) optU64(v uint64, present bool) {
	w.boolean(present)
	if present {
		w.fixed64(v)
	}
}

type reader struct {
	r io.Reader
}

func (c *reader) byte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, errors.Wrap(willow.ErrProtocolViolation, err.Error())
	}
	return b[0], nil
}

func (c *reader) uvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := c.byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, errors.Wrap(willow.ErrProtocolViolation, "wire: varint overflow")
		}
	}
}

func (c *reader) bytes() ([]byte, error) {
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, errors.Wrap(willow.ErrProtocolViolation, err.Error())
	}
	return buf, nil
}

func (c *reader) fixed64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(c.r, buf[:]); err != nil {
		return 0, errors.Wrap(willow.ErrProtocolViolation, err.Error())
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (c *reader) boolean() (bool, error) {
	b, err := c.byte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func (c *reader) optU64() (uint64, bool, error) {
	present, err := c.boolean()
	if err != nil || !present {
		return 0, false, err
	}
	v, err := c.fixed64()
	return v, true, err
}

func (w *writer) entry(e willow.Entry) {
	w.bytes(e.Namespace)
	w.bytes(e.Subspace)
	w.uvarint(uint64(len(e.Path)))
	for _, comp := range e.Path {
		w.bytes(comp)
	}
	w.fixed64(e.Timestamp)
	w.fixed64(e.PayloadLength)
	w.bytes(e.PayloadDigest)
}

func (c *reader) entry() (willow.Entry, error) {
	var e willow.Entry
	ns, err := c.bytes()
	if err != nil {
		return e, err
	}
	e.Namespace = willow.NamespaceID(ns)
	ss, err := c.bytes()
	if err != nil {
		return e, err
	}
	e.Subspace = willow.SubspaceID(ss)
	n, err := c.uvarint()
	if err != nil {
		return e, err
	}
	path := make(willow.Path, 0, n)
	for i := uint64(0); i < n; i++ {
		comp, err := c.bytes()
		if err != nil {
			return e, err
		}
		path = append(path, comp)
	}
	e.Path = path
	if e.Timestamp, err = c.fixed64(); err != nil {
		return e, err
	}
	if e.PayloadLength, err = c.fixed64(); err != nil {
		return e, err
	}
	digest, err := c.bytes()
	if err != nil {
		return e, err
	}
	e.PayloadDigest = willow.PayloadDigest(digest)
	return e, nil
}

func (w *writer) lengthyEntry(e willow.LengthyEntry) {
	w.entry(e.Entry)
	w.fixed64(e.Available)
}

func (c *reader) lengthyEntry() (willow.LengthyEntry, error) {
	e, err := c.entry()
	if err != nil {
		return willow.LengthyEntry{}, err
	}
	avail, err := c.fixed64()
	if err != nil {
		return willow.LengthyEntry{}, err
	}
	return willow.LengthyEntry{Entry: e, Available: avail}, nil
}

func (w *writer) range3d(r willow.Range3d) {
	w.optSubspace(r.SubspaceRange.Start)
	w.optSubspace(r.SubspaceRange.End)
	w.path(r.PathRange.Start)
	w.path(r.PathRange.End)
	w.fixed64(r.TimeRange.Start)
	w.fixed64(r.TimeRange.End)
}

func (c *reader) range3d() (willow.Range3d, error) {
	var r willow.Range3d
	var err error
	if r.SubspaceRange.Start, err = c.optSubspace(); err != nil {
		return r, err
	}
	if r.SubspaceRange.End, err = c.optSubspace(); err != nil {
		return r, err
	}
	if r.PathRange.Start, err = c.path(); err != nil {
		return r, err
	}
	if r.PathRange.End, err = c.path(); err != nil {
		return r, err
	}
	if r.TimeRange.Start, err = c.fixed64(); err != nil {
		return r, err
	}
	if r.TimeRange.End, err = c.fixed64(); err != nil {
		return r, err
	}
	return r, nil
}

func (w *writer) optSubspace(s willow.SubspaceID) {
	w.boolean(s != nil)
	if s != nil {
		w.bytes(s)
	}
}

func (c *reader) optSubspace() (willow.SubspaceID, error) {
	present, err := c.boolean()
	if err != nil || !present {
		return nil, err
	}
	b, err := c.bytes()
	return willow.SubspaceID(b), err
}

func (w *writer) path(p willow.Path) {
	w.boolean(p != nil)
	if p == nil {
		return
	}
	w.uvarint(uint64(len(p)))
	for _, comp := range p {
		w.bytes(comp)
	}
}

func (c *reader) path() (willow.Path, error) {
	present, err := c.boolean()
	if err != nil || !present {
		return nil, err
	}
	n, err := c.uvarint()
	if err != nil {
		return nil, err
	}
	path := make(willow.Path, 0, n)
	for i := uint64(0); i < n; i++ {
		comp, err := c.bytes()
		if err != nil {
			return nil, err
		}
		path = append(path, comp)
	}
	return path, nil
}

func (w *writer) area(a willow.Area) {
	w.optSubspace(a.Subspace)
	w.uvarint(uint64(len(a.PathPrefix)))
	for _, comp := range a.PathPrefix {
		w.bytes(comp)
	}
	w.fixed64(a.TimeRange.Start)
	w.fixed64(a.TimeRange.End)
}

func (c *reader) area() (willow.Area, error) {
	var a willow.Area
	var err error
	if a.Subspace, err = c.optSubspace(); err != nil {
		return a, err
	}
	n, err := c.uvarint()
	if err != nil {
		return a, err
	}
	path := make(willow.Path, 0, n)
	for i := uint64(0); i < n; i++ {
		comp, err := c.bytes()
		if err != nil {
			return a, err
		}
		path = append(path, comp)
	}
	a.PathPrefix = path
	if a.TimeRange.Start, err = c.fixed64(); err != nil {
		return a, err
	}
	if a.TimeRange.End, err = c.fixed64(); err != nil {
		return a, err
	}
	return a, nil
}

func (w *writer) areaOfInterest(a willow.AreaOfInterest) {
	w.area(a.Area)
	w.fixed64(a.MaxCount)
	w.fixed64(a.MaxSize)
}

func (c *reader) areaOfInterest() (willow.AreaOfInterest, error) {
	var aoi willow.AreaOfInterest
	var err error
	if aoi.Area, err = c.area(); err != nil {
		return aoi, err
	}
	if aoi.MaxCount, err = c.fixed64(); err != nil {
		return aoi, err
	}
	if aoi.MaxSize, err = c.fixed64(); err != nil {
		return aoi, err
	}
	return aoi, nil
}
