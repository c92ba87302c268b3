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

package wire

import (
	"io"

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// Message is any decoded wire message; Kind identifies its concrete type
// for a type switch, and Encode produces its framed bytes (tag included).
type Message interface {
	Kind() Kind
	Encode() []byte
}

type CommitmentReveal struct{ Nonce []byte }

func (CommitmentReveal) Kind() Kind { return KindCommitmentReveal }
func (m CommitmentReveal) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindCommitmentReveal))
	w.bytes(m.Nonce)
	return w.buf
}

type ControlIssueGuarantee struct {
	Channel Channel
	Amount  uint64
}

func (ControlIssueGuarantee) Kind() Kind { return KindControlIssueGuarantee }
func (m ControlIssueGuarantee) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlIssueGuarantee))
	w.byte(byte(m.Channel))
	w.fixed64(m.Amount)
	return w.buf
}

type ControlAbsolve struct {
	Channel Channel
	Amount  uint64
}

func (ControlAbsolve) Kind() Kind { return KindControlAbsolve }
func (m ControlAbsolve) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlAbsolve))
	w.byte(byte(m.Channel))
	w.fixed64(m.Amount)
	return w.buf
}

type ControlPlead struct {
	Channel Channel
	Target  uint64
}

func (ControlPlead) Kind() Kind { return KindControlPlead }
func (m ControlPlead) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlPlead))
	w.byte(byte(m.Channel))
	w.fixed64(m.Target)
	return w.buf
}

type ControlAnnounceDropping struct{ Channel Channel }

func (ControlAnnounceDropping) Kind() Kind { return KindControlAnnounceDropping }
func (m ControlAnnounceDropping) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlAnnounceDropping))
	w.byte(byte(m.Channel))
	return w.buf
}

type ControlApologise struct{ Channel Channel }

func (ControlApologise) Kind() Kind { return KindControlApologise }
func (m ControlApologise) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlApologise))
	w.byte(byte(m.Channel))
	return w.buf
}

type ControlFree struct {
	Handle     uint64
	HandleType HandleType
	Mine       bool
}

func (ControlFree) Kind() Kind { return KindControlFree }
func (m ControlFree) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindControlFree))
	w.fixed64(m.Handle)
	w.byte(byte(m.HandleType))
	w.boolean(m.Mine)
	return w.buf
}

type PaiBindFragment struct {
	GroupMember willow.PaiGroupElement
	IsSecondary bool
}

func (PaiBindFragment) Kind() Kind { return KindPaiBindFragment }
func (m PaiBindFragment) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindPaiBindFragment))
	w.bytes(m.GroupMember)
	w.boolean(m.IsSecondary)
	return w.buf
}

type PaiReplyFragment struct {
	Handle      uint64
	GroupMember willow.PaiGroupElement
}

func (PaiReplyFragment) Kind() Kind { return KindPaiReplyFragment }
func (m PaiReplyFragment) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindPaiReplyFragment))
	w.fixed64(m.Handle)
	w.bytes(m.GroupMember)
	return w.buf
}

type PaiRequestSubspaceCapability struct{ Handle uint64 }

func (PaiRequestSubspaceCapability) Kind() Kind { return KindPaiRequestSubspaceCapability }
func (m PaiRequestSubspaceCapability) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindPaiRequestSubspaceCapability))
	w.fixed64(m.Handle)
	return w.buf
}

type PaiReplySubspaceCapability struct {
	Handle     uint64
	Capability []byte
	Signature  []byte
}

func (PaiReplySubspaceCapability) Kind() Kind { return KindPaiReplySubspaceCapability }
func (m PaiReplySubspaceCapability) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindPaiReplySubspaceCapability))
	w.fixed64(m.Handle)
	w.bytes(m.Capability)
	w.bytes(m.Signature)
	return w.buf
}

type SetupBindReadCapability struct {
	Capability []byte
	Handle     uint64
	Signature  []byte
}

func (SetupBindReadCapability) Kind() Kind { return KindSetupBindReadCapability }
func (m SetupBindReadCapability) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindSetupBindReadCapability))
	w.bytes(m.Capability)
	w.fixed64(m.Handle)
	w.bytes(m.Signature)
	return w.buf
}

type SetupBindAreaOfInterest struct {
	AreaOfInterest   willow.AreaOfInterest
	AuthorisationCap uint64
}

func (SetupBindAreaOfInterest) Kind() Kind { return KindSetupBindAreaOfInterest }
func (m SetupBindAreaOfInterest) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindSetupBindAreaOfInterest))
	w.areaOfInterest(m.AreaOfInterest)
	w.fixed64(m.AuthorisationCap)
	return w.buf
}

type SetupBindStaticToken struct{ StaticToken willow.StaticToken }

func (SetupBindStaticToken) Kind() Kind { return KindSetupBindStaticToken }
func (m SetupBindStaticToken) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindSetupBindStaticToken))
	w.bytes(m.StaticToken)
	return w.buf
}

type ReconciliationSendFingerprint struct {
	Range          willow.Range3d
	Fingerprint    willow.Fingerprint
	SenderHandle   uint64
	ReceiverHandle uint64
	Covers         uint64
	HasCovers      bool
}

func (ReconciliationSendFingerprint) Kind() Kind { return KindReconciliationSendFingerprint }
func (m ReconciliationSendFingerprint) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindReconciliationSendFingerprint))
	w.range3d(m.Range)
	w.bytes(m.Fingerprint)
	w.fixed64(m.SenderHandle)
	w.fixed64(m.ReceiverHandle)
	w.optU64(m.Covers, m.HasCovers)
	return w.buf
}

type ReconciliationAnnounceEntries struct {
	Count          uint64
	Range          willow.Range3d
	WantResponse   bool
	WillSort       bool
	SenderHandle   uint64
	ReceiverHandle uint64
	Covers         uint64
	HasCovers      bool
}

func (ReconciliationAnnounceEntries) Kind() Kind { return KindReconciliationAnnounceEntries }
func (m ReconciliationAnnounceEntries) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindReconciliationAnnounceEntries))
	w.fixed64(m.Count)
	w.range3d(m.Range)
	w.boolean(m.WantResponse)
	w.boolean(m.WillSort)
	w.fixed64(m.SenderHandle)
	w.fixed64(m.ReceiverHandle)
	w.optU64(m.Covers, m.HasCovers)
	return w.buf
}

type ReconciliationSendEntry struct {
	Entry             willow.LengthyEntry
	StaticTokenHandle uint64
	DynamicToken      willow.DynamicToken
}

func (ReconciliationSendEntry) Kind() Kind { return KindReconciliationSendEntry }
func (m ReconciliationSendEntry) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindReconciliationSendEntry))
	w.lengthyEntry(m.Entry)
	w.fixed64(m.StaticTokenHandle)
	w.bytes(m.DynamicToken)
	return w.buf
}

type ReconciliationSendPayload struct {
	Amount uint64
	Bytes  []byte
}

func (ReconciliationSendPayload) Kind() Kind { return KindReconciliationSendPayload }
func (m ReconciliationSendPayload) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindReconciliationSendPayload))
	w.fixed64(m.Amount)
	w.bytes(m.Bytes)
	return w.buf
}

type DataSendEntry struct {
	Entry             willow.Entry
	Offset            uint64
	StaticTokenHandle uint64
	DynamicToken      willow.DynamicToken
}

func (DataSendEntry) Kind() Kind { return KindDataSendEntry }
func (m DataSendEntry) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindDataSendEntry))
	w.entry(m.Entry)
	w.fixed64(m.Offset)
	w.fixed64(m.StaticTokenHandle)
	w.bytes(m.DynamicToken)
	return w.buf
}

type DataSendPayload struct {
	Amount uint64
	Bytes  []byte
}

func (DataSendPayload) Kind() Kind { return KindDataSendPayload }
func (m DataSendPayload) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindDataSendPayload))
	w.fixed64(m.Amount)
	w.bytes(m.Bytes)
	return w.buf
}

type DataBindPayloadRequest struct {
	Entry      willow.Entry
	Offset     uint64
	Capability uint64
}

func (DataBindPayloadRequest) Kind() Kind { return KindDataBindPayloadRequest }
func (m DataBindPayloadRequest) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindDataBindPayloadRequest))
	w.entry(m.Entry)
	w.fixed64(m.Offset)
	w.fixed64(m.Capability)
	return w.buf
}

type DataReplyPayload struct{ Handle uint64 }

func (DataReplyPayload) Kind() Kind { return KindDataReplyPayload }
func (m DataReplyPayload) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindDataReplyPayload))
	w.fixed64(m.Handle)
	return w.buf
}

// DataSetMetadata carries opaque bytes whose semantics spec §9's open
// questions leave unspecified; it is decoded and then ignored by the
// coordinator.
type DataSetMetadata struct{ Payload []byte }

func (DataSetMetadata) Kind() Kind { return KindDataSetMetadata }
func (m DataSetMetadata) Encode() []byte {
	w := &writer{}
	w.byte(byte(KindDataSetMetadata))
	w.bytes(m.Payload)
	return w.buf
}

// Decode reads exactly one framed message from r, dispatching on its
// leading kind tag.
func Decode(r io.Reader) (Message, error) {
	c := &reader{r: r}
	kindByte, err := c.byte()
	if err != nil {
		return nil, err
	}
	switch Kind(kindByte) {
	case KindCommitmentReveal:
		nonce, err := c.bytes()
		return CommitmentReveal{Nonce: nonce}, err
	case KindControlIssueGuarantee:
		ch, err := c.byte()
		if err != nil {
			return nil, err
		}
		amt, err := c.fixed64()
		return ControlIssueGuarantee{Channel: Channel(ch), Amount: amt}, err
	case KindControlAbsolve:
		ch, err := c.byte()
		if err != nil {
			return nil, err
		}
		amt, err := c.fixed64()
		return ControlAbsolve{Channel: Channel(ch), Amount: amt}, err
	case KindControlPlead:
		ch, err := c.byte()
		if err != nil {
			return nil, err
		}
		target, err := c.fixed64()
		return ControlPlead{Channel: Channel(ch), Target: target}, err
	case KindControlAnnounceDropping:
		ch, err := c.byte()
		return ControlAnnounceDropping{Channel: Channel(ch)}, err
	case KindControlApologise:
		ch, err := c.byte()
		return ControlApologise{Channel: Channel(ch)}, err
	case KindControlFree:
		h, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		ht, err := c.byte()
		if err != nil {
			return nil, err
		}
		mine, err := c.boolean()
		return ControlFree{Handle: h, HandleType: HandleType(ht), Mine: mine}, err
	case KindPaiBindFragment:
		member, err := c.bytes()
		if err != nil {
			return nil, err
		}
		secondary, err := c.boolean()
		return PaiBindFragment{GroupMember: member, IsSecondary: secondary}, err
	case KindPaiReplyFragment:
		h, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		member, err := c.bytes()
		return PaiReplyFragment{Handle: h, GroupMember: member}, err
	case KindPaiRequestSubspaceCapability:
		h, err := c.fixed64()
		return PaiRequestSubspaceCapability{Handle: h}, err
	case KindPaiReplySubspaceCapability:
		h, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		cap, err := c.bytes()
		if err != nil {
			return nil, err
		}
		sig, err := c.bytes()
		return PaiReplySubspaceCapability{Handle: h, Capability: cap, Signature: sig}, err
	case KindSetupBindReadCapability:
		cap, err := c.bytes()
		if err != nil {
			return nil, err
		}
		h, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		sig, err := c.bytes()
		return SetupBindReadCapability{Capability: cap, Handle: h, Signature: sig}, err
	case KindSetupBindAreaOfInterest:
		aoi, err := c.areaOfInterest()
		if err != nil {
			return nil, err
		}
		cap, err := c.fixed64()
		return SetupBindAreaOfInterest{AreaOfInterest: aoi, AuthorisationCap: cap}, err
	case KindSetupBindStaticToken:
		tok, err := c.bytes()
		return SetupBindStaticToken{StaticToken: willow.StaticToken(tok)}, err
	case KindReconciliationSendFingerprint:
		r3, err := c.range3d()
		if err != nil {
			return nil, err
		}
		fp, err := c.bytes()
		if err != nil {
			return nil, err
		}
		sender, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		receiver, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		covers, has, err := c.optU64()
		return ReconciliationSendFingerprint{Range: r3, Fingerprint: fp, SenderHandle: sender, ReceiverHandle: receiver, Covers: covers, HasCovers: has}, err
	case KindReconciliationAnnounceEntries:
		count, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		r3, err := c.range3d()
		if err != nil {
			return nil, err
		}
		wantResp, err := c.boolean()
		if err != nil {
			return nil, err
		}
		willSort, err := c.boolean()
		if err != nil {
			return nil, err
		}
		sender, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		receiver, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		covers, has, err := c.optU64()
		return ReconciliationAnnounceEntries{Count: count, Range: r3, WantResponse: wantResp, WillSort: willSort, SenderHandle: sender, ReceiverHandle: receiver, Covers: covers, HasCovers: has}, err
	case KindReconciliationSendEntry:
		le, err := c.lengthyEntry()
		if err != nil {
			return nil, err
		}
		sth, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		dyn, err := c.bytes()
		return ReconciliationSendEntry{Entry: le, StaticTokenHandle: sth, DynamicToken: dyn}, err
	case KindReconciliationSendPayload:
		amt, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		b, err := c.bytes()
		return ReconciliationSendPayload{Amount: amt, Bytes: b}, err
	case KindDataSendEntry:
		e, err := c.entry()
		if err != nil {
			return nil, err
		}
		off, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		sth, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		dyn, err := c.bytes()
		return DataSendEntry{Entry: e, Offset: off, StaticTokenHandle: sth, DynamicToken: dyn}, err
	case KindDataSendPayload:
		amt, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		b, err := c.bytes()
		return DataSendPayload{Amount: amt, Bytes: b}, err
	case KindDataBindPayloadRequest:
		e, err := c.entry()
		if err != nil {
			return nil, err
		}
		off, err := c.fixed64()
		if err != nil {
			return nil, err
		}
		cap, err := c.fixed64()
		return DataBindPayloadRequest{Entry: e, Offset: off, Capability: cap}, err
	case KindDataReplyPayload:
		h, err := c.fixed64()
		return DataReplyPayload{Handle: h}, err
	case KindDataSetMetadata:
		b, err := c.bytes()
		return DataSetMetadata{Payload: b}, err
	default:
		return nil, errors.Wrapf(willow.ErrProtocolViolation, "wire: unknown message kind %d", kindByte)
	}
}
