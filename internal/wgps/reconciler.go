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

package wgps

import (
	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// sendEntriesThreshold is the size below which a reconciler announces
// entries directly instead of splitting further (spec §4.9).
const sendEntriesThreshold = 8

// FingerprintOut is a ReconciliationSendFingerprint's payload, handle
// fields filled in by the coordinator when queuing it.
type FingerprintOut struct {
	Range       willow.Range3d
	Fingerprint willow.Fingerprint
	Covers      uint64
	HasCovers   bool
}

// AnnounceOut is a ReconciliationAnnounceEntries's payload; the coordinator
// passes it to the Announcer, which yields the entries in Range, and queues
// one ReconciliationSendEntry per entry (with static token handles resolved
// by the Announcer).
type AnnounceOut struct {
	Range        willow.Range3d
	Count        uint64
	WantResponse bool
	Covers       uint64
	HasCovers    bool
}

// Reconciler runs 3D range-based set reconciliation for one intersecting
// (ours, theirs) AOI-handle pair (spec §4.9). Rather than exposing async
// iterables, Respond and NewReconciler return the messages to emit
// directly: the single-threaded coordinator calls them inline from its
// dispatch loop and pushes the results onto the reconciliation channel's
// GuaranteedQueue.
type Reconciler struct {
	store        *store.Store
	OursHandle   uint64
	TheirsHandle uint64

	// ourRangeCounter increments once per range-defining message (a
	// fingerprint or an announcement) we emit, giving the peer a value to
	// cite back in a later covers field.
	ourRangeCounter uint64

	// theirRangeCounter increments once per range-defining message we
	// receive from the peer on this line. Since the wire carries no
	// explicit counter field, both sides derive the same value by tallying
	// inbound range messages in order — the coordinator reads it via
	// NoteIncomingRange before calling Respond, and echoes it back as the
	// covers value of its reply.
	theirRangeCounter uint64
}

// NoteIncomingRange records receipt of one range-defining message (a
// fingerprint or an announcement) from the peer and returns the resulting
// counter value, to be echoed back as a covers value.
func (r *Reconciler) NoteIncomingRange() uint64 {
	r.theirRangeCounter++
	return r.theirRangeCounter
}

// NewReconciler constructs a Reconciler for the intersection of oursRange
// and theirsRange (already normalised via Store.AreaOfInterestToRange by
// the caller) and, if weAreInitiator, returns the opening fingerprint
// message.
func NewReconciler(st *store.Store, oursHandle, theirsHandle uint64, oursRange, theirsRange willow.Range3d, weAreInitiator bool) (*Reconciler, *FingerprintOut, error) {
	r := &Reconciler{store: st, OursHandle: oursHandle, TheirsHandle: theirsHandle}
	initial := intersectRange3d(oursRange, theirsRange)
	if !weAreInitiator {
		return r, nil, nil
	}
	summary, err := st.Summarise(initial)
	if err != nil {
		return nil, nil, err
	}
	r.ourRangeCounter++
	return r, &FingerprintOut{Range: initial, Fingerprint: summary.Fingerprint, HasCovers: false}, nil
}

// Respond implements spec §4.9's respond(range, their_fingerprint,
// their_range_counter): it either closes the range, announces its
// entries, or splits it into two sub-ranges and emits fingerprints for
// each. The caller must have already called NoteIncomingRange for the
// message carrying fingerprint/rng, whose return value becomes the covers
// value echoed in this response.
func (r *Reconciler) Respond(rng willow.Range3d, theirFingerprint willow.Fingerprint) ([]FingerprintOut, *AnnounceOut, error) {
	theirRangeCounter := r.theirRangeCounter
	summary, err := r.store.Summarise(rng)
	if err != nil {
		return nil, nil, err
	}

	if fingerprintsEqual(summary.Fingerprint, theirFingerprint) {
		r.ourRangeCounter++
		return nil, &AnnounceOut{Range: rng, Count: 0, WantResponse: false, Covers: theirRangeCounter, HasCovers: true}, nil
	}

	if summary.Size <= sendEntriesThreshold {
		r.ourRangeCounter++
		return nil, &AnnounceOut{Range: rng, Count: summary.Size, WantResponse: true, Covers: theirRangeCounter, HasCovers: true}, nil
	}

	left, right, err := r.store.SplitRange(rng, summary.Size)
	if err != nil {
		return nil, nil, err
	}
	leftSummary, err := r.store.Summarise(left)
	if err != nil {
		return nil, nil, err
	}
	rightSummary, err := r.store.Summarise(right)
	if err != nil {
		return nil, nil, err
	}
	r.ourRangeCounter += 2
	return []FingerprintOut{
		{Range: left, Fingerprint: leftSummary.Fingerprint, HasCovers: false},
		{Range: right, Fingerprint: rightSummary.Fingerprint, Covers: theirRangeCounter, HasCovers: true},
	}, nil, nil
}

func fingerprintsEqual(a, b willow.Fingerprint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// intersectRange3d returns the rectangular intersection of a and b. If they
// do not overlap on some dimension, that dimension's result has its start
// at or past its end; the caller is expected to have already confirmed
// overlap via AoiIntersectionFinder before constructing a Reconciler.
func intersectRange3d(a, b willow.Range3d) willow.Range3d {
	return willow.Range3d{
		SubspaceRange: intersectSubspaceRange(a.SubspaceRange, b.SubspaceRange),
		PathRange:     intersectPathRange(a.PathRange, b.PathRange),
		TimeRange:     intersectTimeRange(a.TimeRange, b.TimeRange),
	}
}

func intersectSubspaceRange(a, b willow.SubspaceRange) willow.SubspaceRange {
	out := a
	if b.Start != nil && (out.Start == nil || bytesGreater(b.Start, out.Start)) {
		out.Start = b.Start
	}
	if b.End != nil && (out.End == nil || bytesGreater(out.End, b.End)) {
		out.End = b.End
	}
	return out
}

func intersectPathRange(a, b willow.PathRange) willow.PathRange {
	out := a
	if b.Start != nil && (out.Start == nil || b.Start.Compare(out.Start) > 0) {
		out.Start = b.Start
	}
	if b.End != nil && (out.End == nil || out.End.Compare(b.End) > 0) {
		out.End = b.End
	}
	return out
}

func intersectTimeRange(a, b willow.U64Range) willow.U64Range {
	out := a
	if b.Start > out.Start {
		out.Start = b.Start
	}
	if b.End != willow.OpenEnd && (out.End == willow.OpenEnd || b.End < out.End) {
		out.End = b.End
	}
	return out
}

func bytesGreater(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) > len(b)
}
