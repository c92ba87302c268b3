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
	"bytes"
	"sync"

	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// IngesterState is PayloadIngester's state machine of spec §4.12.
type IngesterState int

const (
	IngesterUninitialised IngesterState = iota
	IngesterPending
	IngesterActive
	IngesterCancelled
)

// PayloadIngester assembles an incoming payload's bytes into the Store,
// one DataSendPayload/ReconciliationSendPayload chunk at a time.
type PayloadIngester struct {
	store     *store.Store
	transform TransformPayload

	mu               sync.Mutex
	state            IngesterState
	target           willow.Entry
	offset           uint64
	pendingCandidate *willow.Entry
}

// NewPayloadIngester constructs an ingester writing into st, applying
// transform to each chunk before it reaches the store (the inverse of
// DataSender's transform, e.g. for decryption).
func NewPayloadIngester(st *store.Store, transform TransformPayload) *PayloadIngester {
	if transform == nil {
		transform = func(b []byte) []byte { return b }
	}
	return &PayloadIngester{store: st, transform: transform}
}

// Target sets the next entry whose payload bytes are about to arrive. If
// the payload is already fully held locally, no ingestion is needed; if
// requestIfImmediatelyTerminated is set, the entry is remembered and
// returned so the caller can still issue a DataBindPayloadRequest for it.
func (i *PayloadIngester) Target(entry willow.Entry, offset uint64, requestIfImmediatelyTerminated bool) (*willow.Entry, error) {
	held, err := i.store.PayloadHeld(entry.PayloadDigest)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if held >= entry.PayloadLength {
		i.state = IngesterUninitialised
		if requestIfImmediatelyTerminated {
			e := entry
			i.pendingCandidate = &e
			return i.pendingCandidate, nil
		}
		return nil, nil
	}
	i.state = IngesterPending
	i.target = entry
	i.offset = offset
	i.pendingCandidate = nil
	return nil, nil
}

// Push feeds the next chunk of bytes for the current target, advancing
// past decryption/transform, and drives store.IngestPayload. end signals
// the sender considers the transfer complete (used only to distinguish a
// deliberately short send from one still in flight; completeness is
// actually determined by the store matching payload_length).
func (i *PayloadIngester) Push(chunk []byte, end bool) (store.PayloadIngestEvent, error) {
	i.mu.Lock()
	if i.state == IngesterCancelled {
		i.mu.Unlock()
		return store.PayloadIngestEvent{}, nil
	}
	target := i.target
	offset := i.offset
	i.state = IngesterActive
	i.mu.Unlock()

	processed := i.transform(chunk)
	event, err := i.store.IngestPayload(store.EntryLocator{Subspace: target.Subspace, Path: target.Path}, bytes.NewReader(processed), offset)
	if err != nil {
		return event, err
	}

	i.mu.Lock()
	i.offset += uint64(len(processed))
	if event.Outcome == store.PayloadIngestSuccess || event.Outcome == store.PayloadIngestDataMismatch || end {
		i.state = IngesterUninitialised
	}
	i.mu.Unlock()
	return event, nil
}

// Offset returns how many payload bytes have been received so far for the
// current target.
func (i *PayloadIngester) Offset() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.offset
}

// TargetLength returns the payload_length of the entry currently targeted.
func (i *PayloadIngester) TargetLength() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.target.PayloadLength
}

// Terminate cancels any in-flight ingestion and returns the remembered
// pending candidate, if any, clearing it.
func (i *PayloadIngester) Terminate() *willow.Entry {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.state = IngesterCancelled
	c := i.pendingCandidate
	i.pendingCandidate = nil
	return c
}

// State reports the ingester's current machine state.
func (i *PayloadIngester) State() IngesterState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}
