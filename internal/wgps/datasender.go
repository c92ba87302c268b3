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
	"io"
	"sync"

	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// TransformPayload optionally transforms payload bytes before they are
// placed on the wire (e.g. for a future encryption layer); the identity
// function is used when no transform is configured.
type TransformPayload func([]byte) []byte

// PayloadRequestEntry is what a bound PayloadRequestHandle resolves to:
// the entry and starting offset a DataReplyPayload should stream from.
type PayloadRequestEntry struct {
	Entry  willow.Entry
	Offset uint64
}

type dataJob struct {
	isRequest         bool
	entry             willow.Entry
	offset            uint64
	staticTokenHandle uint64
	dynamicToken      willow.DynamicToken
	requestHandle     uint64
	requestEntry      willow.Entry
}

// DataSender queues entries and payload-request responses for
// transmission outside reconciliation, streaming each payload as a
// sequence of DataSendPayload chunks bounded by chunkSize (spec §4.11).
type DataSender struct {
	store     *store.Store
	transform TransformPayload
	chunkSize uint64

	mu    sync.Mutex
	queue []dataJob
}

// NewDataSender constructs a DataSender streaming payloads from st in
// chunks of at most chunkSize bytes, applying transform to each chunk (a
// nil transform is the identity).
func NewDataSender(st *store.Store, chunkSize uint64, transform TransformPayload) *DataSender {
	if transform == nil {
		transform = func(b []byte) []byte { return b }
	}
	return &DataSender{store: st, transform: transform, chunkSize: chunkSize}
}

// QueueEntry queues entry for transmission starting at offset via
// DataSendEntry, outside the reconciliation flow.
func (d *DataSender) QueueEntry(entry willow.Entry, staticTokenHandle uint64, dynamicToken willow.DynamicToken, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dataJob{entry: entry, offset: offset, staticTokenHandle: staticTokenHandle, dynamicToken: dynamicToken})
}

// QueuePayloadRequest queues a response to a bound payload request,
// resolved by the caller to the entry/offset it targets (the coordinator
// looks this up in handles_payload_requests_theirs before calling).
func (d *DataSender) QueuePayloadRequest(handle uint64, target PayloadRequestEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, dataJob{isRequest: true, requestHandle: handle, requestEntry: target.Entry, offset: target.Offset})
}

// Next pops the next queued job and returns its full message sequence: a
// DataSendEntry or DataReplyPayload, followed by the DataSendPayload
// chunks streaming the rest of that entry's payload from its offset.
func (d *DataSender) Next() ([]DataOutMessage, bool, error) {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return nil, false, nil
	}
	job := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()

	var entry willow.Entry
	var head DataOutMessage
	if job.isRequest {
		entry = job.requestEntry
		head = DataOutMessage{IsReplyPayload: true, ReplyHandle: job.requestHandle}
	} else {
		entry = job.entry
		head = DataOutMessage{
			SendEntry: &DataSendEntryOut{
				Entry:             entry,
				Offset:            job.offset,
				StaticTokenHandle: job.staticTokenHandle,
				DynamicToken:      job.dynamicToken,
			},
		}
	}

	out := []DataOutMessage{head}
	chunks, err := d.streamPayload(entry, job.offset)
	if err != nil {
		return nil, false, err
	}
	out = append(out, chunks...)
	return out, true, nil
}

func (d *DataSender) streamPayload(entry willow.Entry, offset uint64) ([]DataOutMessage, error) {
	r, length, err := d.store.OpenPayload(entry.PayloadDigest, offset)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out []DataOutMessage
	buf := make([]byte, d.chunkSize)
	pos := offset
	for pos < length {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			chunk := d.transform(append([]byte(nil), buf[:n]...))
			out = append(out, DataOutMessage{Payload: &DataSendPayloadOut{Amount: uint64(n), Bytes: chunk}})
			pos += uint64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DataOutMessage is one item of a DataSender.Next() result: exactly one
// of SendEntry, IsReplyPayload, or Payload is set.
type DataOutMessage struct {
	SendEntry      *DataSendEntryOut
	IsReplyPayload bool
	ReplyHandle    uint64
	Payload        *DataSendPayloadOut
}

type DataSendEntryOut struct {
	Entry             willow.Entry
	Offset            uint64
	StaticTokenHandle uint64
	DynamicToken      willow.DynamicToken
}

type DataSendPayloadOut struct {
	Amount uint64
	Bytes  []byte
}
