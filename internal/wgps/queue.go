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

// Package wgps implements the Willow General Purpose Sync session layer:
// the guaranteed-delivery flow control, the framed wire protocol, and the
// coordinator that drives private-area intersection, reconciliation, and
// data transfer over one multiplexed transport (spec §4.5-§4.13, §6).
package wgps

import (
	"context"
	"sync"
)

// GuaranteedQueue is the per-logical-channel outbound flow-control queue
// of spec §4.5: Push appends whole chunks, AddGuarantees increases the
// spending budget and drains whatever pending chunks now fit, and Next
// lets the transport writer pull outgoing chunks one at a time.
type GuaranteedQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	guarantees uint64
	pending    [][]byte
	outgoing   [][]byte
	closed     bool
}

// NewGuaranteedQueue constructs an empty queue with zero guarantees.
func NewGuaranteedQueue() *GuaranteedQueue {
	q := &GuaranteedQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends bytes to the pending FIFO; it is moved to outgoing once
// enough guarantees are available.
func (q *GuaranteedQueue) Push(b []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, b)
	q.drainLocked()
}

// AddGuarantees increases the spending budget by n and drains as much of
// the pending FIFO into outgoing as now fits.
func (q *GuaranteedQueue) AddGuarantees(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.guarantees += n
	q.drainLocked()
}

func (q *GuaranteedQueue) drainLocked() {
	for len(q.pending) > 0 && uint64(len(q.pending[0])) <= q.guarantees {
		head := q.pending[0]
		q.pending = q.pending[1:]
		q.guarantees -= uint64(len(head))
		q.outgoing = append(q.outgoing, head)
	}
	if len(q.outgoing) > 0 {
		q.cond.Broadcast()
	}
}

// Plead reduces guarantees down to target (no-op if already at or below),
// returning the amount absolved.
func (q *GuaranteedQueue) Plead(target uint64) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.guarantees <= target {
		return 0
	}
	absolved := q.guarantees - target
	q.guarantees = target
	return absolved
}

// Absolve reduces guarantees by n directly (clamped at zero), in response
// to a peer's ControlAbsolve.
func (q *GuaranteedQueue) Absolve(n uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n >= q.guarantees {
		q.guarantees = 0
		return
	}
	q.guarantees -= n
}

// Next blocks until an outgoing chunk is available, the queue is closed
// (returning ok=false), or ctx is cancelled (returning ctx.Err()).
func (q *GuaranteedQueue) Next(ctx context.Context) (chunk []byte, ok bool, err error) {
	unblock := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-unblock:
		}
	}()
	defer close(unblock)

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.outgoing) == 0 && !q.closed {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		q.cond.Wait()
	}
	if len(q.outgoing) == 0 {
		return nil, false, nil
	}
	chunk = q.outgoing[0]
	q.outgoing = q.outgoing[1:]
	return chunk, true, nil
}

// Close unblocks any pending Next call, signalling no more chunks will
// arrive.
func (q *GuaranteedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
