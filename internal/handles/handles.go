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

// Package handles implements the HandleStore of spec §4.4: a map from a
// monotonically increasing 64-bit handle to a value, with per-handle
// {value, marked_for_freeing, ref_count} state and deferred freeing.
package handles

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

type entry[V any] struct {
	value           V
	markedForFreeing bool
	refCount        int
}

// Store[V] is one handle namespace (e.g. IntersectionHandle,
// CapabilityHandle) bound to values of type V. The zero Store is not
// usable; construct with New.
type Store[V any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	entries map[uint64]*entry[V]
}

// New constructs an empty Store.
func New[V any]() *Store[V] {
	s := &Store[V]{entries: make(map[uint64]*entry[V])}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Bind assigns the next handle to value and returns it.
func (s *Store[V]) Bind(value V) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.next
	s.next++
	s.entries[h] = &entry[V]{value: value}
	s.cond.Broadcast() // wake any GetEventually callers waiting on this handle
	return h
}

// Get returns the value bound to h, or ok=false if h is unbound or has been
// marked for freeing with zero outstanding references.
func (s *Store[V]) Get(h uint64) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, present := s.entries[h]
	if !present {
		return value, false
	}
	if e.markedForFreeing && e.refCount == 0 {
		return value, false
	}
	return e.value, true
}

// GetEventually blocks until h is bound (which may be immediately, if it
// already is), returning its value, or returns an error if ctx is
// cancelled first. It does not wait past marking-for-freeing: a handle
// that existed and then became unusable still resolves, since the binder
// guarantees any handle cited by an in-flight message remains valid for
// the caller that incremented its reference (spec's handle-freeing law).
func (s *Store[V]) GetEventually(ctx context.Context, h uint64) (V, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.cond.Broadcast() // unstick the waiter below on cancellation too
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if e, present := s.entries[h]; present {
			return e.value, nil
		}
		if ctx.Err() != nil {
			var zero V
			return zero, errors.Wrap(willow.ErrProtocolViolation, ctx.Err().Error())
		}
		s.cond.Wait()
	}
}

// IncrementReference records one more pending use of h, required before an
// asynchronous operation may hold onto h across a suspension point.
func (s *Store[V]) IncrementReference(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.Wrapf(willow.ErrProtocolViolation, "handles: increment_reference on unbound handle %d", h)
	}
	e.refCount++
	return nil
}

// DecrementReference releases one pending use of h, deleting its entry if
// it was marked for freeing and this was the last reference.
func (s *Store[V]) DecrementReference(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.Wrapf(willow.ErrProtocolViolation, "handles: decrement_reference on unbound handle %d", h)
	}
	if e.refCount == 0 {
		return errors.Wrapf(willow.ErrProtocolViolation, "handles: decrement_reference below zero for handle %d", h)
	}
	e.refCount--
	if e.markedForFreeing && e.refCount == 0 {
		delete(s.entries, h)
	}
	return nil
}

// MarkForFreeing hides h from new users (CanUse reports it unusable at
// once; Get keeps resolving it while references are outstanding) and
// deletes its entry once ref_count reaches 0 — immediately, if there are no
// outstanding references right now.
func (s *Store[V]) MarkForFreeing(h uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return errors.Wrapf(willow.ErrProtocolViolation, "handles: mark_for_freeing on unbound handle %d", h)
	}
	e.markedForFreeing = true
	if e.refCount == 0 {
		delete(s.entries, h)
	}
	return nil
}

// CanUse reports whether new operations may cite h.
func (s *Store[V]) CanUse(h uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	return ok && !e.markedForFreeing
}
