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

package handles_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/handles"
)

func TestBindAndGet(t *testing.T) {
	s := handles.New[string]()

	h := s.Bind("hello")
	v, ok := s.Get(h)
	require.True(t, ok)
	require.Equal(t, "hello", v)

	_, ok = s.Get(h + 1)
	require.False(t, ok)
}

func TestMarkForFreeingImmediateWhenNoReferences(t *testing.T) {
	s := handles.New[int]()
	h := s.Bind(7)

	require.NoError(t, s.MarkForFreeing(h))
	_, ok := s.Get(h)
	require.False(t, ok)
	require.False(t, s.CanUse(h))
}

func TestMarkForFreeingDeferredUntilLastReferenceDrops(t *testing.T) {
	s := handles.New[int]()
	h := s.Bind(7)

	require.NoError(t, s.IncrementReference(h))
	require.NoError(t, s.IncrementReference(h))
	require.NoError(t, s.MarkForFreeing(h))

	// CanUse reports false immediately, but outstanding references can
	// still resolve the value until each has decremented.
	require.False(t, s.CanUse(h))
	v, ok := s.Get(h)
	require.True(t, ok)
	require.Equal(t, 7, v)

	require.NoError(t, s.DecrementReference(h))
	require.NoError(t, s.DecrementReference(h))

	require.Error(t, s.DecrementReference(h)) // no entry left to decrement
}

func TestDecrementReferenceBelowZeroErrors(t *testing.T) {
	s := handles.New[int]()
	h := s.Bind(1)
	require.Error(t, s.DecrementReference(h))
}

func TestOperationsOnUnboundHandleError(t *testing.T) {
	s := handles.New[int]()
	require.Error(t, s.IncrementReference(99))
	require.Error(t, s.DecrementReference(99))
	require.Error(t, s.MarkForFreeing(99))
	require.False(t, s.CanUse(99))
}

func TestGetEventuallyBlocksUntilBound(t *testing.T) {
	s := handles.New[string]()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var got string
	var gerr error
	go func() {
		got, gerr = s.GetEventually(ctx, 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Bind("arrived")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetEventually did not unblock after Bind")
	}
	require.NoError(t, gerr)
	require.Equal(t, "arrived", got)
}

func TestGetEventuallyCancelled(t *testing.T) {
	s := handles.New[string]()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	var gerr error
	go func() {
		_, gerr = s.GetEventually(ctx, 0)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("GetEventually did not unblock after cancellation")
	}
	require.Error(t, gerr)
}

func TestBindAssignsMonotonicHandles(t *testing.T) {
	s := handles.New[int]()
	h1 := s.Bind(1)
	h2 := s.Bind(2)
	require.Equal(t, h1+1, h2)
}
