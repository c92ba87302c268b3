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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuaranteedQueuePushWaitsForGuarantees(t *testing.T) {
	q := NewGuaranteedQueue()
	q.Push([]byte("abc")) // 3 bytes, no guarantees yet: stays pending

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok, err := q.Next(ctx)
	require.False(t, ok)
	require.Error(t, err)

	q.AddGuarantees(3)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	chunk, ok, err := q.Next(ctx2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("abc"), chunk)
}

func TestGuaranteedQueueDrainsInFIFOOrder(t *testing.T) {
	q := NewGuaranteedQueue()
	q.AddGuarantees(100)
	q.Push([]byte("first"))
	q.Push([]byte("second"))

	ctx := context.Background()
	c1, ok, err := q.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), c1)

	c2, ok, err := q.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), c2)
}

func TestGuaranteedQueuePlead(t *testing.T) {
	q := NewGuaranteedQueue()
	q.AddGuarantees(10)

	absolved := q.Plead(4)
	require.EqualValues(t, 6, absolved)

	absolved = q.Plead(10) // already below target: no-op
	require.EqualValues(t, 0, absolved)
}

func TestGuaranteedQueueAbsolve(t *testing.T) {
	q := NewGuaranteedQueue()
	q.AddGuarantees(10)
	q.Absolve(3)
	q.Push(make([]byte, 7))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ok, err := q.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok) // exactly 7 guarantees remained, matching the chunk size

	// Absolving past zero clamps rather than underflowing.
	q.Absolve(1000)
	q.Push([]byte("x"))
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, ok, err = q.Next(ctx2)
	require.False(t, ok)
	require.Error(t, err)
}

func TestGuaranteedQueueCloseUnblocksNext(t *testing.T) {
	q := NewGuaranteedQueue()

	done := make(chan struct{})
	var ok bool
	go func() {
		_, ok, _ = q.Next(context.Background())
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after Close")
	}
	require.False(t, ok)
}
