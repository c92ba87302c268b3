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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/scheme"
	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

func ingestBareEntry(t *testing.T, s *store.Store, signer scheme.Ed25519Signer, path willow.Path, payload []byte) willow.Entry {
	t.Helper()
	digest, length, err := scheme.Blake2bPayloadScheme{}.Digest(bytes.NewReader(payload))
	require.NoError(t, err)
	entry := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          path,
		Timestamp:     1,
		PayloadLength: length,
		PayloadDigest: digest,
	}
	token, err := signer.Authorise(entry)
	require.NoError(t, err)
	event, err := s.IngestEntry(entry, token, "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)
	return entry
}

func TestPayloadIngesterTargetAlreadyHeld(t *testing.T) {
	s, _ := newFixtureStore(t)
	event, err := s.Set(store.SetInput{Path: willow.Path{[]byte("a")}, Subspace: willow.SubspaceID("alice"), Payload: bytes.NewReader([]byte("hi"))})
	require.NoError(t, err)

	ing := NewPayloadIngester(s, nil)
	candidate, err := ing.Target(event.Entry, 0, false)
	require.NoError(t, err)
	require.Nil(t, candidate)
	require.Equal(t, IngesterUninitialised, ing.State())

	candidate, err = ing.Target(event.Entry, 0, true)
	require.NoError(t, err)
	require.NotNil(t, candidate)
	require.Equal(t, event.Entry, *candidate)
}

func TestPayloadIngesterPushCompletesTransfer(t *testing.T) {
	s, signer := newFixtureStore(t)
	entry := ingestBareEntry(t, s, signer, willow.Path{[]byte("a")}, []byte("hello"))

	ing := NewPayloadIngester(s, nil)
	_, err := ing.Target(entry, 0, false)
	require.NoError(t, err)
	require.Equal(t, IngesterPending, ing.State())

	event, err := ing.Push([]byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, store.PayloadIngestSuccess, event.Outcome)
	require.Equal(t, IngesterUninitialised, ing.State())

	held, err := s.PayloadHeld(entry.PayloadDigest)
	require.NoError(t, err)
	require.EqualValues(t, 5, held)
}

func TestPayloadIngesterPushDataMismatch(t *testing.T) {
	s, signer := newFixtureStore(t)
	entry := ingestBareEntry(t, s, signer, willow.Path{[]byte("a")}, []byte("hello"))

	ing := NewPayloadIngester(s, nil)
	_, err := ing.Target(entry, 0, false)
	require.NoError(t, err)

	event, err := ing.Push([]byte("wrong"), true)
	require.NoError(t, err)
	require.Equal(t, store.PayloadIngestDataMismatch, event.Outcome)
	require.Equal(t, IngesterUninitialised, ing.State())
}

func TestPayloadIngesterPushAppliesTransform(t *testing.T) {
	s, signer := newFixtureStore(t)
	entry := ingestBareEntry(t, s, signer, willow.Path{[]byte("a")}, []byte("hello"))

	ing := NewPayloadIngester(s, func(b []byte) []byte {
		out := make([]byte, len(b))
		for i, c := range b {
			out[i] = c - 1
		}
		return out
	})
	_, err := ing.Target(entry, 0, false)
	require.NoError(t, err)

	// "ifmmp" decrypts (via the transform) to "hello".
	event, err := ing.Push([]byte("ifmmp"), true)
	require.NoError(t, err)
	require.Equal(t, store.PayloadIngestSuccess, event.Outcome)
}

func TestPayloadIngesterTerminateClearsPendingCandidate(t *testing.T) {
	s, _ := newFixtureStore(t)
	event, err := s.Set(store.SetInput{Path: willow.Path{[]byte("a")}, Subspace: willow.SubspaceID("alice"), Payload: bytes.NewReader([]byte("hi"))})
	require.NoError(t, err)

	ing := NewPayloadIngester(s, nil)
	_, err = ing.Target(event.Entry, 0, true)
	require.NoError(t, err)

	candidate := ing.Terminate()
	require.NotNil(t, candidate)
	require.Equal(t, IngesterCancelled, ing.State())

	require.Nil(t, ing.Terminate())
}
