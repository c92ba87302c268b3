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

package store_test

import (
	"bytes"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/payloadstore"
	"github.com/erigontech/willowsync/internal/scheme"
	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// newTestStore assembles a full Store with a real, file-backed bbolt
// database, an in-memory payload filesystem, and the concrete schemes
// from internal/scheme, so scenario tests exercise the same wiring
// production code uses.
func newTestStore(t *testing.T) (*store.Store, scheme.Ed25519Signer) {
	t.Helper()

	db, err := kv.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	payloads, err := payloadstore.New(afero.NewMemMapFs(), scheme.Blake2bPayloadScheme{})
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := scheme.NewEd25519Signer(priv)

	schemes := willow.SchemeSet{
		Subspace:    scheme.LexSubspaceScheme{},
		Path:        scheme.NewDefaultPathScheme(),
		Payload:     scheme.Blake2bPayloadScheme{},
		Fingerprint: scheme.XorFingerprintScheme{},
		Auth:        scheme.Ed25519AuthScheme{},
		Pai:         scheme.Curve25519PaiScheme{},
	}

	s, err := store.Open(willow.NamespaceID("ns"), db, payloads, schemes, signer)
	require.NoError(t, err)
	return s, signer
}

func fullRange() willow.Range3d {
	return willow.Range3d{TimeRange: willow.U64Range{End: willow.OpenEnd}}
}

func TestSetAndRead(t *testing.T) {
	s, _ := newTestStore(t)

	event, err := s.Set(store.SetInput{
		Path:     willow.Path{[]byte("docs"), []byte("a")},
		Subspace: willow.SubspaceID("alice"),
		Payload:  bytes.NewReader([]byte("hello")),
	})
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	results, err := s.QueryRange(fullRange(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, willow.SubspaceID("alice"), results[0].Entry.Entry.Subspace)
	require.EqualValues(t, 5, results[0].Entry.Available)

	b, err := results[0].Payload.Bytes(0)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
}

func TestIngestEntryRejectsWrongNamespace(t *testing.T) {
	s, signer := newTestStore(t)

	entry := willow.Entry{
		Namespace:     willow.NamespaceID("other"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     1,
		PayloadLength: 0,
		PayloadDigest: willow.PayloadDigest(""),
	}
	token, err := signer.Authorise(entry)
	require.NoError(t, err)

	event, err := s.IngestEntry(entry, token, "peer")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeInvalidEntry, event.Outcome)
}

func TestIngestEntryRejectsBadSignature(t *testing.T) {
	s, _ := newTestStore(t)
	_, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forger := scheme.NewEd25519Signer(otherPriv)

	entry := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     1,
		PayloadLength: 0,
		PayloadDigest: willow.PayloadDigest(""),
	}
	token, err := forger.Authorise(entry)
	require.NoError(t, err)

	// Swap in a different signer's static token so the signature no longer
	// verifies against the claimed key, forcing a tamper rejection.
	_, realPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	token.Static = willow.StaticToken(realPriv.Public().(ed25519.PublicKey))

	event, err := s.IngestEntry(entry, token, "peer")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeInvalidEntry, event.Outcome)
}
