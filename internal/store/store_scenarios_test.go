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
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/entrystore"
	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/payloadstore"
	"github.com/erigontech/willowsync/internal/scheme"
	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// scenario is one row of the end-to-end store scenario table, in the
// shape of the teacher's JSON-fixture test runner: a name and a single
// self-contained function exercising and asserting one behaviour.
type scenario struct {
	name string
	run  func(t *testing.T)
}

func TestStoreScenarios(t *testing.T) {
	scenarios := []scenario{
		{"set_and_read", scenarioSetAndRead},
		{"prefix_prune", scenarioPrefixPrune},
		{"tie_break_on_digest", scenarioTieBreakOnDigest},
		{"disjoint_subspaces", scenarioDisjointSubspaces},
		{"full_reconciliation_order_insensitive", scenarioFullReconciliationOrderInsensitive},
		{"recovery_replays_pending_removal", scenarioRecoveryReplaysPendingRemoval},
	}
	for _, sc := range scenarios {
		sc := sc
		t.Run(sc.name, sc.run)
	}
}

func signedEntry(t *testing.T, signer scheme.Ed25519Signer, entry willow.Entry) willow.AuthorisationToken {
	t.Helper()
	token, err := signer.Authorise(entry)
	require.NoError(t, err)
	return token
}

func scenarioSetAndRead(t *testing.T) {
	s, signer := newTestStore(t)
	entry := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("docs"), []byte("a")},
		Timestamp:     10,
		PayloadLength: 3,
		PayloadDigest: willow.PayloadDigest("AAA"),
	}
	event, err := s.IngestEntry(entry, signedEntry(t, signer, entry), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	results, err := s.QueryRange(fullRange(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, entry.Path, results[0].Entry.Entry.Path)
}

func scenarioPrefixPrune(t *testing.T) {
	s, signer := newTestStore(t)

	child := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("docs"), []byte("sub")},
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("A"),
	}
	event, err := s.IngestEntry(child, signedEntry(t, signer, child), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	parent := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("docs")},
		Timestamp:     2,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("B"),
	}
	event, err = s.IngestEntry(parent, signedEntry(t, signer, parent), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)
	require.Len(t, event.Pruned, 1)
	require.Equal(t, child.Path, event.Pruned[0].Path)

	results, err := s.QueryRange(fullRange(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, parent.Path, results[0].Entry.Entry.Path)
}

func scenarioTieBreakOnDigest(t *testing.T) {
	s, signer := newTestStore(t)

	mid := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     5,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("B"),
	}
	event, err := s.IngestEntry(mid, signedEntry(t, signer, mid), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	// Same timestamp, lexicographically smaller digest: loses the tie.
	smaller := mid
	smaller.PayloadDigest = willow.PayloadDigest("A")
	event, err = s.IngestEntry(smaller, signedEntry(t, signer, smaller), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeNoOpStaleDigest, event.Outcome)

	// Same timestamp, lexicographically larger digest: wins the tie.
	larger := mid
	larger.PayloadDigest = willow.PayloadDigest("C")
	event, err = s.IngestEntry(larger, signedEntry(t, signer, larger), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	results, err := s.QueryRange(fullRange(), false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, willow.PayloadDigest("C"), results[0].Entry.Entry.PayloadDigest)
}

func scenarioDisjointSubspaces(t *testing.T) {
	s, signer := newTestStore(t)

	alice := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("A"),
	}
	bob := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("bob"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("A"),
	}
	_, err := s.IngestEntry(alice, signedEntry(t, signer, alice), "")
	require.NoError(t, err)
	_, err = s.IngestEntry(bob, signedEntry(t, signer, bob), "")
	require.NoError(t, err)

	successor, ok := scheme.LexSubspaceScheme{}.Successor(willow.SubspaceID("alice"))
	require.True(t, ok)
	aoi := willow.AreaOfInterest{Area: willow.Area{
		Subspace:   willow.SubspaceID("alice"),
		TimeRange:  willow.U64Range{End: willow.OpenEnd},
	}}
	results, err := s.Query(aoi, entrystore.OrderPath, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, willow.SubspaceID("alice"), results[0].Entry.Entry.Subspace)

	r, err := s.AreaOfInterestToRange(aoi)
	require.NoError(t, err)
	require.Equal(t, willow.SubspaceID("alice"), r.SubspaceRange.Start)
	require.Equal(t, successor, r.SubspaceRange.End)
}

func scenarioFullReconciliationOrderInsensitive(t *testing.T) {
	s1, signer1 := newTestStore(t)
	s2, signer2 := newTestStore(t)

	e1 := willow.Entry{
		Namespace: willow.NamespaceID("ns"), Subspace: willow.SubspaceID("alice"),
		Path: willow.Path{[]byte("a")}, Timestamp: 1, PayloadLength: 1, PayloadDigest: willow.PayloadDigest("A"),
	}
	e2 := willow.Entry{
		Namespace: willow.NamespaceID("ns"), Subspace: willow.SubspaceID("bob"),
		Path: willow.Path{[]byte("b")}, Timestamp: 2, PayloadLength: 1, PayloadDigest: willow.PayloadDigest("B"),
	}

	_, err := s1.IngestEntry(e1, signedEntry(t, signer1, e1), "")
	require.NoError(t, err)
	_, err = s1.IngestEntry(e2, signedEntry(t, signer1, e2), "")
	require.NoError(t, err)

	_, err = s2.IngestEntry(e2, signedEntry(t, signer2, e2), "")
	require.NoError(t, err)
	_, err = s2.IngestEntry(e1, signedEntry(t, signer2, e1), "")
	require.NoError(t, err)

	sum1, err := s1.Summarise(fullRange())
	require.NoError(t, err)
	sum2, err := s2.Summarise(fullRange())
	require.NoError(t, err)
	require.Equal(t, sum1, sum2)
	require.EqualValues(t, 2, sum1.Size)
}

// rawStoreDeps is the unwrapped constructor dependency set, used by the
// recovery scenario to poke at entrystore/kv directly underneath a Store
// to simulate a crash between a WAL flag and the index mutation it guards.
func rawStoreDeps(t *testing.T) (*kv.DB, *payloadstore.Driver, willow.SchemeSet, scheme.Ed25519Signer) {
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
	return db, payloads, schemes, signer
}

func scenarioRecoveryReplaysPendingRemoval(t *testing.T) {
	db, payloads, schemes, signer := rawStoreDeps(t)

	s1, err := store.Open(willow.NamespaceID("ns"), db, payloads, schemes, signer)
	require.NoError(t, err)

	entry := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a")},
		Timestamp:     1,
		PayloadLength: 1,
		PayloadDigest: willow.PayloadDigest("A"),
	}
	event, err := s1.IngestEntry(entry, signedEntry(t, signer, entry), "")
	require.NoError(t, err)
	require.Equal(t, store.OutcomeSuccess, event.Outcome)

	// Simulate a crash after deciding to remove the entry (e.g. superseded
	// by a pruning insert) but before the removal was actually applied.
	wal := entrystore.NewWriteAheadFlag(db)
	require.NoError(t, wal.FlagRemoval(entry))

	// Reopening replays the flagged removal.
	s2, err := store.Open(willow.NamespaceID("ns"), db, payloads, schemes, signer)
	require.NoError(t, err)

	results, err := s2.QueryRange(fullRange(), false)
	require.NoError(t, err)
	require.Empty(t, results)

	_, pending, err := wal.WasRemoving()
	require.NoError(t, err)
	require.False(t, pending)
}
