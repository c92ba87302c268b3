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

// newFixtureStore assembles a real Store (file-backed bbolt db, in-memory
// payload filesystem, concrete schemes) for package wgps's own tests, which
// exercise the reconciliation/announce/data-transfer machinery against
// genuine store behaviour rather than a mock.
func newFixtureStore(t *testing.T) (*store.Store, scheme.Ed25519Signer) {
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

func fullTestRange() willow.Range3d {
	return willow.Range3d{TimeRange: willow.U64Range{End: willow.OpenEnd}}
}

func ingestN(t *testing.T, s *store.Store, signer scheme.Ed25519Signer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		entry := willow.Entry{
			Namespace:     willow.NamespaceID("ns"),
			Subspace:      willow.SubspaceID("alice"),
			Path:          willow.Path{[]byte{byte('a' + i)}},
			Timestamp:     uint64(i + 1),
			PayloadLength: 1,
			PayloadDigest: willow.PayloadDigest{byte(i)},
		}
		token, err := signer.Authorise(entry)
		require.NoError(t, err)
		event, err := s.IngestEntry(entry, token, "")
		require.NoError(t, err)
		require.Equal(t, store.OutcomeSuccess, event.Outcome)
	}
}
