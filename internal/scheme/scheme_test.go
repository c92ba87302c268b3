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

package scheme_test

import (
	"bytes"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/scheme"
	"github.com/erigontech/willowsync/internal/willow"
)

func TestEd25519SignerRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	signer := scheme.NewEd25519Signer(priv)
	auth := scheme.Ed25519AuthScheme{}

	entry := willow.Entry{
		Namespace:     willow.NamespaceID("ns"),
		Subspace:      willow.SubspaceID("alice"),
		Path:          willow.Path{[]byte("a"), []byte("b")},
		Timestamp:     42,
		PayloadLength: 7,
		PayloadDigest: willow.PayloadDigest("digest"),
	}
	token, err := signer.Authorise(entry)
	require.NoError(t, err)
	require.True(t, auth.IsAuthorisedWrite(entry, token))
	require.Equal(t, willow.StaticToken(pub), token.Static)

	static, dynamic := auth.Decompose(token)
	recomposed := auth.Compose(static, dynamic)
	require.Equal(t, token, recomposed)

	// A tampered entry must fail verification.
	tampered := entry
	tampered.Timestamp++
	require.False(t, auth.IsAuthorisedWrite(tampered, token))
}

func TestBoundedPathScheme(t *testing.T) {
	s := scheme.NewDefaultPathScheme()

	require.NoError(t, s.Validate(willow.Path{[]byte("ok")}))

	tooLong := bytes.Repeat([]byte("x"), s.MaxComponentLength()+1)
	require.Error(t, s.Validate(willow.Path{tooLong}))

	tooMany := make(willow.Path, s.MaxComponentCount()+1)
	for i := range tooMany {
		tooMany[i] = []byte("c")
	}
	require.Error(t, s.Validate(tooMany))
}

func TestXorFingerprintSchemeIsOrderInsensitive(t *testing.T) {
	fp := scheme.XorFingerprintScheme{}

	e1 := willow.LengthyEntry{Entry: willow.Entry{
		Namespace: willow.NamespaceID("ns"), Subspace: willow.SubspaceID("a"),
		Path: willow.Path{[]byte("p1")}, Timestamp: 1, PayloadDigest: willow.PayloadDigest("d1"),
	}}
	e2 := willow.LengthyEntry{Entry: willow.Entry{
		Namespace: willow.NamespaceID("ns"), Subspace: willow.SubspaceID("b"),
		Path: willow.Path{[]byte("p2")}, Timestamp: 2, PayloadDigest: willow.PayloadDigest("d2"),
	}}

	forward := fp.Combine(fp.Singleton(e1), fp.Singleton(e2))
	backward := fp.Combine(fp.Singleton(e2), fp.Singleton(e1))
	require.Equal(t, forward, backward)

	// Combining with the neutral element changes nothing.
	require.Equal(t, fp.Singleton(e1), fp.Combine(fp.Singleton(e1), fp.Neutral()))

	// Finalise is deterministic given the same accumulator.
	require.Equal(t, fp.Finalise(forward), fp.Finalise(backward))
}

func TestLexSubspaceSchemeSuccessor(t *testing.T) {
	s := scheme.LexSubspaceScheme{}

	next, ok := s.Successor(willow.SubspaceID{0x01, 0x02})
	require.True(t, ok)
	require.Equal(t, willow.SubspaceID{0x01, 0x03}, next)

	next, ok = s.Successor(willow.SubspaceID{0x01, 0xff})
	require.True(t, ok)
	require.Equal(t, willow.SubspaceID{0x02, 0x00}, next)

	// Variable-width scheme grows the id on overflow rather than reporting
	// ok=false.
	next, ok = s.Successor(willow.SubspaceID{0xff})
	require.True(t, ok)
	require.Equal(t, willow.SubspaceID{0xff, 0x00}, next)

	require.Equal(t, -1, s.Compare(willow.SubspaceID("a"), willow.SubspaceID("b")))
}

func TestCurve25519PaiSchemeCommutativity(t *testing.T) {
	pai := scheme.Curve25519PaiScheme{}

	a := pai.RandomSecret()
	b := pai.RandomSecret()

	// a*(b*G) == b*(a*G), the commutativity PAI relies on.
	left := pai.Exponentiate(a, pai.GroupMember(b))
	right := pai.Exponentiate(b, pai.GroupMember(a))
	require.True(t, pai.Equal(left, right))

	// Distinct secrets produce distinct group members (overwhelmingly
	// likely; a collision would indicate a broken RNG or scalar clamp).
	require.False(t, pai.Equal(pai.GroupMember(a), pai.GroupMember(b)))
}

func TestBlake2bPayloadScheme(t *testing.T) {
	s := scheme.Blake2bPayloadScheme{}

	d1, n1, err := scheme.DigestBytes(s, []byte("hello"))
	require.NoError(t, err)
	require.EqualValues(t, 5, n1)

	d2, _, err := scheme.DigestBytes(s, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 0, s.Compare(d1, d2))

	d3, _, err := scheme.DigestBytes(s, []byte("world"))
	require.NoError(t, err)
	require.NotEqual(t, 0, s.Compare(d1, d3))
}

func TestSimpleCapabilitySchemeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	cap := scheme.SimpleCapability{
		Namespace: willow.NamespaceID("ns"),
		Area: willow.Area{
			Subspace:   willow.SubspaceID("alice"),
			PathPrefix: willow.Path{[]byte("docs")},
			TimeRange:  willow.U64Range{Start: 0, End: willow.OpenEnd},
		},
		Receiver: pub,
	}
	encoded := cap.Encode()
	decoded, err := scheme.DecodeSimpleCapability(encoded)
	require.NoError(t, err)
	require.Equal(t, cap.Namespace, decoded.Namespace)
	require.True(t, cap.Area.PathPrefix.Equal(decoded.Area.PathPrefix))

	capScheme := scheme.SimpleCapabilityScheme{}
	gotNs, gotArea, err := capScheme.GrantedArea(encoded)
	require.NoError(t, err)
	require.True(t, gotNs.Equal(cap.Namespace))
	require.True(t, gotArea.PathPrefix.Equal(cap.Area.PathPrefix))

	challenge := []byte("challenge-bytes")
	sig := ed25519.Sign(priv, challenge)
	require.True(t, capScheme.VerifySignature(encoded, challenge, sig))
	require.True(t, capScheme.Verify(willow.NamespaceID("ns"), encoded, challenge, sig))
	require.False(t, capScheme.VerifySignature(encoded, []byte("other"), sig))
}
