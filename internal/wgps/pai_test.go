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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/willowsync/internal/scheme"
	"github.com/erigontech/willowsync/internal/willow"
)

// TestPaiFinderDetectsIntersection drives two finders through a full
// bind/reply exchange and checks that the commutative exponentiation
// performed by the real curve25519 scheme lets each side recognise the
// other's matching fragment.
func TestPaiFinderDetectsIntersection(t *testing.T) {
	pai := scheme.Curve25519PaiScheme{}
	ns := willow.NamespaceID("ns")
	area := willow.Area{TimeRange: willow.U64Range{End: willow.OpenEnd}}

	finderA := NewPaiFinder(pai)
	finderB := NewPaiFinder(pai)

	handleA, memberA := finderA.BindLocalAuthorisation(ns, area, false)
	handleB, memberB := finderB.BindLocalAuthorisation(ns, area, false)

	theirsHandleOnB := finderB.HandleBind(memberA)
	replyFromB, ok := finderB.ReplyAndRecord(handleB, theirsHandleOnB)
	require.True(t, ok)

	theirsHandleOnA := finderA.HandleBind(memberB)
	replyFromA, ok := finderA.ReplyAndRecord(handleA, theirsHandleOnA)
	require.True(t, ok)

	require.True(t, pai.Equal(replyFromA, replyFromB))

	intersection := finderA.HandleReply(handleA, replyFromB)
	require.NotNil(t, intersection)
	require.True(t, intersection.Namespace.Equal(ns))
	require.Equal(t, handleA, intersection.OursHandle)
	require.Equal(t, theirsHandleOnA, intersection.TheirsHandle)

	intersection = finderB.HandleReply(handleB, replyFromA)
	require.NotNil(t, intersection)
	require.Equal(t, handleB, intersection.OursHandle)
}

func TestPaiFinderHandleReplyNoMatch(t *testing.T) {
	pai := scheme.Curve25519PaiScheme{}
	finder := NewPaiFinder(pai)

	handle, _ := finder.BindLocalAuthorisation(willow.NamespaceID("ns"), willow.Area{}, false)
	theirsHandle := finder.HandleBind(pai.GroupMember(pai.RandomSecret()))
	_, ok := finder.ReplyAndRecord(handle, theirsHandle)
	require.True(t, ok)

	unrelated := pai.GroupMember(pai.RandomSecret())
	intersection := finder.HandleReply(handle, unrelated)
	require.Nil(t, intersection)
}

func TestPaiFinderReplyAndRecordUnknownHandles(t *testing.T) {
	pai := scheme.Curve25519PaiScheme{}
	finder := NewPaiFinder(pai)

	_, ok := finder.ReplyAndRecord(999, 1)
	require.False(t, ok)

	handle, _ := finder.BindLocalAuthorisation(willow.NamespaceID("ns"), willow.Area{}, false)
	_, ok = finder.ReplyAndRecord(handle, 999)
	require.False(t, ok)
}

func TestPaiFinderOursHandlesAndPrivy(t *testing.T) {
	pai := scheme.Curve25519PaiScheme{}
	finder := NewPaiFinder(pai)
	ns := willow.NamespaceID("ns")
	area := willow.Area{PathPrefix: willow.Path{[]byte("docs")}}

	handle, _ := finder.BindLocalAuthorisation(ns, area, true)
	require.Equal(t, []uint64{handle}, finder.OursHandles())

	privy, ok := finder.GetIntersectionPrivy(handle, true)
	require.True(t, ok)
	require.True(t, privy.Namespace.Equal(ns))
	require.True(t, privy.IsSecondary)
	require.Equal(t, area.PathPrefix, privy.OuterArea.PathPrefix)

	_, ok = finder.GetIntersectionPrivy(handle, false)
	require.False(t, ok)
}
