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
	"sync"

	"github.com/erigontech/willowsync/internal/handles"
	"github.com/erigontech/willowsync/internal/willow"
)

// IntersectionPrivy is the namespace/outer-area context needed to decode
// handle-relative messages tied to one side of a matched fragment pair.
type IntersectionPrivy struct {
	Namespace  willow.NamespaceID
	OuterArea  willow.Area
	IsSecondary bool
}

// Intersection is emitted when both sides of a PAI handshake are found to
// hold the same fragment secret (spec §4.7).
type Intersection struct {
	Namespace    willow.NamespaceID
	OursHandle   uint64
	TheirsHandle uint64
}

type localFragment struct {
	secret      []byte
	member      willow.PaiGroupElement
	isSecondary bool
	namespace   willow.NamespaceID
	outerArea   willow.Area
}

// PaiFinder drives the private-area-intersection handshake: it turns
// local read-authorisations into bound fragments, answers remote binds,
// and detects intersections from remote replies. Rather than the spec's
// async-iterable surface, PaiFinder is driven synchronously by the
// session coordinator's single dispatch loop (spec §5's single-threaded
// cooperative scheduling already serialises all of this per session). It
// queues nothing itself: its methods return the handles and group members
// that the coordinator sends on the Intersection channel.
type PaiFinder struct {
	scheme willow.PaiScheme

	mu sync.Mutex

	oursByHandle   map[uint64]*localFragment
	theirsMembers  map[uint64]willow.PaiGroupElement // handle -> b*G as received via bind, awaiting our exponentiation
	ourExpOfTheirs map[uint64]willow.PaiGroupElement // handle (theirs) -> a*(b*G), our computed exponentiation, stored for the equality check on their reply
	oursHandles    *handles.Store[*localFragment]
	theirsHandles  *handles.Store[willow.PaiGroupElement]

	Intersections []Intersection // not filled by PaiFinder's methods; HandleReply returns each intersection to its caller
}

// NewPaiFinder constructs a finder using scheme for group exponentiation.
func NewPaiFinder(scheme willow.PaiScheme) *PaiFinder {
	return &PaiFinder{
		scheme:         scheme,
		oursByHandle:   make(map[uint64]*localFragment),
		theirsMembers:  make(map[uint64]willow.PaiGroupElement),
		ourExpOfTheirs: make(map[uint64]willow.PaiGroupElement),
		oursHandles:    handles.New[*localFragment](),
		theirsHandles:  handles.New[willow.PaiGroupElement](),
	}
}

// BindLocalAuthorisation derives a fresh fragment secret for one
// read-authorisation (a namespace plus the outer area it grants, optionally
// subspace-restricted/secondary) and returns the handle it was bound to
// plus the group member to send as PaiBindFragment.
func (f *PaiFinder) BindLocalAuthorisation(namespace willow.NamespaceID, outerArea willow.Area, isSecondary bool) (handle uint64, member willow.PaiGroupElement) {
	secret := f.scheme.RandomSecret()
	member = f.scheme.GroupMember(secret)
	frag := &localFragment{secret: secret, member: member, isSecondary: isSecondary, namespace: namespace, outerArea: outerArea}
	handle = f.oursHandles.Bind(frag)

	f.mu.Lock()
	f.oursByHandle[handle] = frag
	f.mu.Unlock()
	return handle, member
}

// HandleBind processes a remote PaiBindFragment: binds their group member
// under a "theirs" handle and returns that handle. It computes no reply:
// the caller calls ReplyAndRecord once per local fragment (see OursHandles)
// and emits one PaiReplyFragment per pair.
func (f *PaiFinder) HandleBind(theirMember willow.PaiGroupElement) (theirsHandle uint64) {
	theirsHandle = f.theirsHandles.Bind(theirMember)
	f.mu.Lock()
	f.theirsMembers[theirsHandle] = theirMember
	f.mu.Unlock()
	return theirsHandle
}

// OursHandles returns the handles of every local fragment bound so far, so
// a caller can reply to a freshly bound remote fragment against each of
// them (the common case is exactly one).
func (f *PaiFinder) OursHandles() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, 0, len(f.oursByHandle))
	for h := range f.oursByHandle {
		out = append(out, h)
	}
	return out
}

// ReplyAndRecord computes b*(a*G) for our fragment oursHandle against the
// remote group member bound at theirsHandle — the value to send back as
// PaiReplyFragment(theirsHandle, ...) — and records it under theirsHandle
// so a later matching reply from the peer (HandleReply) can recognise the
// intersection.
func (f *PaiFinder) ReplyAndRecord(oursHandle, theirsHandle uint64) (willow.PaiGroupElement, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frag, ok := f.oursByHandle[oursHandle]
	if !ok {
		return nil, false
	}
	member, ok := f.theirsMembers[theirsHandle]
	if !ok {
		return nil, false
	}
	result := f.scheme.Exponentiate(frag.secret, member)
	f.ourExpOfTheirs[theirsHandle] = result
	return result, true
}

// HandleReply processes a remote PaiReplyFragment(oursHandle, b*(a*G)):
// it compares the peer's returned value against our own stored
// exponentiations of their binds, recorded by ReplyAndRecord. A match is an
// Intersection.
func (f *PaiFinder) HandleReply(oursHandle uint64, returned willow.PaiGroupElement) *Intersection {
	f.mu.Lock()
	defer f.mu.Unlock()
	frag, ok := f.oursByHandle[oursHandle]
	if !ok {
		return nil
	}
	for theirsHandle, ours := range f.ourExpOfTheirs {
		if f.scheme.Equal(ours, returned) {
			return &Intersection{Namespace: frag.namespace, OursHandle: oursHandle, TheirsHandle: theirsHandle}
		}
	}
	return nil
}

// GetIntersectionPrivy returns the namespace/outer-area context for one
// side of a matched pair.
func (f *PaiFinder) GetIntersectionPrivy(handle uint64, isOurs bool) (IntersectionPrivy, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if isOurs {
		frag, ok := f.oursByHandle[handle]
		if !ok {
			return IntersectionPrivy{}, false
		}
		return IntersectionPrivy{Namespace: frag.namespace, OuterArea: frag.outerArea, IsSecondary: frag.isSecondary}, true
	}
	return IntersectionPrivy{}, false // remote-side privy requires the subspace-capability reply, resolved by the coordinator
}
