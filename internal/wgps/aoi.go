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

	"github.com/erigontech/willowsync/internal/willow"
)

// AoiIntersection is emitted when a local and remote bound AOI, in the
// same namespace, have overlapping areas.
type AoiIntersection struct {
	Namespace    willow.NamespaceID
	OursHandle   uint64
	TheirsHandle uint64
}

type aoiBinding struct {
	namespace willow.NamespaceID
	area      willow.Area
}

// AoiIntersectionFinder tracks bound AOIs on both sides and reports every
// pair, one local and one remote, whose areas intersect within the same
// namespace (spec §4.8).
type AoiIntersectionFinder struct {
	subspaces willow.SubspaceScheme

	mu     sync.Mutex
	ours   map[uint64]aoiBinding
	theirs map[uint64]aoiBinding
}

// NewAoiIntersectionFinder constructs a finder using subspaces to compare
// subspace bounds when testing area overlap.
func NewAoiIntersectionFinder(subspaces willow.SubspaceScheme) *AoiIntersectionFinder {
	return &AoiIntersectionFinder{
		subspaces: subspaces,
		ours:      make(map[uint64]aoiBinding),
		theirs:    make(map[uint64]aoiBinding),
	}
}

// AddOurs registers a locally-bound AOI and returns every resulting
// intersection against already-bound remote AOIs.
func (f *AoiIntersectionFinder) AddOurs(handle uint64, namespace willow.NamespaceID, area willow.Area) []AoiIntersection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ours[handle] = aoiBinding{namespace, area}
	var out []AoiIntersection
	for th, tb := range f.theirs {
		if tb.namespace.Equal(namespace) && f.intersectArea(area, tb.area) {
			out = append(out, AoiIntersection{Namespace: namespace, OursHandle: handle, TheirsHandle: th})
		}
	}
	return out
}

// AddTheirs registers a remotely-bound AOI and returns every resulting
// intersection against already-bound local AOIs.
func (f *AoiIntersectionFinder) AddTheirs(handle uint64, namespace willow.NamespaceID, area willow.Area) []AoiIntersection {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.theirs[handle] = aoiBinding{namespace, area}
	var out []AoiIntersection
	for oh, ob := range f.ours {
		if ob.namespace.Equal(namespace) && f.intersectArea(ob.area, area) {
			out = append(out, AoiIntersection{Namespace: namespace, OursHandle: oh, TheirsHandle: handle})
		}
	}
	return out
}

// intersectArea reports whether a and b, interpreted under subspaces'
// order, describe overlapping regions: a subspace match (either side
// "any"), overlapping path prefixes (one is a prefix of the other), and
// overlapping time ranges.
func (f *AoiIntersectionFinder) intersectArea(a, b willow.Area) bool {
	if a.Subspace != nil && b.Subspace != nil && f.subspaces.Compare(a.Subspace, b.Subspace) != 0 {
		return false
	}
	if !a.PathPrefix.IsPrefixOf(b.PathPrefix) && !b.PathPrefix.IsPrefixOf(a.PathPrefix) {
		return false
	}
	return timeRangesOverlap(a.TimeRange, b.TimeRange)
}

func timeRangesOverlap(a, b willow.U64Range) bool {
	aEnd, bEnd := a.End, b.End
	if aEnd != willow.OpenEnd && b.Start >= aEnd {
		return false
	}
	if bEnd != willow.OpenEnd && a.Start >= bEnd {
		return false
	}
	return true
}
