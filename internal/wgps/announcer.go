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

	"github.com/erigontech/willowsync/internal/handles"
	"github.com/erigontech/willowsync/internal/store"
	"github.com/erigontech/willowsync/internal/willow"
)

// StaticTokenBind is queued ahead of an announcement pack for every
// static token not previously interned on this session.
type StaticTokenBind struct {
	Handle uint64
	Token  willow.StaticToken
}

// AnnouncedEntry is one entry within an announcement pack, its
// authorisation token already decomposed and its static half resolved to
// a handle.
type AnnouncedEntry struct {
	Entry             willow.LengthyEntry
	StaticTokenHandle uint64
	DynamicToken      willow.DynamicToken
}

// AnnouncementPack is the full wire payload of spec §4.10 step 4:
// zero-or-more static-token binds, the announcement itself, and the
// entries it covers (each paired with its decomposed token).
type AnnouncementPack struct {
	StaticTokenBinds []StaticTokenBind
	Announcement     AnnounceOut
	SenderHandle     uint64
	ReceiverHandle   uint64
	Entries          []AnnouncedEntry
}

// Announcer turns a reconciler's "announce these entries" decision into
// the wire-ready pack of spec §4.10, interning static tokens into a
// shared handle store so identical tokens across many entries are sent
// (and bound) only once per session.
type Announcer struct {
	auth               willow.AuthorisationScheme
	staticTokenHandles *handles.Store[willow.StaticToken]
	seen               []seenToken
}

// NewAnnouncer constructs an Announcer sharing staticTokenHandles with
// the DataSender and the coordinator's SetupBindStaticToken handling
// (spec §5's "shared resources").
func NewAnnouncer(auth willow.AuthorisationScheme, staticTokenHandles *handles.Store[willow.StaticToken]) *Announcer {
	return &Announcer{auth: auth, staticTokenHandles: staticTokenHandles}
}

// QueueAnnounce iterates st.QueryRange(rng, oldest-first) and builds the
// announcement pack to send.
func (a *Announcer) QueueAnnounce(st *store.Store, rng willow.Range3d, senderHandle, receiverHandle uint64, wantResponse bool, covers uint64, hasCovers bool) (AnnouncementPack, error) {
	entries, err := st.QueryRange(rng, false)
	if err != nil {
		return AnnouncementPack{}, err
	}

	pack := AnnouncementPack{
		SenderHandle:   senderHandle,
		ReceiverHandle: receiverHandle,
		Announcement: AnnounceOut{
			Range:        rng,
			Count:        uint64(len(entries)),
			WantResponse: wantResponse,
			Covers:       covers,
			HasCovers:    hasCovers,
		},
	}

	seen := make(map[uint64]bool) // handles newly bound in this pack, so we don't re-bind within it
	for _, qe := range entries {
		static, dynamic := a.auth.Decompose(qe.Token)
		handle, firstSeen := a.internStaticToken(static)
		if firstSeen && !seen[handle] {
			pack.StaticTokenBinds = append(pack.StaticTokenBinds, StaticTokenBind{Handle: handle, Token: static})
			seen[handle] = true
		}
		pack.Entries = append(pack.Entries, AnnouncedEntry{
			Entry:             qe.Entry,
			StaticTokenHandle: handle,
			DynamicToken:      dynamic,
		})
	}
	return pack, nil
}

// internStaticToken binds static if this session has not already bound an
// equal token, returning its handle and whether this call performed the
// binding.
func (a *Announcer) internStaticToken(static willow.StaticToken) (handle uint64, firstSeen bool) {
	// The handle store has no by-value lookup (handles are assigned
	// monotonically, not content-addressed), so the Announcer keeps its own
	// small reverse index for deduplication across the session.
	if h, ok := a.lookupExisting(static); ok {
		return h, false
	}
	h := a.staticTokenHandles.Bind(static)
	a.remember(static, h)
	return h, true
}

// seenToken is one record of a simple linear reverse index; a session typically binds
// very few distinct static tokens (one per distinct capability), so a map
// keyed by a hash of the bytes is not worth the complexity here.
type seenToken struct {
	token  willow.StaticToken
	handle uint64
}

func (a *Announcer) lookupExisting(static willow.StaticToken) (uint64, bool) {
	for _, st := range a.seen {
		if bytes.Equal(st.token, static) {
			return st.handle, true
		}
	}
	return 0, false
}

func (a *Announcer) remember(static willow.StaticToken, handle uint64) {
	a.seen = append(a.seen, seenToken{token: static, handle: handle})
}
