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

package willow

import "io"

// Fingerprint is an opaque, fixed-shape value produced by a
// FingerprintScheme. Combining is order-insensitive; Finalise maps a
// pre-fingerprint accumulator to its final wire form.
type Fingerprint []byte

// SubspaceScheme defines the total order and encoding of subspace ids.
// Out of scope per spec §1: a collaborator behind a narrow interface.
type SubspaceScheme interface {
	Compare(a, b SubspaceID) int
	Encode(s SubspaceID) []byte
	Decode(r io.Reader) (SubspaceID, error)
	// Successor returns the least subspace id strictly greater than s, or
	// ok=false if s is the maximal subspace (used to turn an inclusive
	// bound into the half-open Range3d convention).
	Successor(s SubspaceID) (next SubspaceID, ok bool)
}

// PathScheme defines path limits used to validate incoming entries.
type PathScheme interface {
	MaxComponentLength() int
	MaxComponentCount() int
	MaxPathLength() int
	Validate(p Path) error
}

// PayloadScheme computes and orders payload digests.
type PayloadScheme interface {
	// Digest consumes r fully and returns its digest and length.
	Digest(r io.Reader) (PayloadDigest, uint64, error)
	// Compare gives the total order over digests used for tie-breaking.
	Compare(a, b PayloadDigest) int
}

// FingerprintScheme is a commutative monoid over LengthyEntry summaries.
type FingerprintScheme interface {
	Neutral() Fingerprint
	Singleton(e LengthyEntry) Fingerprint
	Combine(a, b Fingerprint) Fingerprint
	Finalise(pre Fingerprint) Fingerprint
}

// AuthorisationScheme validates entries and decomposes/recomposes their
// tokens into static/dynamic parts for wire deduplication.
type AuthorisationScheme interface {
	// IsAuthorisedWrite reports whether token authorises writing entry.
	IsAuthorisedWrite(entry Entry, token AuthorisationToken) bool
	// Decompose splits a token into its shareable static part and its
	// per-entry dynamic part.
	Decompose(token AuthorisationToken) (StaticToken, DynamicToken)
	// Compose is the inverse of Decompose.
	Compose(static StaticToken, dynamic DynamicToken) AuthorisationToken
}

// Signer produces an AuthorisationToken for a locally-authored entry. It is
// separate from AuthorisationScheme because verifying a token never
// requires the ability to sign one.
type Signer interface {
	Authorise(entry Entry) (AuthorisationToken, error)
}

// PaiGroupElement is an opaque element of the commutative group used by the
// PAI finder (spec §4.7). It must support equality and a stable wire
// encoding.
type PaiGroupElement []byte

// PaiScheme implements the private-area-intersection group handshake.
// Fragments is caller-authorisation-dependent (derived from a read
// capability) and intentionally left to the caller; PaiScheme only knows
// how to turn a fragment secret into a group member and how to
// exponentiate a received group member by a local secret.
type PaiScheme interface {
	// GroupMember returns secret*G for the distinguished generator G.
	GroupMember(secret []byte) PaiGroupElement
	// Exponentiate returns secret*member.
	Exponentiate(secret []byte, member PaiGroupElement) PaiGroupElement
	// RandomSecret returns a fresh random scalar suitable for GroupMember
	// and Exponentiate.
	RandomSecret() []byte
	// Equal reports whether two group elements are the same.
	Equal(a, b PaiGroupElement) bool
}

// SubspaceCapScheme validates the subspace-capability reply used to
// resolve secondary (subspace-restricted) PAI fragments.
type SubspaceCapScheme interface {
	// Verify checks that capability authorises reading subspace under
	// namespace, and that signature is a valid signature over challenge
	// made by the capability's receiver.
	Verify(namespace NamespaceID, capability []byte, challenge []byte, signature []byte) bool
}

// CapabilityScheme validates read capabilities bound during setup
// (spec §4.13, SetupBindReadCapability) and exposes the area they grant.
type CapabilityScheme interface {
	// GrantedArea returns the namespace and area that capability grants
	// read access to.
	GrantedArea(capability []byte) (NamespaceID, Area, error)
	// VerifySignature checks that signature is a valid signature over
	// challenge made by the capability's receiver (proving the peer
	// presenting the capability actually holds it).
	VerifySignature(capability []byte, challenge []byte, signature []byte) bool
}

// SchemeSet bundles every pluggable collaborator the core needs. A single
// concrete SchemeSet value parametrises one Store/session, per spec §9's
// "non-generic struct over boxed trait objects" guidance.
type SchemeSet struct {
	Subspace   SubspaceScheme
	Path       PathScheme
	Payload    PayloadScheme
	Fingerprint FingerprintScheme
	Auth       AuthorisationScheme
	Pai        PaiScheme
	SubspaceCap SubspaceCapScheme
	Capability CapabilityScheme
}
