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

import "github.com/pkg/errors"

// Error taxonomy, per spec §7. Components wrap one of these sentinels so
// callers can classify failures with errors.Is without string matching.
var (
	// ErrValidation marks an input that failed a local precondition; no
	// session impact.
	ErrValidation = errors.New("willow: validation error")

	// ErrProtocolViolation marks a peer message that breaks the wire
	// contract; the session must be closed.
	ErrProtocolViolation = errors.New("willow: protocol violation")

	// ErrAuthorisation marks an entry or capability that failed
	// authorisation or signature verification.
	ErrAuthorisation = errors.New("willow: authorisation failure")

	// ErrStorageCorruption marks an inconsistency detected in persistent
	// state (e.g. a prefix-index entry with no backing row).
	ErrStorageCorruption = errors.New("willow: storage corruption")

	// ErrTransientDriver marks an I/O failure from a KV or blob driver.
	ErrTransientDriver = errors.New("willow: transient driver error")
)
