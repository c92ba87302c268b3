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

// Package kv wraps an ordered key-value engine behind a narrow interface,
// the way erigon-lib/kv/tables.go names and documents the tables backing
// its own storage layer. willowsync uses one such engine per namespace
// store to back Storage3d, the prefix index, payload reference counts and
// the write-ahead flag.
package kv

// SchemaVersion is bumped whenever the bucket layout below changes
// incompatibly, mirroring erigon-lib/kv/tables.go's DBSchemaVersion stamp.
var SchemaVersion = struct{ Major, Minor, Patch uint32 }{Major: 1, Minor: 0, Patch: 0}

// Bucket names. Each bucket holds one access pattern over the entry set;
// see internal/entrystore for how they compose into Storage3d.
const (
	// BucketEntriesByPath indexes entries ordered by path then subspace
	// then time, for Storage3d.query(order=path).
	// key   = order-preserving path ‖ subspace ‖ timestamp(8 bytes BE)
	// value = encoded Entry + auth token digest
	BucketEntriesByPath = "entries_by_path"

	// BucketEntriesByTime indexes the same rows ordered by timestamp, for
	// Storage3d.query(order=timestamp).
	// key   = timestamp(8 bytes BE) ‖ subspace ‖ 0x00 ‖ order-preserving path
	// value = encoded Entry + auth token digest (a full copy of the row)
	BucketEntriesByTime = "entries_by_time"

	// BucketEntriesBySubspace indexes the same rows ordered by subspace
	// then path then time, for Storage3d.query(order=subspace), summarise
	// scans, and the singleton-cell lookup in Storage3d.Get.
	// key   = subspace ‖ 0x00 ‖ order-preserving path ‖ timestamp(8 bytes BE)
	// value = encoded Entry + auth token digest (a full copy of the row)
	BucketEntriesBySubspace = "entries_by_subspace"

	// BucketPrefixIndex maps subspace||path to its 8-byte big-endian
	// timestamp, answering PrefixIndex.prefixes_of / prefixed_by via
	// lexicographic range scans.
	BucketPrefixIndex = "prefix_index"

	// BucketPayloadRefs maps a payload digest to its 8-byte big-endian
	// reference count.
	BucketPayloadRefs = "payload_refs"

	// BucketWAL holds at most one pending insertion flag and one pending
	// removal flag per store, keyed by a fixed sentinel key, recording
	// the write-ahead-logged mutation described in spec §4.2.
	BucketWAL = "wal"
)

// AllBuckets lists every bucket a fresh store must create.
var AllBuckets = []string{
	BucketEntriesByPath,
	BucketEntriesByTime,
	BucketEntriesBySubspace,
	BucketPrefixIndex,
	BucketPayloadRefs,
	BucketWAL,
}
