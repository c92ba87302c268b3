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

package entrystore

import (
	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/willow"
)

// Order selects which composite index Storage3d.Query walks.
type Order int

const (
	OrderPath Order = iota
	OrderTimestamp
	OrderSubspace
)

// RangeOfInterest bounds a Query: the Range3d to cover plus optional
// count/size caps (0 meaning uncapped), per spec §4.2.
type RangeOfInterest struct {
	Range    willow.Range3d
	MaxCount uint64
	MaxSize  uint64
}

// Row is one query result: an entry paired with its auth-token digest.
type Row struct {
	Entry           willow.Entry
	AuthTokenDigest willow.PayloadDigest
}

// Storage3d is the 3D (subspace, path, time) entry index (spec §4.2).
type Storage3d struct {
	db        *kv.DB
	subspaces willow.SubspaceScheme
	fp        willow.FingerprintScheme
}

// NewStorage3d constructs a Storage3d over db using subspaces for range
// comparisons and fp for summarise's fingerprint fold.
func NewStorage3d(db *kv.DB, subspaces willow.SubspaceScheme, fp willow.FingerprintScheme) *Storage3d {
	return &Storage3d{db: db, subspaces: subspaces, fp: fp}
}

// InsertTx writes entry into all three composite indexes within tx. The
// caller (Store.insert_entry) is responsible for flagging the WAL and
// maintaining the prefix index and payload refcounts around this call.
func (s *Storage3d) InsertTx(tx *kv.Tx, entry willow.Entry, authTokenDigest willow.PayloadDigest) error {
	rowBytes := EncodeEntry(StoredRow{Entry: entry, AuthTokenDigest: authTokenDigest})

	byPath := tx.Bucket(kv.BucketEntriesByPath)
	if err := byPath.Put(pathKey(entry), rowBytes); err != nil {
		return err
	}
	byTime := tx.Bucket(kv.BucketEntriesByTime)
	if err := byTime.Put(timeKey(entry), rowBytes); err != nil {
		return err
	}
	bySubspace := tx.Bucket(kv.BucketEntriesBySubspace)
	if err := bySubspace.Put(subspaceKey(entry), rowBytes); err != nil {
		return err
	}
	return nil
}

// Insert is the standalone (non-transactional) convenience form.
func (s *Storage3d) Insert(entry willow.Entry, authTokenDigest willow.PayloadDigest) error {
	return s.db.Update(func(tx *kv.Tx) error { return s.InsertTx(tx, entry, authTokenDigest) })
}

// RemoveTx deletes entry from all three composite indexes within tx.
func (s *Storage3d) RemoveTx(tx *kv.Tx, entry willow.Entry) error {
	if err := tx.Bucket(kv.BucketEntriesByPath).Delete(pathKey(entry)); err != nil {
		return err
	}
	if err := tx.Bucket(kv.BucketEntriesByTime).Delete(timeKey(entry)); err != nil {
		return err
	}
	if err := tx.Bucket(kv.BucketEntriesBySubspace).Delete(subspaceKey(entry)); err != nil {
		return err
	}
	return nil
}

func (s *Storage3d) Remove(entry willow.Entry) error {
	return s.db.Update(func(tx *kv.Tx) error { return s.RemoveTx(tx, entry) })
}

func pathKey(e willow.Entry) []byte {
	return append(encodePathSubspaceOrdered(e.Path, e.Subspace), encodeTimestamp(e.Timestamp)...)
}

func timeKey(e willow.Entry) []byte {
	k := encodeTimestamp(e.Timestamp)
	return append(k, encodeSubspacePathOrdered(e.Subspace, e.Path)...)
}

func subspaceKey(e willow.Entry) []byte {
	return append(encodeSubspacePathOrdered(e.Subspace, e.Path), encodeTimestamp(e.Timestamp)...)
}

// Get looks up the (at most one) entry at the exact (subspace, path)
// singleton cell, per the store's "no two entries share (ns,ss,path)"
// invariant. It uses the prefix index's exact subspace‖path -> timestamp
// binding to avoid a full index scan.
func (s *Storage3d) Get(prefixIdx *PrefixIndex, subspace willow.SubspaceID, path willow.Path) (Row, bool, error) {
	ts, ok, err := prefixIdx.GetExact(subspace, path)
	if err != nil || !ok {
		return Row{}, false, err
	}
	var row Row
	found := false
	err = s.db.View(func(tx *kv.Tx) error {
		key := append(encodeSubspacePathOrdered(subspace, path), encodeTimestamp(ts)...)
		v := tx.Bucket(kv.BucketEntriesBySubspace).Get(key)
		if v == nil {
			return nil
		}
		sr, err := DecodeEntry(v)
		if err != nil {
			return errors.Wrap(willow.ErrStorageCorruption, err.Error())
		}
		row = Row{Entry: sr.Entry, AuthTokenDigest: sr.AuthTokenDigest}
		found = true
		return nil
	})
	return row, found, err
}

func (s *Storage3d) inRange(e willow.Entry, r willow.Range3d) bool {
	if !r.TimeRange.Includes(e.Timestamp) {
		return false
	}
	if r.SubspaceRange.Start != nil && s.subspaces.Compare(e.Subspace, r.SubspaceRange.Start) < 0 {
		return false
	}
	if r.SubspaceRange.End != nil && s.subspaces.Compare(e.Subspace, r.SubspaceRange.End) >= 0 {
		return false
	}
	if r.PathRange.Start != nil && e.Path.Compare(r.PathRange.Start) < 0 {
		return false
	}
	if r.PathRange.End != nil && e.Path.Compare(r.PathRange.End) >= 0 {
		return false
	}
	return true
}

// Query returns every (entry, authTokenDigest) covered by roi.Range, in the
// requested order (optionally reversed), stopping once roi.MaxCount
// entries or roi.MaxSize payload bytes have been yielded (0 meaning
// uncapped). The scan walks the single composite index matching order and
// filters the other two dimensions in memory (see boundsFor).
func (s *Storage3d) Query(roi RangeOfInterest, order Order, reverse bool) ([]Row, error) {
	var out []Row
	var sizeSum uint64
	err := s.db.View(func(tx *kv.Tx) error {
		bucketName, start, end := s.boundsFor(order, roi.Range)
		tx.Bucket(bucketName).ForRange(start, end, reverse, func(_, v []byte) bool {
			sr, err := DecodeEntry(v)
			if err != nil {
				return true // skip corrupt row rather than abort the whole scan
			}
			if !s.inRange(sr.Entry, roi.Range) {
				return true
			}
			out = append(out, Row{Entry: sr.Entry, AuthTokenDigest: sr.AuthTokenDigest})
			sizeSum += sr.Entry.PayloadLength
			if roi.MaxCount != 0 && uint64(len(out)) >= roi.MaxCount {
				return false
			}
			if roi.MaxSize != 0 && sizeSum >= roi.MaxSize {
				return false
			}
			return true
		})
		return nil
	})
	return out, err
}

// boundsFor returns the bucket to scan and its [start, end) key bounds for
// the requested order and Range3d. Because the chosen bucket only encodes
// one dimension's bound precisely in its key prefix, the other two
// dimensions' bounds are re-checked per row by inRange.
func (s *Storage3d) boundsFor(order Order, r willow.Range3d) (string, []byte, []byte) {
	switch order {
	case OrderTimestamp:
		start := encodeTimestamp(r.TimeRange.Start)
		var end []byte
		if r.TimeRange.End != willow.OpenEnd {
			end = encodeTimestamp(r.TimeRange.End)
		}
		return kv.BucketEntriesByTime, start, end
	case OrderPath:
		var start, end []byte
		if r.PathRange.Start != nil {
			start = encodePathOrdered(r.PathRange.Start)
		}
		if r.PathRange.End != nil {
			end = encodePathOrdered(r.PathRange.End)
		}
		return kv.BucketEntriesByPath, start, end
	default: // OrderSubspace
		var start, end []byte
		if r.SubspaceRange.Start != nil {
			start = append([]byte(nil), r.SubspaceRange.Start...)
		}
		if r.SubspaceRange.End != nil {
			end = append([]byte(nil), r.SubspaceRange.End...)
		}
		return kv.BucketEntriesBySubspace, start, end
	}
}

// Summary is the result of Summarise: size is the entry count, fingerprint
// is the finalised fold of every covered entry's singleton fingerprint.
type Summary struct {
	Fingerprint willow.Fingerprint
	Size        uint64
}

// Summarise folds fingerprint_singleton(lengthy_entry) under
// fingerprint_combine over every entry in range, then finalises (spec
// §4.2). LengthyEntry.Available is taken as the full PayloadLength here:
// Storage3d only indexes entries whose metadata is known, not payload
// completeness, so partially held payloads are summarised as if complete.
func (s *Storage3d) Summarise(r willow.Range3d) (Summary, error) {
	roi := RangeOfInterest{Range: r}
	rows, err := s.Query(roi, OrderSubspace, false)
	if err != nil {
		return Summary{}, err
	}
	acc := s.fp.Neutral()
	for _, row := range rows {
		le := willow.LengthyEntry{Entry: row.Entry, Available: row.Entry.PayloadLength}
		acc = s.fp.Combine(acc, s.fp.Singleton(le))
	}
	return Summary{Fingerprint: s.fp.Finalise(acc), Size: uint64(len(rows))}, nil
}

// SplitRange partitions the entries covered by r into two disjoint,
// non-empty sub-ranges, each smaller than knownSize (spec §4.2). It tries
// the path dimension first — the dimension richest in structure for
// typical Willow workloads — splitting at the path of the
// ceil(size/2)-th entry in path order, then falls back to subspace and
// finally time. A fallback is needed because path alone can tie: under an
// any-subspace AOI, many entries across distinct subspaces can share one
// path, and splitting purely on that shared path would leave one side
// empty and the recursion would never converge. Distinct (subspace, path)
// pairs can never collide, so when path ties, a subspace-based boundary
// is guaranteed to separate the tied rows. The split is deterministic
// given r and the store's contents, since each attempt is computed from a
// stable sort order.
func (s *Storage3d) SplitRange(r willow.Range3d, knownSize uint64) (willow.Range3d, willow.Range3d, error) {
	if knownSize < 2 {
		return willow.Range3d{}, willow.Range3d{}, errors.Errorf("entrystore: cannot split a range of size %d", knownSize)
	}

	if left, right, ok, err := s.splitOnPath(r, knownSize); err != nil || ok {
		return left, right, err
	}
	if left, right, ok, err := s.splitOnSubspace(r, knownSize); err != nil || ok {
		return left, right, err
	}
	if left, right, ok, err := s.splitOnTime(r, knownSize); err != nil || ok {
		return left, right, err
	}
	return willow.Range3d{}, willow.Range3d{}, errors.Wrap(willow.ErrStorageCorruption,
		"entrystore: split_range found no dimension separating its entries")
}

// findTieBreak scans outward from mid for the nearest boundary index b (1
// <= b < n) at which rows b-1 and b differ under equal, so splitting the
// sequence there puts at least one row on each side. It returns ok=false
// if every row ties under equal.
func findTieBreak(n, mid int, equal func(i, j int) bool) (int, bool) {
	for d := 0; d <= n; d++ {
		if b := mid + d; b >= 1 && b < n && !equal(b-1, b) {
			return b, true
		}
		if b := mid - d; b >= 1 && b < n && !equal(b-1, b) {
			return b, true
		}
	}
	return 0, false
}

func (s *Storage3d) rowsFor(r willow.Range3d, order Order, knownSize uint64) ([]Row, error) {
	rows, err := s.Query(RangeOfInterest{Range: r}, order, false)
	if err != nil {
		return nil, err
	}
	if uint64(len(rows)) != knownSize {
		return nil, errors.Wrapf(willow.ErrStorageCorruption,
			"entrystore: split_range size mismatch: expected %d, scanned %d", knownSize, len(rows))
	}
	return rows, nil
}

func (s *Storage3d) splitOnPath(r willow.Range3d, knownSize uint64) (willow.Range3d, willow.Range3d, bool, error) {
	rows, err := s.rowsFor(r, OrderPath, knownSize)
	if err != nil {
		return willow.Range3d{}, willow.Range3d{}, false, err
	}
	mid := (len(rows) + 1) / 2
	b, ok := findTieBreak(len(rows), mid, func(i, j int) bool {
		return rows[i].Entry.Path.Equal(rows[j].Entry.Path)
	})
	if !ok {
		return willow.Range3d{}, willow.Range3d{}, false, nil
	}
	splitPath := rows[b].Entry.Path
	left := r
	left.PathRange = willow.PathRange{Start: r.PathRange.Start, End: splitPath}
	right := r
	right.PathRange = willow.PathRange{Start: splitPath, End: r.PathRange.End}
	return left, right, true, nil
}

func (s *Storage3d) splitOnSubspace(r willow.Range3d, knownSize uint64) (willow.Range3d, willow.Range3d, bool, error) {
	rows, err := s.rowsFor(r, OrderSubspace, knownSize)
	if err != nil {
		return willow.Range3d{}, willow.Range3d{}, false, err
	}
	mid := (len(rows) + 1) / 2
	b, ok := findTieBreak(len(rows), mid, func(i, j int) bool {
		return rows[i].Entry.Subspace.Equal(rows[j].Entry.Subspace)
	})
	if !ok {
		return willow.Range3d{}, willow.Range3d{}, false, nil
	}
	splitSubspace := rows[b].Entry.Subspace
	left := r
	left.SubspaceRange = willow.SubspaceRange{Start: r.SubspaceRange.Start, End: splitSubspace}
	right := r
	right.SubspaceRange = willow.SubspaceRange{Start: splitSubspace, End: r.SubspaceRange.End}
	return left, right, true, nil
}

func (s *Storage3d) splitOnTime(r willow.Range3d, knownSize uint64) (willow.Range3d, willow.Range3d, bool, error) {
	rows, err := s.rowsFor(r, OrderTimestamp, knownSize)
	if err != nil {
		return willow.Range3d{}, willow.Range3d{}, false, err
	}
	mid := (len(rows) + 1) / 2
	b, ok := findTieBreak(len(rows), mid, func(i, j int) bool {
		return rows[i].Entry.Timestamp == rows[j].Entry.Timestamp
	})
	if !ok {
		return willow.Range3d{}, willow.Range3d{}, false, nil
	}
	splitTime := rows[b].Entry.Timestamp
	left := r
	left.TimeRange = willow.U64Range{Start: r.TimeRange.Start, End: splitTime}
	right := r
	right.TimeRange = willow.U64Range{Start: splitTime, End: r.TimeRange.End}
	return left, right, true, nil
}

// UpdateAvailablePayload is a no-op placeholder at the Storage3d layer:
// availability (how many payload bytes are held locally) is not part of
// the indexed Entry itself but is derived on read by the Store layer from
// PayloadDriver.Length, so there is nothing to mutate here. The method
// exists to satisfy spec §4.2's named operation and documents where the
// real work happens.
func (s *Storage3d) UpdateAvailablePayload(_ willow.SubspaceID, _ willow.Path) error {
	return nil
}
