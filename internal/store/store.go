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

// Package store implements the per-namespace Store of spec §4.3: the
// single entry point for local writes (Set), remote ingestion
// (IngestEntry/IngestPayload), and read-side queries (Query, Summarise,
// SplitRange), coordinating entrystore's indexes with payloadstore's blobs
// under a write-ahead log.
package store

import (
	"bytes"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/erigontech/erigon-lib/log/v3"
	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/entrystore"
	"github.com/erigontech/willowsync/internal/kv"
	"github.com/erigontech/willowsync/internal/payloadstore"
	"github.com/erigontech/willowsync/internal/willow"
)

// tokenCacheSize bounds the reconstituted-auth-token cache. Each entry's
// token blob holds its own dynamic token, so the cache is keyed per entry:
// it absorbs repeat lookups of the same entries across queries and
// reconciliation passes.
const tokenCacheSize = 4096

// IngestOutcome classifies the result of IngestEntry/Set, mirroring
// spec §4.3's tagged result.
type IngestOutcome int

const (
	OutcomeSuccess IngestOutcome = iota
	OutcomeNoOpNewerPrefixFound
	OutcomeNoOpObsoleteFromSameSubspace
	OutcomeNoOpStaleDigest
	OutcomeNoOpStaleLength
	OutcomeInvalidEntry
)

// IngestEvent is the result of Set/IngestEntry.
type IngestEvent struct {
	Outcome          IngestOutcome
	Entry            willow.Entry
	Token            willow.AuthorisationToken
	Pruned           []willow.Entry
	ExternalSourceID string
}

// PayloadIngestOutcome classifies the result of IngestPayload.
type PayloadIngestOutcome int

const (
	PayloadIngestSuccess PayloadIngestOutcome = iota
	PayloadIngestNoEntry
	PayloadIngestAlreadyHaveIt
	PayloadIngestDataMismatch
)

type PayloadIngestEvent struct {
	Outcome PayloadIngestOutcome
	Entry   willow.Entry
}

// SetInput is the local-write parameter of Set; Timestamp of 0 means
// "use the current wall clock".
type SetInput struct {
	Path      willow.Path
	Subspace  willow.SubspaceID
	Payload   io.Reader
	Timestamp uint64
}

// Store owns one namespace's entry index, payload blobs, and write-ahead
// log, serialising every mutation behind a single ingestion mutex (spec
// §5: "mutations to one store are serialised").
type Store struct {
	namespace willow.NamespaceID
	schemes   willow.SchemeSet
	signer    willow.Signer

	db       *kv.DB
	payloads *payloadstore.Driver

	storage3d  *entrystore.Storage3d
	prefixIdx  *entrystore.PrefixIndex
	payloadRef *entrystore.PayloadReferenceCounter
	wal        *entrystore.WriteAheadFlag

	ingestMu sync.Mutex

	tokenCache *lru.Cache[string, willow.AuthorisationToken]

	logger log.Logger
}

// Open constructs a Store over db/payloads for namespace, replaying any
// pending WAL-flagged mutation from a prior crash before returning (spec
// §4.3's "WAL recovery" constructor).
func Open(namespace willow.NamespaceID, db *kv.DB, payloads *payloadstore.Driver, schemes willow.SchemeSet, signer willow.Signer) (*Store, error) {
	tokenCache, err := lru.New[string, willow.AuthorisationToken](tokenCacheSize)
	if err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	s := &Store{
		namespace:  namespace,
		schemes:    schemes,
		signer:     signer,
		db:         db,
		payloads:   payloads,
		storage3d:  entrystore.NewStorage3d(db, schemes.Subspace, schemes.Fingerprint),
		prefixIdx:  entrystore.NewPrefixIndex(db),
		payloadRef: entrystore.NewPayloadReferenceCounter(db),
		wal:        entrystore.NewWriteAheadFlag(db),
		tokenCache: tokenCache,
		logger:     log.Root().New("namespace", namespace.String()),
	}
	if err := s.recoverFromWAL(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverFromWAL() error {
	if row, ok, err := s.wal.WasInserting(); err != nil {
		return err
	} else if ok {
		s.logger.Warn("replaying pending insertion after restart", "path", row.Entry.Path.String())
		if _, err := s.insertEntry(row.Entry, row.AuthTokenDigest); err != nil {
			return err
		}
	}
	if entry, ok, err := s.wal.WasRemoving(); err != nil {
		return err
	} else if ok {
		s.logger.Warn("replaying pending removal after restart", "path", entry.Path.String())
		if err := s.storage3d.Remove(entry); err != nil {
			return err
		}
		if err := s.prefixIdx.Remove(entry.Subspace, entry.Path); err != nil {
			return err
		}
		if err := s.wal.UnflagRemoval(); err != nil {
			return err
		}
	}
	return nil
}

// Set is the local-write entry point: stage the payload, build the entry,
// sign it, and ingest it.
func (s *Store) Set(input SetInput) (IngestEvent, error) {
	digest, length, _, err := s.payloads.Set(input.Payload)
	if err != nil {
		return IngestEvent{}, err
	}

	ts := input.Timestamp
	if ts == 0 {
		ts = uint64(time.Now().UnixMicro())
	}
	entry := willow.Entry{
		Namespace:     s.namespace,
		Subspace:      input.Subspace,
		Path:          input.Path,
		Timestamp:     ts,
		PayloadLength: length,
		PayloadDigest: digest,
	}
	token, err := s.signer.Authorise(entry)
	if err != nil {
		return IngestEvent{}, err
	}

	event, err := s.IngestEntry(entry, token, "")
	if err != nil || event.Outcome != OutcomeSuccess {
		if n, cerr := s.payloadRef.Count(digest); cerr == nil && n == 0 {
			if _, eerr := s.payloads.Erase(digest); eerr != nil {
				s.logger.Warn("failed to erase orphaned payload after failed set", "err", eerr)
			}
		}
	}
	return event, err
}

// IngestEntry validates and (if accepted) stores entry, pruning any
// now-obsolete prefixed entries, per spec §4.3.
func (s *Store) IngestEntry(entry willow.Entry, token willow.AuthorisationToken, externalSourceID string) (IngestEvent, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if !entry.Namespace.Equal(s.namespace) {
		return IngestEvent{Outcome: OutcomeInvalidEntry}, nil
	}
	if !s.schemes.Auth.IsAuthorisedWrite(entry, token) {
		return IngestEvent{Outcome: OutcomeInvalidEntry}, nil
	}

	prefixes, err := s.prefixIdx.PrefixesOf(entry.Subspace, entry.Path)
	if err != nil {
		return IngestEvent{}, err
	}
	for _, p := range prefixes {
		if p.Timestamp >= entry.Timestamp {
			return IngestEvent{Outcome: OutcomeNoOpNewerPrefixFound}, nil
		}
	}

	existing, found, err := s.storage3d.Get(s.prefixIdx, entry.Subspace, entry.Path)
	if err != nil {
		return IngestEvent{}, err
	}
	if found {
		switch {
		case existing.Entry.Timestamp > entry.Timestamp:
			return IngestEvent{Outcome: OutcomeNoOpObsoleteFromSameSubspace}, nil
		case existing.Entry.Timestamp == entry.Timestamp && s.schemes.Payload.Compare(entry.PayloadDigest, existing.Entry.PayloadDigest) < 0:
			return IngestEvent{Outcome: OutcomeNoOpStaleDigest}, nil
		case existing.Entry.Timestamp == entry.Timestamp &&
			bytes.Equal(entry.PayloadDigest, existing.Entry.PayloadDigest) &&
			entry.PayloadLength <= existing.Entry.PayloadLength:
			return IngestEvent{Outcome: OutcomeNoOpStaleLength}, nil
		default:
			if err := s.removeEntry(existing.Entry); err != nil {
				return IngestEvent{}, err
			}
		}
	}

	staticBytes, dynamicBytes := s.schemes.Auth.Decompose(token)
	tokenDigest, _, err := s.storeAuthToken(staticBytes, dynamicBytes)
	if err != nil {
		return IngestEvent{}, err
	}

	pruned, err := s.insertEntry(entry, tokenDigest)
	if err != nil {
		return IngestEvent{}, err
	}

	if externalSourceID != "" {
		s.logger.Info("entry ingested from external source", "path", entry.Path.String(), "source", externalSourceID)
	}
	return IngestEvent{
		Outcome:          OutcomeSuccess,
		Entry:            entry,
		Token:            token,
		Pruned:           pruned,
		ExternalSourceID: externalSourceID,
	}, nil
}

// removeEntry deletes an existing singleton-cell entry ahead of
// overwriting it with a newer one, per spec §4.3 step preceding
// insert_entry.
func (s *Store) removeEntry(entry willow.Entry) error {
	if err := s.storage3d.Remove(entry); err != nil {
		return err
	}
	if err := s.prefixIdx.Remove(entry.Subspace, entry.Path); err != nil {
		return err
	}
	s.logger.Debug("entry removed", "path", entry.Path.String(), "reason", "overwritten_by_newer")
	return nil
}

// storeAuthToken encodes (static, dynamic) into a single blob and stages
// it in the payload driver, returning its digest — tokens are
// content-addressed exactly like payloads. The blob includes the per-entry
// dynamic token, so a static token shared by many entries is stored once
// per entry, not once overall.
func (s *Store) storeAuthToken(static willow.StaticToken, dynamic willow.DynamicToken) (willow.PayloadDigest, uint64, error) {
	buf := encodeToken(static, dynamic)
	digest, length, _, err := s.payloads.Set(bytes.NewReader(buf))
	return digest, length, err
}

func encodeToken(static willow.StaticToken, dynamic willow.DynamicToken) []byte {
	buf := make([]byte, 0, 4+len(static)+len(dynamic))
	var lbuf [4]byte
	putUint32(lbuf[:], uint32(len(static)))
	buf = append(buf, lbuf[:]...)
	buf = append(buf, static...)
	buf = append(buf, dynamic...)
	return buf
}

func decodeToken(buf []byte) (willow.StaticToken, willow.DynamicToken, error) {
	if len(buf) < 4 {
		return nil, nil, errors.Wrap(willow.ErrStorageCorruption, "store: truncated token blob")
	}
	n := getUint32(buf[:4])
	rest := buf[4:]
	if uint32(len(rest)) < n {
		return nil, nil, errors.Wrap(willow.ErrStorageCorruption, "store: truncated static token")
	}
	return willow.StaticToken(rest[:n]), willow.DynamicToken(rest[n:]), nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// insertEntry is the internal operation of spec §4.3: flag, mutate the
// three indexes and the payload refcount, prune now-subsumed prefixed
// entries, then unflag. Returns the pruned entries.
func (s *Store) insertEntry(entry willow.Entry, authTokenDigest willow.PayloadDigest) ([]willow.Entry, error) {
	if err := s.wal.FlagInsertion(entry, authTokenDigest); err != nil {
		return nil, err
	}

	if err := s.db.Update(func(tx *kv.Tx) error {
		if err := s.storage3d.InsertTx(tx, entry, authTokenDigest); err != nil {
			return err
		}
		if err := s.prefixIdx.InsertTx(tx, entry.Subspace, entry.Path, entry.Timestamp); err != nil {
			return err
		}
		if _, err := s.payloadRef.IncrementTx(tx, entry.PayloadDigest); err != nil {
			return err
		}
		return nil
	}); err != nil {
		return nil, err
	}

	pruned, err := s.pruneSubsumed(entry)
	if err != nil {
		return nil, err
	}

	if err := s.wal.UnflagInsertion(); err != nil {
		return nil, err
	}
	return pruned, nil
}

// pruneSubsumed removes every stored entry strictly prefixed by entry's
// path with a stale timestamp, per spec §4.3's prefix-pruning invariant.
func (s *Store) pruneSubsumed(entry willow.Entry) ([]willow.Entry, error) {
	extensions, err := s.prefixIdx.PrefixedBy(entry.Subspace, entry.Path)
	if err != nil {
		return nil, err
	}
	var pruned []willow.Entry
	for _, ext := range extensions {
		if ext.Timestamp >= entry.Timestamp {
			continue
		}
		row, found, err := s.storage3d.Get(s.prefixIdx, entry.Subspace, ext.Path)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		if err := s.wal.FlagRemoval(row.Entry); err != nil {
			return nil, err
		}
		if err := s.storage3d.Remove(row.Entry); err != nil {
			return nil, err
		}
		if err := s.prefixIdx.Remove(row.Entry.Subspace, row.Entry.Path); err != nil {
			return nil, err
		}
		n, err := s.payloadRef.Decrement(row.Entry.PayloadDigest)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			if _, err := s.payloads.Erase(row.Entry.PayloadDigest); err != nil {
				return nil, err
			}
		}
		if _, err := s.payloads.Erase(row.AuthTokenDigest); err != nil {
			s.logger.Debug("auth token blob already absent on prune", "err", err)
		}
		pruned = append(pruned, row.Entry)
		s.logger.Debug("entry pruned", "path", row.Entry.Path.String(), "reason", "subsumed_by_prefix")
		if err := s.wal.UnflagRemoval(); err != nil {
			return nil, err
		}
	}
	return pruned, nil
}

// IngestPayload attempts to complete entry's payload from r starting at
// offset, per spec §4.3.
func (s *Store) IngestPayload(locator EntryLocator, r io.Reader, offset uint64) (PayloadIngestEvent, error) {
	row, found, err := s.storage3d.Get(s.prefixIdx, locator.Subspace, locator.Path)
	if err != nil {
		return PayloadIngestEvent{}, err
	}
	if !found {
		return PayloadIngestEvent{Outcome: PayloadIngestNoEntry}, nil
	}
	entry := row.Entry

	held, err := s.payloads.Length(entry.PayloadDigest)
	if err != nil {
		return PayloadIngestEvent{}, err
	}
	if held >= entry.PayloadLength {
		return PayloadIngestEvent{Outcome: PayloadIngestAlreadyHaveIt, Entry: entry}, nil
	}

	receipt, err := s.payloads.Receive(r, offset, entry.PayloadLength, entry.PayloadDigest)
	if err != nil {
		return PayloadIngestEvent{}, err
	}
	if receipt.Length() != entry.PayloadLength || !receipt.Digest().Equal(entry.PayloadDigest) {
		if rerr := receipt.Reject(); rerr != nil {
			s.logger.Warn("failed to reject mismatched payload receipt", "err", rerr)
		}
		return PayloadIngestEvent{Outcome: PayloadIngestDataMismatch, Entry: entry}, nil
	}
	if err := receipt.Commit(true); err != nil {
		return PayloadIngestEvent{}, err
	}
	if err := s.storage3d.UpdateAvailablePayload(entry.Subspace, entry.Path); err != nil {
		return PayloadIngestEvent{}, err
	}
	s.logger.Debug("payload ingested", "path", entry.Path.String())
	return PayloadIngestEvent{Outcome: PayloadIngestSuccess, Entry: entry}, nil
}

// EntryLocator identifies the singleton cell an IngestPayload call targets.
type EntryLocator struct {
	Subspace willow.SubspaceID
	Path     willow.Path
}

// QueriedEntry is one result of Query: an entry, its payload (if wanted
// and present), and its authorisation token.
type QueriedEntry struct {
	Entry   willow.LengthyEntry
	Payload willow.Payload
	Token   willow.AuthorisationToken
}

// Query yields every entry covered by aoi, normalised to a Range3d via
// AreaOfInterestToRange, in the requested order.
func (s *Store) Query(aoi willow.AreaOfInterest, order entrystore.Order, reverse bool) ([]QueriedEntry, error) {
	r, err := s.AreaOfInterestToRange(aoi)
	if err != nil {
		return nil, err
	}
	rows, err := s.storage3d.Query(entrystore.RangeOfInterest{Range: r, MaxCount: aoi.MaxCount, MaxSize: aoi.MaxSize}, order, reverse)
	if err != nil {
		return nil, err
	}
	return s.hydrate(rows)
}

func (s *Store) hydrate(rows []entrystore.Row) ([]QueriedEntry, error) {
	out := make([]QueriedEntry, 0, len(rows))
	for _, row := range rows {
		held, err := s.payloads.Length(row.Entry.PayloadDigest)
		if err != nil {
			return nil, err
		}
		var payload willow.Payload
		if held > 0 {
			payload, _, err = s.payloads.Get(row.Entry.PayloadDigest)
			if err != nil {
				return nil, err
			}
		}
		token, err := s.reconstituteToken(row.AuthTokenDigest)
		if err != nil {
			return nil, err
		}
		out = append(out, QueriedEntry{
			Entry:   willow.LengthyEntry{Entry: row.Entry, Available: held},
			Payload: payload,
			Token:   token,
		})
	}
	return out, nil
}

func (s *Store) reconstituteToken(digest willow.PayloadDigest) (willow.AuthorisationToken, error) {
	key := digest.String()
	if cached, ok := s.tokenCache.Get(key); ok {
		return cached, nil
	}
	blob, ok, err := s.payloads.Get(digest)
	if err != nil {
		return willow.AuthorisationToken{}, err
	}
	if !ok {
		return willow.AuthorisationToken{}, errors.Wrap(willow.ErrStorageCorruption, "store: missing auth token blob")
	}
	buf, err := blob.Bytes(0)
	if err != nil {
		return willow.AuthorisationToken{}, err
	}
	static, dynamic, err := decodeToken(buf)
	if err != nil {
		return willow.AuthorisationToken{}, err
	}
	token := s.schemes.Auth.Compose(static, dynamic)
	s.tokenCache.Add(key, token)
	return token, nil
}

// Summarise returns the fingerprint and size of every entry in r.
func (s *Store) Summarise(r willow.Range3d) (entrystore.Summary, error) {
	return s.storage3d.Summarise(r)
}

// SplitRange partitions r into two sub-ranges of approximately equal
// count, per spec §4.3/§4.2.
func (s *Store) SplitRange(r willow.Range3d, knownSize uint64) (willow.Range3d, willow.Range3d, error) {
	return s.storage3d.SplitRange(r, knownSize)
}

// AreaOfInterestToRange normalises aoi into a concrete Range3d: an
// unbounded subspace/path/time becomes the corresponding unbounded
// Range3d dimension; count/size caps are applied by the caller of Query,
// not baked into the range itself (the range is purely positional).
func (s *Store) AreaOfInterestToRange(aoi willow.AreaOfInterest) (willow.Range3d, error) {
	r := willow.Range3d{TimeRange: aoi.Area.TimeRange}
	if aoi.Area.Subspace != nil {
		successor, ok := s.schemes.Subspace.Successor(aoi.Area.Subspace)
		r.SubspaceRange = willow.SubspaceRange{Start: aoi.Area.Subspace}
		if ok {
			r.SubspaceRange.End = successor
		}
	}
	if len(aoi.Area.PathPrefix) > 0 {
		r.PathRange = pathPrefixRange(aoi.Area.PathPrefix)
	}
	return r, nil
}

// pathPrefixRange returns the half-open path range [prefix, successor)
// covering every path that prefix is a (non-strict) prefix of.
func pathPrefixRange(prefix willow.Path) willow.PathRange {
	end := prefix.Clone()
	for i := len(end) - 1; i >= 0; i-- {
		inc, ok := incrementBytes(end[i])
		if ok {
			end[i] = inc
			return willow.PathRange{Start: prefix, End: end[:i+1]}
		}
		end = end[:i]
	}
	return willow.PathRange{Start: prefix, End: nil} // every component was all-0xff: unbounded above
}

func incrementBytes(b []byte) ([]byte, bool) {
	out := append([]byte(nil), b...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out[:i+1], true
		}
	}
	return nil, false
}

// PayloadHeld reports how many bytes of digest are locally held.
func (s *Store) PayloadHeld(digest willow.PayloadDigest) (uint64, error) {
	return s.payloads.Length(digest)
}

// OpenPayload returns a reader over digest's locally-held bytes starting
// at offset, for streaming a payload onto the wire (DataSender, spec
// §4.11).
func (s *Store) OpenPayload(digest willow.PayloadDigest, offset uint64) (io.ReadCloser, uint64, error) {
	p, ok, err := s.payloads.Get(digest)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 0, errors.Wrap(willow.ErrStorageCorruption, "store: payload unexpectedly absent when opening for send")
	}
	r, err := p.Reader(offset)
	if err != nil {
		return nil, 0, err
	}
	return r, p.Length(), nil
}

// QueryRange yields every entry in r ordered oldest-first or newest-first.
func (s *Store) QueryRange(r willow.Range3d, newestFirst bool) ([]QueriedEntry, error) {
	rows, err := s.storage3d.Query(entrystore.RangeOfInterest{Range: r}, entrystore.OrderTimestamp, newestFirst)
	if err != nil {
		return nil, err
	}
	return s.hydrate(rows)
}
