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

package payloadstore

import (
	"io"

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// partialState tracks one in-progress receive for an expected digest.
// Not persisted across restarts: a crash mid-receive simply loses the
// partial (the caller's higher-level retry, e.g. a fresh
// DataSendPayload stream, re-supplies the bytes; spec's own open
// question notes live sessions in practice never rely on commit(false)
// surviving a restart).
type partialState struct {
	token    string
	filled   uint64 // contiguous bytes held from offset 0
	expected uint64
}

// PendingReceipt is the two-phase commit handle returned by Receive: the
// caller inspects Digest/Length and then calls exactly one of Commit or
// Reject.
type PendingReceipt struct {
	d        *Driver
	digest   willow.PayloadDigest // expected digest, pre-verification
	path     string
	token    string
	assembledDigest willow.PayloadDigest
	length   uint64
	complete bool
}

func (p *PendingReceipt) Digest() willow.PayloadDigest { return p.assembledDigest }
func (p *PendingReceipt) Length() uint64               { return p.length }

// Commit promotes the staged bytes to the final store if complete is true
// (requiring the assembled bytes to fully cover expected_length and match
// expected_digest), or leaves them staged as a partial if complete is
// false. Failure during a true commit leaves either the full blob or the
// partial blob in place, never a torn state, because promotion is a
// single atomic rename.
func (p *PendingReceipt) Commit(complete bool) error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()

	if !complete {
		return nil // already staged; nothing further to do
	}
	if !p.complete {
		return errors.Wrapf(willow.ErrValidation, "payloadstore: commit(true) requested but only %d/%d bytes are held", p.length, p.d.partials[p.digest.String()].expected)
	}
	if err := p.d.fs.Rename(p.path, blobPath(p.assembledDigest)); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	delete(p.d.partials, p.digest.String())
	return nil
}

// Reject discards the staged bytes.
func (p *PendingReceipt) Reject() error {
	p.d.mu.Lock()
	defer p.d.mu.Unlock()
	delete(p.d.partials, p.digest.String())
	if err := p.d.fs.Remove(p.path); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return nil
}

// Receive appends bytes read from r at offset to any existing partial for
// expectedDigest, idempotent against re-delivery of the same offset range,
// and returns a two-phase commit handle. expectedLength bounds when the
// receipt can be considered complete.
func (d *Driver) Receive(r io.Reader, offset, expectedLength uint64, expectedDigest willow.PayloadDigest) (*PendingReceipt, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}

	d.mu.Lock()
	key := expectedDigest.String()
	st, ok := d.partials[key]
	if !ok {
		st = &partialState{token: newToken(), expected: expectedLength}
		d.partials[key] = st
	}
	path := stagingPath(expectedDigest, st.token)
	d.mu.Unlock()

	if err := d.writeAt(path, offset, data); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if offset <= st.filled {
		end := offset + uint64(len(data))
		if end > st.filled {
			st.filled = end
		}
	}
	filled := st.filled
	token := st.token
	d.mu.Unlock()

	complete := filled >= expectedLength
	var assembled willow.PayloadDigest
	var curLen uint64
	if complete {
		f, err := d.fs.Open(path)
		if err != nil {
			return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
		}
		assembled, curLen, err = d.scheme.Digest(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if !assembled.Equal(expectedDigest) || curLen != expectedLength {
			complete = false // caller will see mismatch via Digest()/Length() and should Reject
		}
	} else {
		assembled = expectedDigest
		curLen = filled
	}

	return &PendingReceipt{
		d:               d,
		digest:          expectedDigest,
		path:            path,
		token:           token,
		assembledDigest: assembled,
		length:          curLen,
		complete:        complete,
	}, nil
}

func (d *Driver) writeAt(path string, offset uint64, data []byte) error {
	f, err := d.fs.OpenFile(path, osFlagsForWriteAt, 0o644)
	if err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	if _, err := f.Write(data); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return nil
}
