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

// Package payloadstore implements the PayloadDriver capability of spec
// §4.1: a content-addressed blob store with partial/staged receipt, built
// over an afero.Fs so tests can swap in an in-memory filesystem.
package payloadstore

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/erigontech/willowsync/internal/willow"
)

const stagingDir = "staging"

// Driver is a content-addressed blob store. Complete blobs live at
// digest-named paths under the store root; partial blobs live under
// staging/ keyed by expected digest, invisible to Get until committed.
type Driver struct {
	fs     afero.Fs
	scheme willow.PayloadScheme

	mu       sync.Mutex // guards partial-blob bookkeeping only; committed blobs are write-once
	partials map[string]*partialState
}

// New constructs a Driver rooted at fs using scheme for content digests.
func New(fs afero.Fs, scheme willow.PayloadScheme) (*Driver, error) {
	if err := fs.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return &Driver{fs: fs, scheme: scheme, partials: make(map[string]*partialState)}, nil
}

// newToken returns a fresh staging-file discriminator, unique enough to
// avoid colliding with a concurrent receive for the same digest across
// process restarts (the in-memory partials map does not survive one).
func newToken() string {
	return uuid.NewString()
}

// osFlagsForWriteAt opens (creating if absent) a staging file for
// positional writes without truncating bytes already written by an
// earlier, possibly out-of-order, Receive call.
const osFlagsForWriteAt = os.O_CREATE | os.O_WRONLY

func blobPath(digest willow.PayloadDigest) string {
	return digest.String()
}

func stagingPath(digest willow.PayloadDigest, token string) string {
	return stagingDir + "/" + digest.String() + "." + token
}

// Get returns the complete payload for digest, or ok=false if absent (or
// only partially received).
func (d *Driver) Get(digest willow.PayloadDigest) (willow.Payload, bool, error) {
	info, err := d.fs.Stat(blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return &fileePayload{fs: d.fs, path: blobPath(digest), size: uint64(info.Size())}, true, nil
}

// Length returns the number of bytes held locally for digest: the full
// length if committed complete, 0 if absent. (Partial/staged bytes are
// not reported here; Store tracks availability via LengthyEntry using the
// caller-visible committed length only, matching "partial blobs are not
// visible to get".)
func (d *Driver) Length(digest willow.PayloadDigest) (uint64, error) {
	info, err := d.fs.Stat(blobPath(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return uint64(info.Size()), nil
}

// Set stores a complete blob read from r, computing its digest.
func (d *Driver) Set(r io.Reader) (willow.PayloadDigest, uint64, willow.Payload, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	digest, length, err := d.scheme.Digest(bytes.NewReader(buf))
	if err != nil {
		return nil, 0, nil, err
	}
	if err := d.writeAtomic(blobPath(digest), buf); err != nil {
		return nil, 0, nil, err
	}
	return digest, length, &fileePayload{fs: d.fs, path: blobPath(digest), size: length}, nil
}

func (d *Driver) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(d.fs, tmp, data, 0o644); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	if err := d.fs.Rename(tmp, path); err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return nil
}

// Erase deletes digest's complete blob. It reports ok=false if it was not
// present.
func (d *Driver) Erase(digest willow.PayloadDigest) (bool, error) {
	path := blobPath(digest)
	if _, err := d.fs.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	if err := d.fs.Remove(path); err != nil {
		return false, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return true, nil
}

// fileePayload implements willow.Payload over a path in an afero.Fs.
type fileePayload struct {
	fs   afero.Fs
	path string
	size uint64
}

func (p *fileePayload) Length() uint64 { return p.size }

func (p *fileePayload) Bytes(offset uint64) ([]byte, error) {
	f, err := p.fs.Open(p.path)
	if err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	defer f.Close()
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return io.ReadAll(f)
}

func (p *fileePayload) Reader(offset uint64) (io.ReadCloser, error) {
	f, err := p.fs.Open(p.path)
	if err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return f, nil
}
