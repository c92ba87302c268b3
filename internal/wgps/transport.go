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
	"bufio"
	"io"

	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// Transport is a bidirectional byte stream, e.g. a net.Conn.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// Role distinguishes the session-establishing initiator from the
// responder, matching the spec's "Alfie / Betty" labels.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// ReadyTransport wraps a Transport and parses the session preamble of
// spec §6.1: a single max-payload-size-power byte followed by exactly
// challengeHashLength commitment bytes. After that, bytes flow through
// unmodified as framed messages.
type ReadyTransport struct {
	role               Role
	r                  *bufio.Reader
	w                  io.Writer
	closer             io.Closer
	maxPayloadSize     uint64
	receivedCommitment []byte
}

// NewReadyTransport consumes the preamble from t and returns a wrapper
// ready to exchange framed messages.
func NewReadyTransport(t Transport, role Role, challengeHashLength int) (*ReadyTransport, error) {
	r := bufio.NewReader(t)

	powByte, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	if powByte > 64 {
		return nil, errors.Wrapf(willow.ErrValidation, "wgps: max_payload_size_power %d exceeds 64", powByte)
	}

	commitment := make([]byte, challengeHashLength)
	if _, err := io.ReadFull(r, commitment); err != nil {
		return nil, errors.Wrap(willow.ErrTransientDriver, err.Error())
	}

	return &ReadyTransport{
		role:               role,
		r:                  r,
		w:                  t,
		closer:             t,
		maxPayloadSize:     uint64(1) << powByte,
		receivedCommitment: commitment,
	}, nil
}

func (rt *ReadyTransport) MaxPayloadSize() uint64    { return rt.maxPayloadSize }
func (rt *ReadyTransport) ReceivedCommitment() []byte { return rt.receivedCommitment }
func (rt *ReadyTransport) Role() Role                 { return rt.role }

// Read passes further inbound bytes through unmodified.
func (rt *ReadyTransport) Read(p []byte) (int, error) { return rt.r.Read(p) }

// Send is pass-through: write raw framed-message bytes to the peer.
func (rt *ReadyTransport) Send(b []byte) error {
	_, err := rt.w.Write(b)
	if err != nil {
		return errors.Wrap(willow.ErrTransientDriver, err.Error())
	}
	return nil
}

func (rt *ReadyTransport) Close() error { return rt.closer.Close() }
