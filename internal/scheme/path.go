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

package scheme

import (
	"github.com/pkg/errors"

	"github.com/erigontech/willowsync/internal/willow"
)

// DefaultPathParams are the limits used when no caller override is given;
// generous enough for interactive testing, small enough to bound a
// misbehaving peer's path components.
const (
	DefaultMaxComponentLength = 4096
	DefaultMaxComponentCount  = 32
	DefaultMaxPathLength      = 4096 * 8
)

// BoundedPathScheme enforces simple length limits on paths, the minimal
// contract willow.PathScheme requires.
type BoundedPathScheme struct {
	MaxComponentLen   int
	MaxComponentCnt   int
	MaxTotalPathLen   int
}

// NewDefaultPathScheme returns a BoundedPathScheme with the package
// defaults.
func NewDefaultPathScheme() BoundedPathScheme {
	return BoundedPathScheme{
		MaxComponentLen: DefaultMaxComponentLength,
		MaxComponentCnt: DefaultMaxComponentCount,
		MaxTotalPathLen: DefaultMaxPathLength,
	}
}

func (s BoundedPathScheme) MaxComponentLength() int { return s.MaxComponentLen }
func (s BoundedPathScheme) MaxComponentCount() int  { return s.MaxComponentCnt }
func (s BoundedPathScheme) MaxPathLength() int      { return s.MaxTotalPathLen }

func (s BoundedPathScheme) Validate(p willow.Path) error {
	if len(p) > s.MaxComponentCnt {
		return errors.Wrapf(willow.ErrValidation, "path has %d components, max %d", len(p), s.MaxComponentCnt)
	}
	total := 0
	for _, c := range p {
		if len(c) > s.MaxComponentLen {
			return errors.Wrapf(willow.ErrValidation, "path component has %d bytes, max %d", len(c), s.MaxComponentLen)
		}
		total += len(c)
	}
	if total > s.MaxTotalPathLen {
		return errors.Wrapf(willow.ErrValidation, "path has %d total bytes, max %d", total, s.MaxTotalPathLen)
	}
	return nil
}
