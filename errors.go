// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package mpi

import (
	"github.com/pkg/errors"
)

// Error classes. Call sites wrap these with context; test with errors.Is.
var (
	ErrRank               = errors.New("mpi: invalid rank")
	ErrTag                = errors.New("mpi: invalid tag")
	ErrRoot               = errors.New("mpi: invalid root")
	ErrCount              = errors.New("mpi: invalid count")
	ErrBuffer             = errors.New("mpi: invalid buffer")
	ErrTypeMismatch       = errors.New("mpi: datatype mismatch")
	ErrTruncate           = errors.New("mpi: message truncated")
	ErrOp                 = errors.New("mpi: invalid reduction op")
	ErrNotInitialized     = errors.New("mpi: not initialized")
	ErrAlreadyInitialized = errors.New("mpi: already initialized")
	ErrFinalized          = errors.New("mpi: finalized")
	ErrRequestInactive    = errors.New("mpi: request inactive")
	ErrPeerGone           = errors.New("mpi: peer gone")
	ErrAborted            = errors.New("mpi: aborted")
)

func rankErr(rank, size int, what string) error {
	return errors.Wrapf(ErrRank, "%s %d not in [0, %d)", what, rank, size)
}
