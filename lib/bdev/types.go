// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package bdev is a small block I/O layer: block devices backed by a
// diskio.File, per-thread I/O channels with a bounded queue depth,
// and cooperative threads that run I/O completions.
package bdev

import (
	"errors"
	"fmt"
)

type IOType uint8

const (
	IOTypeRead IOType = iota
	IOTypeWrite
	IOTypeFlush
	IOTypeUnmap
)

func (t IOType) String() string {
	switch t {
	case IOTypeRead:
		return "read"
	case IOTypeWrite:
		return "write"
	case IOTypeFlush:
		return "flush"
	case IOTypeUnmap:
		return "unmap"
	default:
		return fmt.Sprintf("IOType(%d)", uint8(t))
	}
}

// Status is the outcome of a completed I/O.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	// ErrNoMem is returned from a submission when the channel is
	// temporarily out of resources.  It is always retryable: the
	// caller should register with Channel.QueueIOWait and
	// resubmit when called back.
	ErrNoMem = errors.New("out of I/O resources")

	ErrInvalid = errors.New("invalid argument")
)

// MemoryDomain identifies where an I/O's data buffers live.  Devices
// that support memory domains pass it through untouched.
type MemoryDomain interface {
	Name() string
}

// ExtIOOpts are the extended options that may accompany a read or
// write.
type ExtIOOpts struct {
	MemoryDomain    MemoryDomain
	MemoryDomainCtx any
	// Metadata is the separate (out-of-band) metadata buffer; it
	// must hold MDLen bytes per block.
	Metadata []byte
}

// CompletionFunc is called exactly once per successfully-submitted
// I/O, on the thread that owns the channel it was submitted to, and
// never before the submitting call has returned.
type CompletionFunc func(success bool)

// Desc is an open block device.
type Desc interface {
	Name() string
	BlockLen() uint32
	MDLen() uint32
	NumBlocks() uint64
	// OptimalIOBoundary is the device's preferred I/O alignment,
	// in blocks; 0 if it has none.
	OptimalIOBoundary() uint64
	GetIOChannel(*Thread) (Channel, error)
}

// Channel is a per-thread handle through which I/O is submitted to
// a device.  A Channel must only be used from its Thread.
type Channel interface {
	ReadBlocksExt(iovs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFunc, opts *ExtIOOpts) error
	WriteBlocksExt(iovs [][]byte, offsetBlocks, numBlocks uint64, cb CompletionFunc, opts *ExtIOOpts) error
	FlushBlocks(offsetBlocks, numBlocks uint64, cb CompletionFunc) error
	UnmapBlocks(offsetBlocks, numBlocks uint64, cb CompletionFunc) error
	// QueueIOWait arranges for fn to be called on the channel's
	// thread once resources may have become available.
	QueueIOWait(fn func())
}
