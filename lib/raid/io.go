// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"fmt"

	"git.lukeshu.com/raid1-ng/lib/bdev"
)

// IO is one user I/O against a raid bdev.  The Base* fields are for
// the module's fan-out bookkeeping.
type IO struct {
	Bdev    *Bdev
	Channel *Channel

	Type            bdev.IOType
	Offset          uint64
	NumBlocks       uint64
	Iovs            [][]byte
	Metadata        []byte
	MemoryDomain    bdev.MemoryDomain
	MemoryDomainCtx any

	// BaseBdevIORemaining is the number of per-base parts that
	// have not yet reported a status.
	BaseBdevIORemaining uint8
	// BaseBdevIOSubmitted is the index of the next base to submit
	// to; a submission that is interrupted by ErrNoMem resumes
	// here.
	BaseBdevIOSubmitted uint8
	// BaseBdevIOStatus is the status the IO completes with if no
	// part reports otherwise.
	BaseBdevIOStatus bdev.Status

	// ModuleData is private to the Module.
	ModuleData any

	anyFailed bool
	admitted  bool
	completed bool
	cb        func(bdev.Status)
}

// NewIO creates an IO without submitting it.  cb, if non-nil, is
// called on ch's thread once the IO completes.
func NewIO(ch *Channel, typ bdev.IOType, offset, numBlocks uint64, iovs [][]byte, cb func(bdev.Status)) *IO {
	return &IO{
		Bdev:      ch.Bdev,
		Channel:   ch,
		Type:      typ,
		Offset:    offset,
		NumBlocks: numBlocks,
		Iovs:      iovs,
		cb:        cb,
	}
}

func (rio *IO) check() error {
	numBlocks := rio.Bdev.NumBlocks()
	if rio.NumBlocks == 0 || rio.Offset >= numBlocks || rio.NumBlocks > numBlocks-rio.Offset {
		return fmt.Errorf("blocks [%d,+%d) out of range [0,%d)", rio.Offset, rio.NumBlocks, numBlocks)
	}
	if rio.Bdev.Offline() {
		return ErrOffline
	}
	if rio.Type == bdev.IOTypeRead || rio.Type == bdev.IOTypeWrite {
		var size uint64
		for _, iov := range rio.Iovs {
			size += uint64(len(iov))
		}
		if need := rio.NumBlocks * uint64(rio.Bdev.BlockLen); size < need {
			return fmt.Errorf("iovs hold %d bytes, need %d", size, need)
		}
	}
	return nil
}

// ExtOpts returns the options to pass along with each per-base
// submission.
func (rio *IO) ExtOpts() *bdev.ExtIOOpts {
	if rio.Metadata == nil && rio.MemoryDomain == nil {
		return nil
	}
	return &bdev.ExtIOOpts{
		MemoryDomain:    rio.MemoryDomain,
		MemoryDomainCtx: rio.MemoryDomainCtx,
		Metadata:        rio.Metadata,
	}
}

// BeginParts arms the IO for n per-base parts.  If no part reports
// a failure, the IO completes with status def.
func (rio *IO) BeginParts(n uint8, def bdev.Status) {
	rio.BaseBdevIORemaining = n
	rio.BaseBdevIOSubmitted = 0
	rio.BaseBdevIOStatus = def
	rio.anyFailed = false
}

// CompletePart records that n parts have finished with status, and
// completes the IO once no parts remain.  It reports whether this
// completed the IO.
//
// The IO succeeds only if every part succeeded, or if no part
// reported a failure and the default status is success.
func (rio *IO) CompletePart(n uint8, status bdev.Status) bool {
	if n > rio.BaseBdevIORemaining {
		panic(fmt.Errorf("raid.IO.CompletePart: %d parts completed but only %d remain", n, rio.BaseBdevIORemaining))
	}
	switch status {
	case bdev.StatusSuccess:
		if !rio.anyFailed {
			rio.BaseBdevIOStatus = bdev.StatusSuccess
		}
	default:
		rio.anyFailed = true
		rio.BaseBdevIOStatus = status
	}
	rio.BaseBdevIORemaining -= n
	if rio.BaseBdevIORemaining > 0 {
		return false
	}
	rio.Complete(rio.BaseBdevIOStatus)
	return true
}

// Complete finishes the IO.  It panics if the IO has already been
// completed.  The user's callback runs on a later tick of the
// channel's thread.
func (rio *IO) Complete(status bdev.Status) {
	if rio.completed {
		panic(fmt.Errorf("raid.IO.Complete: %v at %d+%d completed twice", rio.Type, rio.Offset, rio.NumBlocks))
	}
	rio.completed = true
	if rio.admitted {
		rio.Bdev.retire()
	}
	if rio.cb != nil {
		cb := rio.cb
		rio.Channel.Thread.Send(func() { cb(status) })
	}
}

// QueueWait arranges for fn to be called back on the IO's thread
// once baseCh may have resources available again.
func (rio *IO) QueueWait(baseCh bdev.Channel, fn func()) {
	baseCh.QueueIOWait(fn)
}
