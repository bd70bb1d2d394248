// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"errors"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

func submitRead(rio *raid.IO) {
	ch := rio.Channel
	c := getChannel(ch)
	sel := c.selectReadBase(ch, containers.Optional[uint8]{})
	if !sel.OK {
		dlog.Errorf(rio.Bdev.Context(), "read of blocks [%d,+%d): no base bdev is available",
			rio.Offset, rio.NumBlocks)
		rio.Complete(bdev.StatusFailed)
		return
	}
	idx := sel.Val
	baseCh := ch.BaseChannel(idx)
	base := rio.Bdev.BaseBdev(idx)
	err := baseCh.ReadBlocksExt(rio.Iovs, base.DataOffset+rio.Offset, rio.NumBlocks,
		func(ok bool) { readComplete(rio, idx, ok) },
		rio.ExtOpts())
	switch {
	case err == nil:
		c.readStarted(idx, rio.NumBlocks)
	case errors.Is(err, bdev.ErrNoMem):
		rio.QueueWait(baseCh, func() { submitRead(rio) })
	default:
		dlog.Errorf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
			"submitting read of blocks [%d,+%d): %v", rio.Offset, rio.NumBlocks, err)
		rio.Complete(bdev.StatusFailed)
	}
}

func readComplete(rio *raid.IO, idx uint8, ok bool) {
	getChannel(rio.Channel).readFinished(idx, rio.NumBlocks)
	if ok {
		rio.Complete(bdev.StatusSuccess)
		return
	}
	dlog.Warnf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
		"read of blocks [%d,+%d) failed; trying the other base bdevs", rio.Offset, rio.NumBlocks)
	rr := &readRepair{
		rio:       rio,
		failedIdx: idx,
	}
	rr.retry()
}

// readRepair recovers a failed read from another base, then writes
// the recovered data back to the base that failed.
type readRepair struct {
	rio       *raid.IO
	failedIdx uint8
	// next is the next slot to try; it only advances past a slot
	// once a read from that slot has failed.
	next int
}

func (rr *readRepair) retry() {
	rio := rr.rio
	ch := rio.Channel
	for ; rr.next < ch.NumBaseChannels(); rr.next++ {
		idx := uint8(rr.next)
		baseCh := ch.BaseChannel(idx)
		if baseCh == nil || idx == rr.failedIdx {
			continue
		}
		base := rio.Bdev.BaseBdev(idx)
		err := baseCh.ReadBlocksExt(rio.Iovs, base.DataOffset+rio.Offset, rio.NumBlocks,
			func(ok bool) { rr.retryComplete(idx, ok) },
			rio.ExtOpts())
		switch {
		case err == nil:
		case errors.Is(err, bdev.ErrNoMem):
			rio.QueueWait(baseCh, rr.retry)
		default:
			dlog.Errorf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
				"submitting retry read of blocks [%d,+%d): %v", rio.Offset, rio.NumBlocks, err)
			rr.fail()
		}
		return
	}
	dlog.Errorf(dlog.WithField(rio.Bdev.Context(), "raid.base", rr.failedIdx),
		"read of blocks [%d,+%d) failed on every base bdev", rio.Offset, rio.NumBlocks)
	rr.fail()
}

// fail gives up on the read, and fails the base that the read was
// first sent to.
func (rr *readRepair) fail() {
	rr.rio.Bdev.FailBaseBdev(rr.failedIdx)
	rr.rio.Complete(bdev.StatusFailed)
}

func (rr *readRepair) retryComplete(idx uint8, ok bool) {
	if !ok {
		rr.next = int(idx) + 1
		rr.retry()
		return
	}
	dlog.Debugf(dlog.WithField(rr.rio.Bdev.Context(), "raid.base", idx),
		"recovered blocks [%d,+%d)", rr.rio.Offset, rr.rio.NumBlocks)
	rr.rewrite()
}

// rewrite writes the recovered data to the base that failed the
// original read.  The read has already succeeded, so the IO succeeds
// whether or not the repair does.
func (rr *readRepair) rewrite() {
	rio := rr.rio
	ch := rio.Channel
	ctx := dlog.WithField(rio.Bdev.Context(), "raid.base", rr.failedIdx)
	baseCh := ch.BaseChannel(rr.failedIdx)
	if baseCh == nil {
		rr.repairFailed()
		rio.Complete(bdev.StatusSuccess)
		return
	}
	base := rio.Bdev.BaseBdev(rr.failedIdx)
	err := baseCh.WriteBlocksExt(rio.Iovs, base.DataOffset+rio.Offset, rio.NumBlocks,
		func(ok bool) {
			if ok {
				dlog.Infof(ctx, "repaired blocks [%d,+%d)", rio.Offset, rio.NumBlocks)
			} else {
				rr.repairFailed()
			}
			rio.Complete(bdev.StatusSuccess)
		},
		rio.ExtOpts())
	switch {
	case err == nil:
	case errors.Is(err, bdev.ErrNoMem):
		rio.QueueWait(baseCh, rr.rewrite)
	default:
		dlog.Errorf(ctx, "submitting repair of blocks [%d,+%d): %v", rio.Offset, rio.NumBlocks, err)
		rr.repairFailed()
		rio.Complete(bdev.StatusSuccess)
	}
}

func (rr *readRepair) repairFailed() {
	rio := rr.rio
	dlog.Warnf(dlog.WithField(rio.Bdev.Context(), "raid.base", rr.failedIdx),
		"could not repair blocks [%d,+%d)", rio.Offset, rio.NumBlocks)
	getInfo(rio.Bdev).markRegionsDirty(rio.Channel, rr.failedIdx, rio.Offset, rio.NumBlocks)
	rio.Bdev.FailBaseBdev(rr.failedIdx)
}
