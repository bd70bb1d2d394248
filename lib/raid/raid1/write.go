// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

// submitWrite fans a write out to every base, in ascending order.
// It may be called again (from an I/O-wait callback) to resume at
// rio.BaseBdevIOSubmitted.
func submitWrite(rio *raid.IO) {
	ch := rio.Channel
	inf := getInfo(rio.Bdev)
	n := uint8(ch.NumBaseChannels())
	if rio.BaseBdevIOSubmitted == 0 {
		// If every base is skipped, the write has failed.
		rio.BeginParts(n, bdev.StatusFailed)
	}
	for idx := rio.BaseBdevIOSubmitted; idx < n; idx++ {
		baseCh := ch.BaseChannel(idx)
		if baseCh == nil {
			inf.markRegionsDirty(ch, idx, rio.Offset, rio.NumBlocks)
			rio.BaseBdevIOSubmitted = idx + 1
			if rio.CompletePart(1, bdev.StatusFailed) {
				return
			}
			continue
		}
		base := rio.Bdev.BaseBdev(idx)
		idx := idx
		err := baseCh.WriteBlocksExt(rio.Iovs, base.DataOffset+rio.Offset, rio.NumBlocks,
			func(ok bool) { writeComplete(rio, idx, ok) },
			rio.ExtOpts())
		if err != nil {
			if errors.Is(err, bdev.ErrNoMem) {
				rio.QueueWait(baseCh, func() { submitWrite(rio) })
				return
			}
			dlog.Errorf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
				"submitting write of blocks [%d,+%d): %v", rio.Offset, rio.NumBlocks, err)
			rio.BaseBdevIOSubmitted = n
			rio.CompletePart(n-idx, bdev.StatusFailed)
			return
		}
		rio.BaseBdevIOSubmitted = idx + 1
	}
}

func writeComplete(rio *raid.IO, idx uint8, ok bool) {
	if !ok {
		dlog.Warnf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
			"write of blocks [%d,+%d) failed", rio.Offset, rio.NumBlocks)
		getInfo(rio.Bdev).markRegionsDirty(rio.Channel, idx, rio.Offset, rio.NumBlocks)
		rio.Bdev.FailBaseBdev(idx)
		rio.CompletePart(1, bdev.StatusFailed)
		return
	}
	rio.CompletePart(1, bdev.StatusSuccess)
}

// SubmitNullPayloadRequest fans a flush or unmap out to every base.
// A base that is closed has nothing to flush or unmap, so it counts
// as a success.
func (module) SubmitNullPayloadRequest(rio *raid.IO) {
	switch rio.Type {
	case bdev.IOTypeFlush, bdev.IOTypeUnmap:
	default:
		dlog.Errorf(rio.Bdev.Context(), "raid1: %v", fmt.Errorf("%w: %v is not a flush or unmap", raid.ErrInvalidIOType, rio.Type))
		rio.Complete(bdev.StatusFailed)
		return
	}
	ch := rio.Channel
	n := uint8(ch.NumBaseChannels())
	if rio.BaseBdevIOSubmitted == 0 {
		rio.BeginParts(n, bdev.StatusSuccess)
	}
	for idx := rio.BaseBdevIOSubmitted; idx < n; idx++ {
		baseCh := ch.BaseChannel(idx)
		if baseCh == nil {
			rio.BaseBdevIOSubmitted = idx + 1
			if rio.CompletePart(1, bdev.StatusSuccess) {
				return
			}
			continue
		}
		base := rio.Bdev.BaseBdev(idx)
		cb := func(ok bool) {
			if ok {
				rio.CompletePart(1, bdev.StatusSuccess)
			} else {
				rio.CompletePart(1, bdev.StatusFailed)
			}
		}
		var err error
		if rio.Type == bdev.IOTypeFlush {
			err = baseCh.FlushBlocks(base.DataOffset+rio.Offset, rio.NumBlocks, cb)
		} else {
			err = baseCh.UnmapBlocks(base.DataOffset+rio.Offset, rio.NumBlocks, cb)
		}
		if err != nil {
			if errors.Is(err, bdev.ErrNoMem) {
				rio.QueueWait(baseCh, func() { module{}.SubmitNullPayloadRequest(rio) })
				return
			}
			dlog.Errorf(dlog.WithField(rio.Bdev.Context(), "raid.base", idx),
				"submitting %v of blocks [%d,+%d): %v", rio.Type, rio.Offset, rio.NumBlocks, err)
			rio.BaseBdevIOSubmitted = n
			rio.CompletePart(n-idx, bdev.StatusFailed)
			return
		}
		rio.BaseBdevIOSubmitted = idx + 1
	}
}
