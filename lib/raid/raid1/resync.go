// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"errors"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

var errNoReadSource = errors.New("no base bdev to read from")

type resync struct {
	pr  *raid.ProcessRequest
	ch  *raid.Channel
	src uint8
}

// SubmitProcessRequest copies one region from the least-busy healthy
// base to pr.Target.  An error return means that nothing was
// submitted and pr will not be completed.
func (module) SubmitProcessRequest(pr *raid.ProcessRequest, ch *raid.Channel) error {
	sel := getChannel(ch).selectReadBase(ch, containers.OptionalValue(pr.TargetIdx))
	if !sel.OK {
		return fmt.Errorf("raid1: resync of blocks [%d,+%d): %w", pr.Offset, pr.NumBlocks, errNoReadSource)
	}
	rs := &resync{
		pr:  pr,
		ch:  ch,
		src: sel.Val,
	}
	return rs.read()
}

func (rs *resync) opts() *bdev.ExtIOOpts {
	if rs.pr.Metadata == nil {
		return nil
	}
	return &bdev.ExtIOOpts{Metadata: rs.pr.Metadata}
}

func (rs *resync) read() error {
	pr := rs.pr
	baseCh := rs.ch.BaseChannel(rs.src)
	if baseCh == nil {
		return fmt.Errorf("raid1: resync of blocks [%d,+%d): base %d: %w", pr.Offset, pr.NumBlocks, rs.src, errNoReadSource)
	}
	base := pr.Bdev.BaseBdev(rs.src)
	err := baseCh.ReadBlocksExt([][]byte{pr.Iov}, base.DataOffset+pr.Offset, pr.NumBlocks, rs.readComplete, rs.opts())
	switch {
	case err == nil:
		getChannel(rs.ch).readStarted(rs.src, pr.NumBlocks)
		return nil
	case errors.Is(err, bdev.ErrNoMem):
		baseCh.QueueIOWait(func() {
			if err := rs.read(); err != nil {
				dlog.Errorf(pr.Bdev.Context(), "%v", err)
				pr.Complete(bdev.StatusFailed)
			}
		})
		return nil
	default:
		return fmt.Errorf("raid1: resync of blocks [%d,+%d): base %d: %w", pr.Offset, pr.NumBlocks, rs.src, err)
	}
}

func (rs *resync) readComplete(ok bool) {
	pr := rs.pr
	getChannel(rs.ch).readFinished(rs.src, pr.NumBlocks)
	if !ok {
		dlog.Errorf(dlog.WithField(pr.Bdev.Context(), "raid.base", rs.src),
			"resync: read of blocks [%d,+%d) failed", pr.Offset, pr.NumBlocks)
		pr.Complete(bdev.StatusFailed)
		return
	}
	rs.write()
}

func (rs *resync) write() {
	pr := rs.pr
	target := pr.Bdev.BaseBdev(pr.TargetIdx)
	err := pr.Target.WriteBlocksExt([][]byte{pr.Iov}, target.DataOffset+pr.Offset, pr.NumBlocks,
		func(ok bool) {
			if !ok {
				dlog.Errorf(dlog.WithField(pr.Bdev.Context(), "raid.base", pr.TargetIdx),
					"resync: write of blocks [%d,+%d) failed", pr.Offset, pr.NumBlocks)
				pr.Complete(bdev.StatusFailed)
				return
			}
			pr.Complete(bdev.StatusSuccess)
		},
		rs.opts())
	switch {
	case err == nil:
	case errors.Is(err, bdev.ErrNoMem):
		pr.Target.QueueIOWait(rs.write)
	default:
		dlog.Errorf(dlog.WithField(pr.Bdev.Context(), "raid.base", pr.TargetIdx),
			"resync: submitting write of blocks [%d,+%d): %v", pr.Offset, pr.NumBlocks, err)
		pr.Complete(bdev.StatusFailed)
	}
}
