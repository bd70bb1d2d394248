// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

// markRegionsDirty records that base idx missed a write to
// [offset,+numBlocks).  A base that is not yet tracked on this
// channel starts being tracked.
func (inf *info) markRegionsDirty(ch *raid.Channel, idx uint8, offset, numBlocks uint64) {
	r := inf.raid
	if !r.DeltaBitmapEnabled || numBlocks == 0 {
		return
	}
	c := getChannel(ch)
	switch c.faultStates[idx] {
	case raid.FaultFaultyStopped:
		return
	case raid.FaultNone:
		bm, err := inf.allocBitmap(r.RegionCount())
		if err != nil {
			inf.abandonTracking(ch, idx, err)
			return
		}
		c.deltaBitmaps[idx] = bm
		c.faultStates[idx] = raid.FaultFaulty
		dlog.Infof(dlog.WithField(r.Context(), "raid.base", idx),
			"thread %q: tracking writes missed by base bdev", ch.Thread.Name())
	}

	beg := offset / r.RegionSize
	end := (offset+numBlocks-1)/r.RegionSize + 1
	bm := c.deltaBitmaps[idx]
	if end > bm.Len() {
		// The device has grown since the bitmap was allocated.
		bigger, err := inf.allocBitmap(end)
		if err != nil {
			inf.abandonTracking(ch, idx, err)
			return
		}
		bigger.Or(bm.Resized(end))
		bm = bigger
		c.deltaBitmaps[idx] = bm
	}
	bm.SetRange(beg, end)
}

// abandonTracking gives up on tracking base idx on this channel,
// keeping whatever it has tracked so far.
func (inf *info) abandonTracking(ch *raid.Channel, idx uint8, err error) {
	c := getChannel(ch)
	base := inf.raid.BaseBdev(idx)
	if bm := c.deltaBitmaps[idx]; bm != nil {
		base.MergeFaultyRegions(bm)
	}
	c.deltaBitmaps[idx] = nil
	c.faultStates[idx] = raid.FaultFaultyStopped
	base.MarkTrackingLost()
	dlog.Errorf(dlog.WithField(inf.raid.Context(), "raid.base", idx),
		"thread %q: cannot track writes missed by base bdev %q: %v", ch.Thread.Name(), base.Name, err)
}

// SetBaseFaultState moves this channel's view of base idx to state.
//
// Moving from FaultFaultyStopped straight to FaultFaulty is refused
// with bdev.ErrNoMem; the caller must go through FaultNone.  If the
// delta bitmap cannot be allocated, the state stays FaultNone, and
// the next write that the base misses tries again.
func (module) SetBaseFaultState(ch *raid.Channel, idx uint8, state raid.BaseFaultState) error {
	inf := getInfo(ch.Bdev)
	c := getChannel(ch)
	if int(idx) >= len(c.faultStates) {
		return fmt.Errorf("raid1: %w: no base bdev %d", raid.ErrInvalidConfig, idx)
	}
	base := inf.raid.BaseBdev(idx)
	ctx := dlog.WithField(inf.raid.Context(), "raid.base", idx)

	old := c.faultStates[idx]
	if old == state {
		return nil
	}
	switch state {
	case raid.FaultFaulty:
		if old == raid.FaultFaultyStopped {
			return fmt.Errorf("raid1: base %d: %w: tracking was stopped; reset to %v first",
				idx, bdev.ErrNoMem, raid.FaultNone)
		}
		bm, err := inf.allocBitmap(inf.raid.RegionCount())
		if err != nil {
			return fmt.Errorf("raid1: base %d: delta bitmap: %w", idx, err)
		}
		c.deltaBitmaps[idx] = bm
	case raid.FaultFaultyStopped:
		if old == raid.FaultFaulty {
			base.MergeFaultyRegions(c.deltaBitmaps[idx])
		}
		c.deltaBitmaps[idx] = nil
	case raid.FaultNone:
		c.deltaBitmaps[idx] = nil
	default:
		return fmt.Errorf("raid1: %w: unknown fault state %v", raid.ErrInvalidConfig, state)
	}
	c.faultStates[idx] = state
	dlog.Debugf(ctx, "thread %q: fault state %v => %v", ch.Thread.Name(), old, state)
	return nil
}
