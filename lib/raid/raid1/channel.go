// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"fmt"
	"math"

	"golang.org/x/exp/slices"

	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

// channel is the per-thread state; all of these are indexed by base
// slot.
type channel struct {
	readBlocksOutstanding []uint64
	// deltaBitmaps[i] is non-nil iff faultStates[i] is
	// FaultFaulty.
	deltaBitmaps []*containers.Bitmap
	faultStates  []raid.BaseFaultState
}

func getChannel(ch *raid.Channel) *channel {
	return ch.ModuleData.(*channel)
}

func (module) GetIOChannel(ch *raid.Channel) error {
	inf := getInfo(ch.Bdev)
	inf.mu.Lock()
	if inf.stopping {
		inf.mu.Unlock()
		return fmt.Errorf("raid1: cannot create a channel while stopping")
	}
	inf.nchannels++
	inf.mu.Unlock()

	n := ch.NumBaseChannels()
	ch.ModuleData = &channel{
		readBlocksOutstanding: make([]uint64, n),
		deltaBitmaps:          make([]*containers.Bitmap, n),
		faultStates:           make([]raid.BaseFaultState, n),
	}
	return nil
}

func (module) PutIOChannel(ch *raid.Channel) {
	ch.ModuleData = nil

	inf := getInfo(ch.Bdev)
	inf.mu.Lock()
	inf.nchannels--
	lastOut := inf.stopping && inf.nchannels == 0
	inf.mu.Unlock()
	if lastOut {
		ch.Bdev.ModuleStopDone()
	}
}

func (module) ChannelGrowBaseBdev(ch *raid.Channel) error {
	c := getChannel(ch)
	n := ch.NumBaseChannels()
	if n < len(c.faultStates) {
		return fmt.Errorf("raid1: cannot shrink channel from %d to %d base bdevs", len(c.faultStates), n)
	}
	c.readBlocksOutstanding = grow(c.readBlocksOutstanding, n)
	c.deltaBitmaps = grow(c.deltaBitmaps, n)
	c.faultStates = grow(c.faultStates, n)
	return nil
}

// grow extends s to length n, zeroing the new elements.
func grow[T any](s []T, n int) []T {
	old := len(s)
	if n <= old {
		return s
	}
	s = slices.Grow(s, n-old)[:n]
	var zero T
	for i := old; i < n; i++ {
		s[i] = zero
	}
	return s
}

// selectReadBase returns the open base with the fewest outstanding
// read blocks, preferring lower indexes on a tie.
func (c *channel) selectReadBase(ch *raid.Channel, exclude containers.Optional[uint8]) containers.Optional[uint8] {
	var ret containers.Optional[uint8]
	var minOutstanding uint64
	for i, outstanding := range c.readBlocksOutstanding {
		idx := uint8(i)
		if ch.BaseChannel(idx) == nil || (exclude.OK && exclude.Val == idx) {
			continue
		}
		if !ret.OK || outstanding < minOutstanding {
			ret = containers.OptionalValue(idx)
			minOutstanding = outstanding
		}
	}
	return ret
}

func (c *channel) readStarted(idx uint8, numBlocks uint64) {
	if c.readBlocksOutstanding[idx] > math.MaxUint64-numBlocks {
		panic(fmt.Errorf("raid1: base %d: outstanding read counter overflow: %d + %d",
			idx, c.readBlocksOutstanding[idx], numBlocks))
	}
	c.readBlocksOutstanding[idx] += numBlocks
}

func (c *channel) readFinished(idx uint8, numBlocks uint64) {
	if c.readBlocksOutstanding[idx] < numBlocks {
		panic(fmt.Errorf("raid1: base %d: outstanding read counter underflow: %d - %d",
			idx, c.readBlocksOutstanding[idx], numBlocks))
	}
	c.readBlocksOutstanding[idx] -= numBlocks
}
