// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package raid1 implements mirroring: every write goes to every base
// bdev, reads go to the least-busy base, failed reads are retried on
// the other bases and repaired, and writes that a base misses are
// tracked per region so that the base can be resynchronized
// incrementally.
//
// Importing the package registers the level with package raid.
package raid1

import (
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/raid"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

// maxBitmapRegions bounds the size of a delta bitmap; asking for a
// larger one fails as if out of memory.
var maxBitmapRegions = textui.Tunable(uint64(1 << 24))

type info struct {
	raid *raid.Bdev

	mu        sync.Mutex
	nchannels int
	stopping  bool

	allocBitmap func(nregions uint64) (*containers.Bitmap, error)
}

func allocBitmap(nregions uint64) (*containers.Bitmap, error) {
	if nregions > maxBitmapRegions {
		return nil, fmt.Errorf("%w: %d-region bitmap exceeds the limit of %d regions",
			bdev.ErrNoMem, nregions, maxBitmapRegions)
	}
	return containers.NewBitmap(nregions), nil
}

func getInfo(r *raid.Bdev) *info {
	return r.ModuleData.(*info)
}

type module struct{}

var _ raid.Module = module{}

func init() {
	raid.RegisterModule(module{})
}

func (module) Level() raid.Level    { return raid.RAID1 }
func (module) BaseBdevsMin() uint8 { return 1 }
func (module) BaseBdevsConstraint() raid.Constraint {
	return raid.Constraint{
		Type:  raid.ConstraintMinBaseBdevsOperational,
		Value: 1,
	}
}
func (module) MemoryDomainsSupported() bool { return true }

func (module) Start(r *raid.Bdev) error {
	var (
		have        bool
		minBlocks   uint64
		minRegion   uint64
		firstRegion uint64
		uniform     = true
	)
	bases := r.BaseBdevs()
	for _, base := range bases {
		if base.Desc == nil {
			continue
		}
		if !have {
			have = true
			minBlocks = base.DataSize
			minRegion = base.RegionSize
			firstRegion = base.RegionSize
			continue
		}
		if base.DataSize < minBlocks {
			minBlocks = base.DataSize
		}
		if base.RegionSize < minRegion {
			minRegion = base.RegionSize
		}
		if base.RegionSize != firstRegion {
			uniform = false
		}
	}
	switch {
	case !have:
		return fmt.Errorf("%w: no base bdevs are present", raid.ErrInvalidConfig)
	case minBlocks == 0:
		return fmt.Errorf("%w: a base bdev has no blocks", raid.ErrInvalidConfig)
	case r.DeltaBitmapEnabled && (!uniform || minRegion == 0):
		return fmt.Errorf("%w: delta bitmaps need a uniform non-zero optimal I/O boundary on every base bdev",
			raid.ErrInvalidConfig)
	}

	for _, base := range bases {
		base.DataSize = minBlocks
	}
	r.SetNumBlocks(minBlocks)
	r.RegionSize = minRegion
	r.ModuleData = &info{
		raid:        r,
		allocBitmap: allocBitmap,
	}
	dlog.Debugf(r.Context(), "raid1: %v blocks, region size %v", minBlocks, minRegion)
	return nil
}

func (module) Stop(r *raid.Bdev) bool {
	inf := getInfo(r)
	inf.mu.Lock()
	defer inf.mu.Unlock()
	inf.stopping = true
	return inf.nchannels > 0
}

func (module) Resize(r *raid.Bdev) bool {
	var (
		have      bool
		minBlocks uint64
	)
	bases := r.BaseBdevs()
	for _, base := range bases {
		if base.Desc == nil || base.IsFailed() {
			continue
		}
		blocks := base.Desc.NumBlocks()
		if blocks <= base.DataOffset {
			continue
		}
		if n := blocks - base.DataOffset; !have || n < minBlocks {
			minBlocks = n
			have = true
		}
	}
	if !have || minBlocks == r.NumBlocks() {
		return false
	}
	if err := r.NotifyBlockCountChange(minBlocks); err != nil {
		dlog.Errorf(r.Context(), "raid1: resize: %v", err)
		return false
	}
	for _, base := range bases {
		base.DataSize = minBlocks
	}
	return true
}

func (module) SubmitRWRequest(rio *raid.IO) {
	switch rio.Type {
	case bdev.IOTypeRead:
		submitRead(rio)
	case bdev.IOTypeWrite:
		submitWrite(rio)
	default:
		dlog.Errorf(rio.Bdev.Context(), "raid1: %v", fmt.Errorf("%w: %v is not a read or write", raid.ErrInvalidIOType, rio.Type))
		rio.Complete(bdev.StatusFailed)
	}
}
