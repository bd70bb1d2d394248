// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"bufio"
	"fmt"
	"io"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/containers"
)

// Superblock is the persistent description of a raid bdev: enough to
// reassemble it, and each base's record of regions that it missed.
type Superblock struct {
	Name        string
	Level       Level
	BlockLen    uint32
	MDLen       uint32
	NumBlocks   uint64
	RegionSize  uint64
	DeltaBitmap bool
	Bases       []SuperblockBase
}

type SuperblockBase struct {
	Name         string
	DataOffset   uint64
	DataSize     uint64
	Failed       bool
	TrackingLost bool
	// FaultyRegions is empty (zero-length) if the base has no
	// record of missed regions.
	FaultyRegions *containers.Bitmap
}

func (r *Bdev) Superblock() Superblock {
	sb := Superblock{
		Name:        r.Name,
		Level:       r.Level,
		BlockLen:    r.BlockLen,
		MDLen:       r.MDLen,
		NumBlocks:   r.NumBlocks(),
		RegionSize:  r.RegionSize,
		DeltaBitmap: r.DeltaBitmapEnabled,
	}
	for _, base := range r.BaseBdevs() {
		regions := base.FaultyRegions()
		if regions == nil {
			regions = containers.NewBitmap(0)
		}
		sb.Bases = append(sb.Bases, SuperblockBase{
			Name:          base.Name,
			DataOffset:    base.DataOffset,
			DataSize:      base.DataSize,
			Failed:        base.IsFailed(),
			TrackingLost:  base.TrackingLost(),
			FaultyRegions: regions,
		})
	}
	return sb
}

// LoadSuperblock restores the per-base fault records from sb.  It
// must be called before any channel is created.
func (r *Bdev) LoadSuperblock(sb Superblock) error {
	r.mu.Lock()
	nchannels := len(r.channels)
	r.mu.Unlock()
	switch {
	case nchannels > 0:
		return fmt.Errorf("raid bdev %q: cannot load superblock with %d channels open", r.Name, nchannels)
	case sb.Name != r.Name || sb.Level != r.Level:
		return fmt.Errorf("raid bdev %q: %w: superblock is for %v bdev %q", r.Name, ErrInvalidConfig, sb.Level, sb.Name)
	case len(sb.Bases) != r.NumBaseBdevs():
		return fmt.Errorf("raid bdev %q: %w: superblock has %d base bdevs, have %d",
			r.Name, ErrInvalidConfig, len(sb.Bases), r.NumBaseBdevs())
	}
	for i, sbBase := range sb.Bases {
		if base := r.BaseBdev(uint8(i)); base.Desc != nil && sbBase.DataOffset != base.DataOffset {
			return fmt.Errorf("raid bdev %q: base %d: %w: superblock has data offset %v, have %v",
				r.Name, i, ErrInvalidConfig, sbBase.DataOffset, base.DataOffset)
		}
	}
	for i, sbBase := range sb.Bases {
		base := r.BaseBdev(uint8(i))
		ctx := dlog.WithField(r.ctx, "raid.base", i)
		if sbBase.Failed && base.setFailed(true) {
			dlog.Warnf(ctx, "base bdev %q was failed when the superblock was written", base.Name)
		}
		base.setTrackingLost(sbBase.TrackingLost)
		switch {
		case sbBase.FaultyRegions.Len() == 0:
			base.setFaultyRegions(nil)
		case sbBase.FaultyRegions.Len() != r.RegionCount():
			dlog.Errorf(ctx, "faulty-region bitmap covers %d regions, device has %d; discarding it",
				sbBase.FaultyRegions.Len(), r.RegionCount())
			base.setFaultyRegions(nil)
			base.setTrackingLost(true)
		default:
			base.setFaultyRegions(sbBase.FaultyRegions.Clone())
		}
	}
	if !r.survivable() {
		r.mu.Lock()
		r.offline = true
		r.mu.Unlock()
		dlog.Errorf(r.ctx, "only %d operational base bdevs; raid bdev is offline", r.NumOperational())
	}
	return nil
}

func WriteSuperblock(w io.Writer, sb Superblock) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, lowmemjson.ReEncoderConfig{
		Indent:                "\t",
		CompactIfUnder:        80, //nolint:gomnd // This is what looks nice.
		ForceTrailingNewlines: true,
	})).Encode(sb)
}

func ReadSuperblock(r io.Reader) (Superblock, error) {
	var sb Superblock
	if err := lowmemjson.NewDecoder(bufio.NewReader(r)).DecodeThenEOF(&sb); err != nil {
		return Superblock{}, fmt.Errorf("read superblock: %w", err)
	}
	return sb, nil
}
