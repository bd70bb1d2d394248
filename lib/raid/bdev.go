// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package raid is the level-independent RAID frontend: it owns the
// device topology, the per-thread channels, base bdev open/close,
// global fault escalation, and the rebuild sweep, and delegates the
// data path to a per-level Module.
package raid

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
)

var (
	ErrInvalidConfig = errors.New("invalid raid configuration")
	ErrInvalidIOType = errors.New("invalid I/O type")
	ErrOffline       = errors.New("raid bdev is offline")
)

// MaxBaseBdevs is the most base bdevs a raid bdev may have; base
// indexes are uint8.
const MaxBaseBdevs = math.MaxUint8

type BaseConfig struct {
	Name string
	// Desc is nil if the base bdev is missing.
	Desc bdev.Desc
	// DataOffset is the number of blocks at the start of the base
	// bdev that are not part of the raid bdev.
	DataOffset uint64
}

type Config struct {
	Name  string
	Level Level
	// DeltaBitmap requests tracking of regions written while a
	// base bdev is unavailable, so that it can be resynchronized
	// incrementally.
	DeltaBitmap bool
	Bases       []BaseConfig
}

// BaseBdev is one slot of a raid bdev.
type BaseBdev struct {
	Name string
	// Desc is nil if the base bdev is missing.
	Desc       bdev.Desc
	DataOffset uint64
	DataSize   uint64
	// RegionSize is the base's optimal I/O boundary, in blocks.
	RegionSize uint64

	mu     sync.Mutex
	failed bool
	// faultyRegions is the persistent record of regions that
	// were written while this base was unavailable.
	faultyRegions *containers.Bitmap
	// trackingLost is set if some writes that this base missed
	// were not recorded in faultyRegions.
	trackingLost bool
}

func (base *BaseBdev) IsFailed() bool {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.failed
}

// setFailed reports whether the flag changed.
func (base *BaseBdev) setFailed(failed bool) bool {
	base.mu.Lock()
	defer base.mu.Unlock()
	changed := base.failed != failed
	base.failed = failed
	return changed
}

// MergeFaultyRegions ORs bm into the base's persistent faulty-region
// bitmap.  Bits are only ever added; several channels may merge
// overlapping bitmaps.
func (base *BaseBdev) MergeFaultyRegions(bm *containers.Bitmap) {
	base.mu.Lock()
	defer base.mu.Unlock()
	n := bm.Len()
	if base.faultyRegions.Len() > n {
		n = base.faultyRegions.Len()
	}
	if base.faultyRegions.Len() != n {
		base.faultyRegions = base.faultyRegions.Resized(n)
	}
	if bm.Len() != n {
		bm = bm.Resized(n)
	}
	base.faultyRegions.Or(bm)
}

// FaultyRegions returns a copy of the persistent faulty-region
// bitmap, or nil if there is none.
func (base *BaseBdev) FaultyRegions() *containers.Bitmap {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.faultyRegions.Clone()
}

func (base *BaseBdev) setFaultyRegions(bm *containers.Bitmap) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.faultyRegions = bm
}

// MarkTrackingLost records that the faulty-region bitmap is
// incomplete, so that the next rebuild of this base copies the whole
// device.
func (base *BaseBdev) MarkTrackingLost() {
	base.setTrackingLost(true)
}

func (base *BaseBdev) TrackingLost() bool {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.trackingLost
}

func (base *BaseBdev) setTrackingLost(lost bool) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.trackingLost = lost
}

// Bdev is a raid bdev: one logical block device over a set of base
// bdevs.
type Bdev struct {
	ctx context.Context //nolint:containedctx // For logging from completion callbacks

	Name               string
	Level              Level
	BlockLen           uint32
	MDLen              uint32
	DeltaBitmapEnabled bool
	// RegionSize is the negotiated delta-bitmap region size, in
	// blocks.
	RegionSize uint64

	// ModuleData is private to the Module.
	ModuleData any

	module    Module
	numBlocks atomic.Uint64

	mu       sync.Mutex
	bases    []*BaseBdev
	channels []*Channel
	offline  bool
	stopDone func()
	// user I/O accounting, for quiescing
	inflight  int
	quiesced  bool
	held      []func()
	onDrained func()
}

func New(ctx context.Context, cfg Config) (*Bdev, error) {
	mod, ok := LookupModule(cfg.Level)
	if !ok {
		return nil, fmt.Errorf("raid bdev %q: %w: no module for level %v", cfg.Name, ErrInvalidConfig, cfg.Level)
	}
	if len(cfg.Bases) < int(mod.BaseBdevsMin()) || len(cfg.Bases) > MaxBaseBdevs {
		return nil, fmt.Errorf("raid bdev %q: %w: %v needs between %d and %d base bdevs, got %d",
			cfg.Name, ErrInvalidConfig, cfg.Level, mod.BaseBdevsMin(), MaxBaseBdevs, len(cfg.Bases))
	}
	r := &Bdev{
		ctx: dlog.WithField(ctx, "raid.bdev", cfg.Name),

		Name:               cfg.Name,
		Level:              cfg.Level,
		DeltaBitmapEnabled: cfg.DeltaBitmap,

		module: mod,
	}
	for i, baseCfg := range cfg.Bases {
		base := &BaseBdev{
			Name:       baseCfg.Name,
			DataOffset: baseCfg.DataOffset,
		}
		if baseCfg.Desc == nil {
			base.failed = true
		} else {
			if err := r.checkBlockLen(baseCfg.Desc); err != nil {
				return nil, fmt.Errorf("raid bdev %q: base %d: %w", cfg.Name, i, err)
			}
			if baseCfg.DataOffset >= baseCfg.Desc.NumBlocks() {
				return nil, fmt.Errorf("raid bdev %q: base %d: %w: data offset %v is past the end of %q (%v blocks)",
					cfg.Name, i, ErrInvalidConfig, baseCfg.DataOffset, baseCfg.Desc.Name(), baseCfg.Desc.NumBlocks())
			}
			base.Desc = baseCfg.Desc
			base.DataSize = baseCfg.Desc.NumBlocks() - baseCfg.DataOffset
			base.RegionSize = baseCfg.Desc.OptimalIOBoundary()
		}
		r.bases = append(r.bases, base)
	}
	if err := mod.Start(r); err != nil {
		return nil, fmt.Errorf("raid bdev %q: start: %w", cfg.Name, err)
	}
	dlog.Infof(r.ctx, "started %v: %d base bdevs (%d operational), %v blocks of %v bytes",
		r.Level, len(r.bases), r.NumOperational(), r.NumBlocks(), r.BlockLen)
	return r, nil
}

func (r *Bdev) checkBlockLen(desc bdev.Desc) error {
	if r.BlockLen == 0 {
		r.BlockLen = desc.BlockLen()
		r.MDLen = desc.MDLen()
		return nil
	}
	if desc.BlockLen() != r.BlockLen || desc.MDLen() != r.MDLen {
		return fmt.Errorf("%w: %q has block format %d+%d, want %d+%d",
			ErrInvalidConfig, desc.Name(), desc.BlockLen(), desc.MDLen(), r.BlockLen, r.MDLen)
	}
	return nil
}

func (r *Bdev) Context() context.Context { return r.ctx }
func (r *Bdev) Module() Module            { return r.module }

func (r *Bdev) NumBlocks() uint64 { return r.numBlocks.Load() }

// SetNumBlocks sets the negotiated capacity; it is called by the
// Module's Start.
func (r *Bdev) SetNumBlocks(n uint64) { r.numBlocks.Store(n) }

// NotifyBlockCountChange is called by the Module when Resize changes
// the capacity.
func (r *Bdev) NotifyBlockCountChange(n uint64) error {
	if n == 0 {
		return fmt.Errorf("raid bdev %q: %w: block count may not be zero", r.Name, ErrInvalidConfig)
	}
	old := r.numBlocks.Swap(n)
	dlog.Infof(r.ctx, "block count changed: %v => %v", old, n)
	return nil
}

// RegionCount is the number of delta-bitmap regions covering the
// device.
func (r *Bdev) RegionCount() uint64 {
	if r.RegionSize == 0 {
		return 0
	}
	return (r.NumBlocks() + r.RegionSize - 1) / r.RegionSize
}

func (r *Bdev) NumBaseBdevs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bases)
}

// BaseBdev returns slot idx, or nil if there is no such slot.
func (r *Bdev) BaseBdev(idx uint8) *BaseBdev {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(idx) >= len(r.bases) {
		return nil
	}
	return r.bases[idx]
}

// BaseBdevs returns a snapshot of the slots.
func (r *Bdev) BaseBdevs() []*BaseBdev {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*BaseBdev(nil), r.bases...)
}

func (r *Bdev) NumOperational() int {
	n := 0
	for _, base := range r.BaseBdevs() {
		if base.Desc != nil && !base.IsFailed() {
			n++
		}
	}
	return n
}

func (r *Bdev) survivable() bool {
	constraint := r.module.BaseBdevsConstraint()
	operational := r.NumOperational()
	switch constraint.Type {
	case ConstraintMinBaseBdevsOperational:
		return operational >= int(constraint.Value)
	case ConstraintMaxBaseBdevsRemoved:
		return r.NumBaseBdevs()-operational <= int(constraint.Value)
	default:
		return operational > 0
	}
}

func (r *Bdev) Offline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offline
}

// forEachChannel calls fn on every channel, each on its own thread,
// then calls done (on the thread of the last channel to finish, or
// synchronously if there are no channels).
func (r *Bdev) forEachChannel(fn func(*Channel) error, done func(error)) {
	r.mu.Lock()
	chans := append([]*Channel(nil), r.channels...)
	r.mu.Unlock()
	if done == nil {
		done = func(error) {}
	}
	if len(chans) == 0 {
		done(nil)
		return
	}

	var mu sync.Mutex
	remaining := len(chans)
	var errs derror.MultiError
	for _, ch := range chans {
		ch := ch
		ch.Thread.Send(func() {
			var err error
			if !ch.destroyed {
				err = fn(ch)
			}
			mu.Lock()
			if err != nil {
				errs = append(errs, err)
			}
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				if len(errs) > 0 {
					done(errs)
				} else {
					done(nil)
				}
			}
		})
	}
}

// FailBaseBdev marks a base bdev as failed: every channel closes it,
// and, if delta bitmaps are enabled, starts tracking writes that it
// misses.  It is safe to call from any thread, and more than once.
func (r *Bdev) FailBaseBdev(idx uint8) {
	base := r.BaseBdev(idx)
	if base == nil || !base.setFailed(true) {
		return
	}
	ctx := dlog.WithField(r.ctx, "raid.base", idx)
	dlog.Warnf(ctx, "base bdev %q failed", base.Name)
	if !r.survivable() {
		r.mu.Lock()
		r.offline = true
		r.mu.Unlock()
		dlog.Errorf(ctx, "only %d operational base bdevs remain; raid bdev is offline", r.NumOperational())
	}
	r.forEachChannel(func(ch *Channel) error {
		ch.closeBase(idx)
		if r.DeltaBitmapEnabled {
			return r.module.SetBaseFaultState(ch, idx, FaultFaulty)
		}
		return nil
	}, func(err error) {
		if err != nil {
			dlog.Errorf(ctx, "failing base bdev %q: %v", base.Name, err)
		}
	})
}

// StopTracking stops delta-bitmap tracking for a base on every
// channel, merging what each channel has tracked so far into the
// base's persistent faulty-region bitmap.
func (r *Bdev) StopTracking(idx uint8, done func(error)) {
	r.forEachChannel(func(ch *Channel) error {
		return r.module.SetBaseFaultState(ch, idx, FaultFaultyStopped)
	}, done)
}

// AddBaseBdev adds a new slot to a running raid bdev.  The new base
// must be at least as large as the raid bdev.  done is called once
// every channel has been grown.
func (r *Bdev) AddBaseBdev(name string, desc bdev.Desc, done func(error)) error {
	if desc == nil {
		return fmt.Errorf("raid bdev %q: %w: cannot add a missing base bdev", r.Name, ErrInvalidConfig)
	}
	if err := r.checkBlockLen(desc); err != nil {
		return fmt.Errorf("raid bdev %q: add %q: %w", r.Name, name, err)
	}
	if desc.NumBlocks() < r.NumBlocks() {
		return fmt.Errorf("raid bdev %q: %w: %q has %v blocks, need %v",
			r.Name, ErrInvalidConfig, name, desc.NumBlocks(), r.NumBlocks())
	}
	if r.DeltaBitmapEnabled && desc.OptimalIOBoundary() != r.RegionSize {
		return fmt.Errorf("raid bdev %q: %w: %q has region size %v, need %v",
			r.Name, ErrInvalidConfig, name, desc.OptimalIOBoundary(), r.RegionSize)
	}
	base := &BaseBdev{
		Name:       name,
		Desc:       desc,
		DataSize:   r.NumBlocks(),
		RegionSize: desc.OptimalIOBoundary(),
	}

	r.mu.Lock()
	if len(r.bases) >= MaxBaseBdevs {
		r.mu.Unlock()
		return fmt.Errorf("raid bdev %q: %w: already have %d base bdevs", r.Name, ErrInvalidConfig, MaxBaseBdevs)
	}
	idx := uint8(len(r.bases))
	r.bases = append(r.bases, base)
	r.mu.Unlock()
	dlog.Infof(dlog.WithField(r.ctx, "raid.base", idx), "added base bdev %q", name)

	r.forEachChannel(func(ch *Channel) error {
		ch.baseChannels = append(ch.baseChannels, nil)
		if err := r.module.ChannelGrowBaseBdev(ch); err != nil {
			return err
		}
		return ch.openBase(idx)
	}, done)
	return nil
}

// Resize asks the module to recompute the capacity from the
// current base bdevs.
func (r *Bdev) Resize() bool {
	return r.module.Resize(r)
}

// Stop tears the raid bdev down.  done is called once the module
// has released all of its per-channel state, which requires every
// channel to have been closed.
func (r *Bdev) Stop(done func()) {
	r.mu.Lock()
	r.stopDone = done
	r.mu.Unlock()
	dlog.Infof(r.ctx, "stopping")
	if !r.module.Stop(r) {
		r.ModuleStopDone()
	}
}

// ModuleStopDone is called by the Module to report that an
// asynchronous Stop has finished.
func (r *Bdev) ModuleStopDone() {
	r.mu.Lock()
	done := r.stopDone
	r.stopDone = nil
	r.mu.Unlock()
	dlog.Infof(r.ctx, "stopped")
	if done != nil {
		done()
	}
}

// Close closes every present base bdev that implements io.Closer.
func (r *Bdev) Close() error {
	var errs derror.MultiError
	for _, base := range r.BaseBdevs() {
		closer, ok := base.Desc.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", base.Name, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// quiescing ///////////////////////////////////////////////////////////////////

// admit counts a user I/O as in flight, or, if the device is
// quiesced, holds resubmit until it is released.
func (r *Bdev) admit(resubmit func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quiesced {
		r.held = append(r.held, resubmit)
		return false
	}
	r.inflight++
	return true
}

func (r *Bdev) retire() {
	r.mu.Lock()
	r.inflight--
	var drained func()
	if r.quiesced && r.inflight == 0 {
		drained = r.onDrained
		r.onDrained = nil
	}
	r.mu.Unlock()
	if drained != nil {
		drained()
	}
}

// quiesce holds new user I/O, and calls drained once all in-flight
// user I/O has completed.
func (r *Bdev) quiesce(drained func()) error {
	r.mu.Lock()
	if r.quiesced {
		r.mu.Unlock()
		return fmt.Errorf("raid bdev %q: already quiesced", r.Name)
	}
	r.quiesced = true
	if r.inflight > 0 {
		r.onDrained = drained
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	drained()
	return nil
}

func (r *Bdev) unquiesce() {
	r.mu.Lock()
	held := r.held
	r.held = nil
	r.quiesced = false
	r.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}
