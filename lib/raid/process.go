// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

var (
	rebuildChunkBlocks      = textui.Tunable(uint64(256))
	rebuildMaxInflight      = textui.Tunable(4)
	rebuildProgressInterval = textui.Tunable(1 * time.Second)
)

var ErrRebuildIO = errors.New("rebuild I/O failed")

// ProcessRequest is one unit of a background sweep: copy
// [Offset,+NumBlocks) from the healthy bases to the target.
type ProcessRequest struct {
	Bdev      *Bdev
	Offset    uint64
	NumBlocks uint64
	// Iov is the bounce buffer for the copy; it is owned by the
	// sweep.
	Iov      []byte
	Metadata []byte

	TargetIdx uint8
	Target    bdev.Channel

	// ModuleData is private to the Module.
	ModuleData any

	completed bool
	done      func(bdev.Status)
}

// NewProcessRequest creates a request to copy [offset,+numBlocks)
// to base targetIdx through target, using iov as the bounce buffer.
// done is called once the module completes the request.
func NewProcessRequest(r *Bdev, offset, numBlocks uint64, iov []byte, targetIdx uint8, target bdev.Channel, done func(bdev.Status)) *ProcessRequest {
	return &ProcessRequest{
		Bdev:      r,
		Offset:    offset,
		NumBlocks: numBlocks,
		Iov:       iov,
		TargetIdx: targetIdx,
		Target:    target,
		done:      done,
	}
}

// Complete reports the outcome of the request to the sweep.  It
// panics if called twice.
func (pr *ProcessRequest) Complete(status bdev.Status) {
	if pr.completed {
		panic(fmt.Errorf("raid.ProcessRequest.Complete: blocks %d+%d completed twice", pr.Offset, pr.NumBlocks))
	}
	pr.completed = true
	pr.done(status)
}

var rebuildBufs containers.SlicePool[byte]

type rebuild struct {
	ctx  context.Context //nolint:containedctx // For logging from completion callbacks
	r    *Bdev
	ch   *Channel
	idx  uint8
	base *BaseBdev
	done func(error)

	target bdev.Channel
	// regions is nil for a full sweep.
	regions *containers.Bitmap
	chunk   uint64

	next      uint64
	exhausted bool
	inflight  int
	err       error
	finished  bool

	stats    textui.Portion[uint64]
	progress *textui.Progress[textui.Portion[uint64]]
}

// Rebuild resynchronizes base idx from the other bases.  If the base
// has a complete faulty-region bitmap, only those regions are
// copied; otherwise the whole device is.  User I/O is held for the
// duration of the rebuild.
//
// Rebuild must be called on ch's thread, and done is called on that
// thread.
func (r *Bdev) Rebuild(ch *Channel, idx uint8, done func(error)) {
	base := r.BaseBdev(idx)
	switch {
	case base == nil:
		done(fmt.Errorf("raid bdev %q: %w: no base bdev %d", r.Name, ErrInvalidConfig, idx))
		return
	case base.Desc == nil:
		done(fmt.Errorf("raid bdev %q: %w: base bdev %d (%q) is missing", r.Name, ErrInvalidConfig, idx, base.Name))
		return
	case ch.Bdev != r:
		done(fmt.Errorf("raid bdev %q: %w: channel belongs to %q", r.Name, ErrInvalidConfig, ch.Bdev.Name))
		return
	}
	target, err := base.Desc.GetIOChannel(ch.Thread)
	if err != nil {
		done(fmt.Errorf("raid bdev %q: base %q: %w", r.Name, base.Name, err))
		return
	}
	rb := &rebuild{
		ctx:    dlog.WithField(r.ctx, "raid.rebuild.target", idx),
		r:      r,
		ch:     ch,
		idx:    idx,
		base:   base,
		done:   done,
		target: target,
		chunk:  rebuildChunkBlocks,
	}
	if r.RegionSize > 0 {
		rb.chunk = r.RegionSize
	}
	if err := r.quiesce(func() { ch.Thread.Send(rb.begin) }); err != nil {
		done(err)
	}
}

func (rb *rebuild) begin() {
	r := rb.r
	if !r.DeltaBitmapEnabled || !rb.base.IsFailed() {
		rb.start()
		return
	}
	r.StopTracking(rb.idx, func(err error) {
		rb.ch.Thread.Send(func() {
			if err != nil {
				dlog.Errorf(rb.ctx, "collecting faulty regions: %v; falling back to a full rebuild", err)
			} else if !rb.base.TrackingLost() {
				rb.regions = rb.base.FaultyRegions()
				if rb.regions != nil && rb.regions.Len() != r.RegionCount() {
					dlog.Errorf(rb.ctx, "faulty-region bitmap covers %d regions, device has %d; falling back to a full rebuild",
						rb.regions.Len(), r.RegionCount())
					rb.regions = nil
				}
			}
			rb.start()
		})
	})
}

func (rb *rebuild) start() {
	r := rb.r
	numBlocks := r.NumBlocks()
	if rb.regions == nil {
		rb.stats.D = numBlocks
	} else {
		for region, ok := rb.regions.NextSet(0); ok; region, ok = rb.regions.NextSet(region + 1) {
			beg := region * r.RegionSize
			if beg >= numBlocks {
				break
			}
			rb.stats.D += minU64(r.RegionSize, numBlocks-beg)
		}
	}
	kind := "full"
	if rb.regions != nil {
		kind = fmt.Sprintf("%d-region", rb.regions.Count())
	}
	dlog.Infof(rb.ctx, "starting %s rebuild of base bdev %q: %v blocks", kind, rb.base.Name, rb.stats.D)
	rb.progress = textui.NewProgress[textui.Portion[uint64]](rb.ctx, dlog.LogLevelInfo, rebuildProgressInterval)
	rb.progress.Set(rb.stats)
	rb.pump()
}

func (rb *rebuild) nextChunk() (offset, numBlocks uint64, ok bool) {
	total := rb.r.NumBlocks()
	if rb.next >= total {
		return 0, 0, false
	}
	if rb.regions == nil {
		offset = rb.next
		numBlocks = minU64(rb.chunk, total-offset)
		rb.next += numBlocks
		return offset, numBlocks, true
	}
	rs := rb.r.RegionSize
	region, ok := rb.regions.NextSet(rb.next / rs)
	if !ok || region*rs >= total {
		rb.next = total
		return 0, 0, false
	}
	offset = region * rs
	numBlocks = minU64(rs, total-offset)
	rb.next = offset + numBlocks
	return offset, numBlocks, true
}

func (rb *rebuild) pump() {
	r := rb.r
	for rb.err == nil && !rb.exhausted && rb.inflight < rebuildMaxInflight {
		offset, numBlocks, ok := rb.nextChunk()
		if !ok {
			rb.exhausted = true
			break
		}
		var pr *ProcessRequest
		pr = NewProcessRequest(r, offset, numBlocks, rebuildBufs.Get(int(numBlocks*uint64(r.BlockLen))), rb.idx, rb.target, func(status bdev.Status) {
			rebuildBufs.Put(pr.Iov)
			rb.inflight--
			if status == bdev.StatusSuccess {
				rb.stats.N += pr.NumBlocks
				rb.progress.Set(rb.stats)
			} else if rb.err == nil {
				rb.err = fmt.Errorf("blocks [%d,+%d): %w", pr.Offset, pr.NumBlocks, ErrRebuildIO)
			}
			rb.pump()
		})
		if r.MDLen > 0 {
			pr.Metadata = make([]byte, numBlocks*uint64(r.MDLen))
		}
		rb.inflight++
		dlog.Tracef(rb.ctx, "copying blocks [%d,+%d)", offset, numBlocks)
		if err := r.module.SubmitProcessRequest(pr, rb.ch); err != nil {
			rebuildBufs.Put(pr.Iov)
			rb.inflight--
			rb.err = fmt.Errorf("blocks [%d,+%d): %w", offset, numBlocks, err)
		}
	}
	if rb.inflight == 0 && (rb.err != nil || rb.exhausted) {
		rb.finish()
	}
}

func (rb *rebuild) finish() {
	if rb.finished {
		return
	}
	rb.finished = true
	rb.progress.Done()
	r := rb.r
	mod := r.module

	report := func(err error) {
		rb.ch.Thread.Send(func() {
			r.unquiesce()
			rb.done(err)
		})
	}

	if rb.err != nil {
		dlog.Errorf(rb.ctx, "rebuild of base bdev %q failed: %v", rb.base.Name, rb.err)
		if !r.DeltaBitmapEnabled || !rb.base.IsFailed() {
			report(rb.err)
			return
		}
		// Tracking has been stopped; re-arm it.  The bits
		// collected so far stay in the persistent bitmap.
		r.forEachChannel(func(ch *Channel) error {
			if err := mod.SetBaseFaultState(ch, rb.idx, FaultNone); err != nil {
				return err
			}
			return mod.SetBaseFaultState(ch, rb.idx, FaultFaulty)
		}, func(err error) {
			if err != nil {
				dlog.Errorf(rb.ctx, "re-arming fault tracking: %v", err)
			}
			report(rb.err)
		})
		return
	}

	rb.base.setFaultyRegions(nil)
	rb.base.setTrackingLost(false)
	rb.base.setFailed(false)
	r.mu.Lock()
	wasOffline := r.offline
	r.mu.Unlock()
	if wasOffline && r.survivable() {
		r.mu.Lock()
		r.offline = false
		r.mu.Unlock()
		dlog.Infof(rb.ctx, "raid bdev is back online")
	}
	dlog.Infof(rb.ctx, "rebuild of base bdev %q finished: %v", rb.base.Name, rb.stats)
	r.forEachChannel(func(ch *Channel) error {
		if err := ch.openBase(rb.idx); err != nil {
			return err
		}
		if r.DeltaBitmapEnabled {
			return mod.SetBaseFaultState(ch, rb.idx, FaultNone)
		}
		return nil
	}, report)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
