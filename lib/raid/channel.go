// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid

import (
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
)

// Channel is a raid bdev's per-thread I/O context.  Everything about
// a Channel, including the module's ModuleData, is owned by Thread.
type Channel struct {
	Bdev   *Bdev
	Thread *bdev.Thread

	// ModuleData is private to the Module.
	ModuleData any

	// baseChannels[i] is nil if base i is closed on this channel.
	baseChannels []bdev.Channel
	destroyed    bool
}

// GetIOChannel creates a channel for use on th.  Base bdevs that are
// missing or failed start out closed, and, if delta bitmaps are
// enabled, tracked as faulty.
func (r *Bdev) GetIOChannel(th *bdev.Thread) (*Channel, error) {
	bases := r.BaseBdevs()
	ch := &Channel{
		Bdev:         r,
		Thread:       th,
		baseChannels: make([]bdev.Channel, len(bases)),
	}
	for i, base := range bases {
		if base.Desc == nil || base.IsFailed() {
			continue
		}
		baseCh, err := base.Desc.GetIOChannel(th)
		if err != nil {
			return nil, fmt.Errorf("raid bdev %q: base %q: %w", r.Name, base.Name, err)
		}
		ch.baseChannels[i] = baseCh
	}
	if err := r.module.GetIOChannel(ch); err != nil {
		return nil, fmt.Errorf("raid bdev %q: %w", r.Name, err)
	}
	if r.DeltaBitmapEnabled {
		for i, baseCh := range ch.baseChannels {
			if baseCh != nil {
				continue
			}
			if err := r.module.SetBaseFaultState(ch, uint8(i), FaultFaulty); err != nil {
				dlog.Errorf(dlog.WithField(r.ctx, "raid.base", i),
					"thread %q: cannot track writes to base bdev: %v", th.Name(), err)
			}
		}
	}

	r.mu.Lock()
	r.channels = append(r.channels, ch)
	r.mu.Unlock()
	return ch, nil
}

// Close releases the channel.  It must be called on the channel's
// thread, with no I/O outstanding.
func (ch *Channel) Close() {
	if ch.destroyed {
		return
	}
	ch.destroyed = true
	r := ch.Bdev
	r.mu.Lock()
	for i, other := range r.channels {
		if other == ch {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	for i := range ch.baseChannels {
		ch.baseChannels[i] = nil
	}
	r.module.PutIOChannel(ch)
}

func (ch *Channel) NumBaseChannels() int { return len(ch.baseChannels) }

// BaseChannel returns this channel's handle for base idx, or nil if
// the base is closed on this channel.
func (ch *Channel) BaseChannel(idx uint8) bdev.Channel {
	if int(idx) >= len(ch.baseChannels) {
		return nil
	}
	return ch.baseChannels[idx]
}

func (ch *Channel) openBase(idx uint8) error {
	base := ch.Bdev.BaseBdev(idx)
	if base == nil || base.Desc == nil || ch.baseChannels[idx] != nil {
		return nil
	}
	baseCh, err := base.Desc.GetIOChannel(ch.Thread)
	if err != nil {
		return fmt.Errorf("base %q: %w", base.Name, err)
	}
	ch.baseChannels[idx] = baseCh
	return nil
}

func (ch *Channel) closeBase(idx uint8) {
	if int(idx) < len(ch.baseChannels) {
		ch.baseChannels[idx] = nil
	}
}

// Submit starts a user I/O on the raid bdev.  It must be called on
// the channel's thread.  cb is called exactly once, on the channel's
// thread, and never before Submit returns.
func (ch *Channel) Submit(typ bdev.IOType, offset, numBlocks uint64, iovs [][]byte, opts *bdev.ExtIOOpts, cb func(bdev.Status)) {
	r := ch.Bdev
	if !r.admit(func() {
		ch.Thread.Send(func() { ch.Submit(typ, offset, numBlocks, iovs, opts, cb) })
	}) {
		return
	}
	rio := NewIO(ch, typ, offset, numBlocks, iovs, cb)
	rio.admitted = true
	if opts != nil {
		rio.Metadata = opts.Metadata
		rio.MemoryDomain = opts.MemoryDomain
		rio.MemoryDomainCtx = opts.MemoryDomainCtx
		if opts.MemoryDomain != nil && !r.module.MemoryDomainsSupported() {
			dlog.Errorf(r.ctx, "%v does not support memory domains", r.Level)
			rio.Complete(bdev.StatusFailed)
			return
		}
	}
	if err := rio.check(); err != nil {
		dlog.Errorf(r.ctx, "rejecting %v: %v", typ, err)
		rio.Complete(bdev.StatusFailed)
		return
	}
	switch typ {
	case bdev.IOTypeRead, bdev.IOTypeWrite:
		r.module.SubmitRWRequest(rio)
	case bdev.IOTypeFlush, bdev.IOTypeUnmap:
		r.module.SubmitNullPayloadRequest(rio)
	default:
		dlog.Errorf(r.ctx, "rejecting I/O: %v: %v", ErrInvalidIOType, typ)
		rio.Complete(bdev.StatusFailed)
	}
}

func (ch *Channel) Read(offset, numBlocks uint64, iovs [][]byte, opts *bdev.ExtIOOpts, cb func(bdev.Status)) {
	ch.Submit(bdev.IOTypeRead, offset, numBlocks, iovs, opts, cb)
}

func (ch *Channel) Write(offset, numBlocks uint64, iovs [][]byte, opts *bdev.ExtIOOpts, cb func(bdev.Status)) {
	ch.Submit(bdev.IOTypeWrite, offset, numBlocks, iovs, opts, cb)
}

func (ch *Channel) Flush(offset, numBlocks uint64, cb func(bdev.Status)) {
	ch.Submit(bdev.IOTypeFlush, offset, numBlocks, nil, nil, cb)
}

func (ch *Channel) Unmap(offset, numBlocks uint64, cb func(bdev.Status)) {
	ch.Submit(bdev.IOTypeUnmap, offset, numBlocks, nil, nil, cb)
}
