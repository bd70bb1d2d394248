// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bdev

import (
	"fmt"
	"sync"

	"git.lukeshu.com/raid1-ng/lib/diskio"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

var defaultQueueDepth = textui.Tunable(128)

type DeviceConfig struct {
	BlockLen uint32
	// MDLen is the number of bytes of separate metadata per
	// block; 0 if the device has no metadata.
	MDLen             uint32
	OptimalIOBoundary uint64
	// QueueDepth is the number of I/Os that may be in flight on
	// a single channel before submissions fail with ErrNoMem.
	QueueDepth int
}

// Faults are injected failures, for exercising error paths.
type Faults struct {
	FailReads  bool
	FailWrites bool
	FailFlush  bool
	FailUnmap  bool
	// NoMem is the number of upcoming submissions (on any
	// channel) that will fail with ErrNoMem.
	NoMem int
	// SubmitErr, if non-nil, is returned from every submission.
	SubmitErr error
}

type Stats struct {
	Reads, Writes, Flushes, Unmaps uint64
	Failed                         uint64
	NoMem                          uint64
}

// Device is a block device backed by a diskio.File.
type Device struct {
	name      string
	file      diskio.File[int64]
	cfg       DeviceConfig
	numBlocks uint64

	mu     sync.Mutex
	md     []byte
	faults Faults
	stats  Stats
}

var _ Desc = (*Device)(nil)

func NewDevice(name string, file diskio.File[int64], cfg DeviceConfig) (*Device, error) {
	if cfg.BlockLen == 0 {
		return nil, fmt.Errorf("device %q: %w: block length must be non-zero", name, ErrInvalid)
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	dev := &Device{
		name:      name,
		file:      file,
		cfg:       cfg,
		numBlocks: uint64(file.Size()) / uint64(cfg.BlockLen),
	}
	if cfg.MDLen > 0 {
		dev.md = make([]byte, dev.numBlocks*uint64(cfg.MDLen))
	}
	return dev, nil
}

func (dev *Device) Name() string              { return dev.name }
func (dev *Device) BlockLen() uint32          { return dev.cfg.BlockLen }
func (dev *Device) MDLen() uint32             { return dev.cfg.MDLen }
func (dev *Device) NumBlocks() uint64         { return dev.numBlocks }
func (dev *Device) OptimalIOBoundary() uint64 { return dev.cfg.OptimalIOBoundary }

func (dev *Device) Close() error {
	return dev.file.Close()
}

func (dev *Device) SetFaults(faults Faults) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.faults = faults
}

func (dev *Device) Stats() Stats {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.stats
}

func (dev *Device) GetIOChannel(th *Thread) (Channel, error) {
	if th == nil {
		return nil, fmt.Errorf("device %q: %w: nil thread", dev.name, ErrInvalid)
	}
	return &deviceChannel{
		dev:    dev,
		thread: th,
	}, nil
}

func (dev *Device) checkRange(offset, numBlocks uint64) error {
	if numBlocks == 0 || offset >= dev.numBlocks || numBlocks > dev.numBlocks-offset {
		return fmt.Errorf("device %q: %w: blocks [%d,+%d) out of range [0,%d)",
			dev.name, ErrInvalid, offset, numBlocks, dev.numBlocks)
	}
	return nil
}

// admit applies submission-time faults.
func (dev *Device) admit() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.faults.SubmitErr != nil {
		return dev.faults.SubmitErr
	}
	if dev.faults.NoMem > 0 {
		dev.faults.NoMem--
		dev.stats.NoMem++
		return ErrNoMem
	}
	return nil
}

// account records a completion, and reports whether an injected
// fault says that it should fail.
func (dev *Device) account(typ IOType) (fail bool) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch typ {
	case IOTypeRead:
		dev.stats.Reads++
		fail = dev.faults.FailReads
	case IOTypeWrite:
		dev.stats.Writes++
		fail = dev.faults.FailWrites
	case IOTypeFlush:
		dev.stats.Flushes++
		fail = dev.faults.FailFlush
	case IOTypeUnmap:
		dev.stats.Unmaps++
		fail = dev.faults.FailUnmap
	}
	if fail {
		dev.stats.Failed++
	}
	return fail
}

func (dev *Device) readv(iovs [][]byte, offset, numBlocks uint64, opts *ExtIOOpts) bool {
	pos := int64(offset) * int64(dev.cfg.BlockLen)
	remaining := int64(numBlocks) * int64(dev.cfg.BlockLen)
	for _, iov := range iovs {
		if remaining == 0 {
			break
		}
		if int64(len(iov)) > remaining {
			iov = iov[:remaining]
		}
		if _, err := dev.file.ReadAt(iov, pos); err != nil {
			return false
		}
		pos += int64(len(iov))
		remaining -= int64(len(iov))
	}
	if opts != nil && opts.Metadata != nil && dev.md != nil {
		dev.mu.Lock()
		copy(opts.Metadata, dev.md[offset*uint64(dev.cfg.MDLen):(offset+numBlocks)*uint64(dev.cfg.MDLen)])
		dev.mu.Unlock()
	}
	return true
}

func (dev *Device) writev(iovs [][]byte, offset, numBlocks uint64, opts *ExtIOOpts) bool {
	pos := int64(offset) * int64(dev.cfg.BlockLen)
	remaining := int64(numBlocks) * int64(dev.cfg.BlockLen)
	for _, iov := range iovs {
		if remaining == 0 {
			break
		}
		if int64(len(iov)) > remaining {
			iov = iov[:remaining]
		}
		if _, err := dev.file.WriteAt(iov, pos); err != nil {
			return false
		}
		pos += int64(len(iov))
		remaining -= int64(len(iov))
	}
	if opts != nil && opts.Metadata != nil && dev.md != nil {
		dev.mu.Lock()
		copy(dev.md[offset*uint64(dev.cfg.MDLen):(offset+numBlocks)*uint64(dev.cfg.MDLen)], opts.Metadata)
		dev.mu.Unlock()
	}
	return true
}

func (dev *Device) flush() bool {
	if syncer, ok := dev.file.(diskio.Syncer); ok {
		return syncer.Sync() == nil
	}
	return true
}

var zeroBlock = make([]byte, 4096)

func (dev *Device) unmap(offset, numBlocks uint64) bool {
	pos := int64(offset) * int64(dev.cfg.BlockLen)
	end := pos + int64(numBlocks)*int64(dev.cfg.BlockLen)
	for pos < end {
		chunk := zeroBlock
		if int64(len(chunk)) > end-pos {
			chunk = chunk[:end-pos]
		}
		if _, err := dev.file.WriteAt(chunk, pos); err != nil {
			return false
		}
		pos += int64(len(chunk))
	}
	return true
}

func iovsLen(iovs [][]byte) uint64 {
	var ret uint64
	for _, iov := range iovs {
		ret += uint64(len(iov))
	}
	return ret
}

type deviceChannel struct {
	dev    *Device
	thread *Thread

	inflight int
	waiters  []func()
}

var _ Channel = (*deviceChannel)(nil)

func (ch *deviceChannel) submit(typ IOType, offset, numBlocks uint64, do func() bool, cb CompletionFunc) error {
	if err := ch.dev.checkRange(offset, numBlocks); err != nil {
		return err
	}
	if err := ch.dev.admit(); err != nil {
		return err
	}
	if ch.inflight >= ch.dev.cfg.QueueDepth {
		return ErrNoMem
	}
	ch.inflight++
	ch.thread.Send(func() {
		ok := do()
		if ch.dev.account(typ) {
			ok = false
		}
		ch.inflight--
		cb(ok)
		ch.kickWaiters()
	})
	return nil
}

func (ch *deviceChannel) kickWaiters() {
	waiters := ch.waiters
	ch.waiters = nil
	for _, fn := range waiters {
		ch.thread.Send(fn)
	}
}

func (ch *deviceChannel) checkIOVs(iovs [][]byte, numBlocks uint64, opts *ExtIOOpts) error {
	if iovsLen(iovs) < numBlocks*uint64(ch.dev.cfg.BlockLen) {
		return fmt.Errorf("device %q: %w: iovs hold %d bytes, need %d",
			ch.dev.name, ErrInvalid, iovsLen(iovs), numBlocks*uint64(ch.dev.cfg.BlockLen))
	}
	if opts != nil && opts.Metadata != nil && uint64(len(opts.Metadata)) < numBlocks*uint64(ch.dev.cfg.MDLen) {
		return fmt.Errorf("device %q: %w: metadata buffer too small", ch.dev.name, ErrInvalid)
	}
	return nil
}

func (ch *deviceChannel) ReadBlocksExt(iovs [][]byte, offset, numBlocks uint64, cb CompletionFunc, opts *ExtIOOpts) error {
	if err := ch.checkIOVs(iovs, numBlocks, opts); err != nil {
		return err
	}
	return ch.submit(IOTypeRead, offset, numBlocks, func() bool {
		return ch.dev.readv(iovs, offset, numBlocks, opts)
	}, cb)
}

func (ch *deviceChannel) WriteBlocksExt(iovs [][]byte, offset, numBlocks uint64, cb CompletionFunc, opts *ExtIOOpts) error {
	if err := ch.checkIOVs(iovs, numBlocks, opts); err != nil {
		return err
	}
	return ch.submit(IOTypeWrite, offset, numBlocks, func() bool {
		return ch.dev.writev(iovs, offset, numBlocks, opts)
	}, cb)
}

func (ch *deviceChannel) FlushBlocks(offset, numBlocks uint64, cb CompletionFunc) error {
	return ch.submit(IOTypeFlush, offset, numBlocks, ch.dev.flush, cb)
}

func (ch *deviceChannel) UnmapBlocks(offset, numBlocks uint64, cb CompletionFunc) error {
	return ch.submit(IOTypeUnmap, offset, numBlocks, func() bool {
		return ch.dev.unmap(offset, numBlocks)
	}, cb)
}

func (ch *deviceChannel) QueueIOWait(fn func()) {
	ch.waiters = append(ch.waiters, fn)
	if ch.inflight == 0 {
		// Nothing in flight will complete and kick the
		// waiters, so kick them on the next tick.
		ch.thread.Send(ch.kickWaiters)
	}
}
