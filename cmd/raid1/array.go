// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/diskio"
	"git.lukeshu.com/raid1-ng/lib/raid"
	_ "git.lukeshu.com/raid1-ng/lib/raid/raid1"
)

const missingBase = "none"

type arrayConfig struct {
	Name         string
	Bases        []string
	Metadata     string
	BlockLen     uint32
	RegionBlocks uint64
	DataOffset   uint64
	DeltaBitmap  bool
	CacheBlocks  int
	ReadOnly     bool
}

// array is an assembled mirror, driven by a single thread.
type array struct {
	cfg  arrayConfig
	th   *bdev.Thread
	devs []*bdev.Device
	r    *raid.Bdev
	ch   *raid.Channel
}

func newArray(cfg arrayConfig) *array {
	return &array{
		cfg: cfg,
		th:  bdev.NewThread("raid1"),
	}
}

// await runs fn on the array's thread, and waits for it to call
// done.
func await[T any](ctx context.Context, th *bdev.Thread, fn func(done func(T))) (T, error) {
	ret := make(chan T, 1)
	th.Send(func() {
		fn(func(val T) {
			select {
			case ret <- val:
			default:
			}
		})
	})
	select {
	case val := <-ret:
		return val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (a *array) openImage(filename string) (diskio.File[int64], error) {
	flag := os.O_RDWR
	if a.cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	fh, err := diskio.OpenOSFile[int64](filename, flag)
	if err != nil {
		return nil, err
	}
	if a.cfg.CacheBlocks > 0 {
		return diskio.NewBufferedFile[int64](fh, int64(a.cfg.BlockLen), a.cfg.CacheBlocks), nil
	}
	return fh, nil
}

func (a *array) open(ctx context.Context) error {
	raidCfg := raid.Config{
		Name:        a.cfg.Name,
		Level:       raid.RAID1,
		DeltaBitmap: a.cfg.DeltaBitmap,
	}
	for i, filename := range a.cfg.Bases {
		name := fmt.Sprintf("base%d", i)
		if filename == missingBase {
			a.devs = append(a.devs, nil)
			raidCfg.Bases = append(raidCfg.Bases, raid.BaseConfig{Name: name, DataOffset: a.cfg.DataOffset})
			continue
		}
		file, err := a.openImage(filename)
		if err != nil {
			return err
		}
		dev, err := bdev.NewDevice(filename, file, bdev.DeviceConfig{
			BlockLen:          a.cfg.BlockLen,
			OptimalIOBoundary: a.cfg.RegionBlocks,
		})
		if err != nil {
			_ = file.Close()
			return err
		}
		dlog.Debugf(ctx, "opened %q as %s: %v blocks", filename, name, dev.NumBlocks())
		a.devs = append(a.devs, dev)
		raidCfg.Bases = append(raidCfg.Bases, raid.BaseConfig{Name: name, Desc: dev, DataOffset: a.cfg.DataOffset})
	}

	r, err := raid.New(ctx, raidCfg)
	if err != nil {
		return err
	}
	a.r = r

	if a.cfg.Metadata != "" {
		sb, err := readJSONFile[raid.Superblock](ctx, a.cfg.Metadata)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			dlog.Infof(ctx, "no superblock at %q; assuming all bases are in sync", a.cfg.Metadata)
		case err != nil:
			return fmt.Errorf("load superblock: %w", err)
		default:
			if err := r.LoadSuperblock(sb); err != nil {
				return err
			}
		}
	}

	type result struct {
		ch  *raid.Channel
		err error
	}
	res, err := await(ctx, a.th, func(done func(result)) {
		ch, err := r.GetIOChannel(a.th)
		done(result{ch, err})
	})
	if err != nil {
		return err
	}
	if res.err != nil {
		return res.err
	}
	a.ch = res.ch
	return nil
}

// collectFaultyRegions folds every failed base's in-memory delta
// bitmaps into its persistent record, so that the superblock
// reflects them.
func (a *array) collectFaultyRegions(ctx context.Context) error {
	if !a.r.DeltaBitmapEnabled {
		return nil
	}
	var errs derror.MultiError
	for i, base := range a.r.BaseBdevs() {
		if !base.IsFailed() {
			continue
		}
		idx := uint8(i)
		res, err := await(ctx, a.th, func(done func(error)) {
			a.r.StopTracking(idx, done)
		})
		if err == nil {
			err = res
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("base %d: %w", idx, err))
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (a *array) saveSuperblock(ctx context.Context) error {
	fh, err := os.Create(a.cfg.Metadata + ".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if fh != nil {
			_ = fh.Close()
			_ = os.Remove(fh.Name())
		}
	}()
	if err := raid.WriteSuperblock(fh, a.r.Superblock()); err != nil {
		return err
	}
	if err := fh.Sync(); err != nil {
		return err
	}
	if err := fh.Close(); err != nil {
		return err
	}
	if err := os.Rename(fh.Name(), a.cfg.Metadata); err != nil {
		return err
	}
	fh = nil
	dlog.Infof(ctx, "wrote superblock to %q", a.cfg.Metadata)
	return nil
}

// close tears down the channel, stops the array, and records its
// state in the metadata file.
func (a *array) close(ctx context.Context) error {
	var errs derror.MultiError
	if a.ch != nil {
		if !a.cfg.ReadOnly && a.cfg.Metadata != "" {
			if err := a.collectFaultyRegions(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if _, err := await(ctx, a.th, func(done func(struct{})) {
			a.ch.Close()
			a.r.Stop(func() { done(struct{}{}) })
		}); err != nil {
			errs = append(errs, err)
		}
		a.ch = nil
	}
	if a.r != nil && !a.cfg.ReadOnly && a.cfg.Metadata != "" {
		if err := a.saveSuperblock(ctx); err != nil {
			errs = append(errs, fmt.Errorf("save superblock: %w", err))
		}
	}
	var closeErr error
	if a.r != nil {
		closeErr = a.r.Close()
		a.devs = nil
	} else {
		closeErr = a.closeImages()
	}
	if closeErr != nil {
		errs = append(errs, closeErr)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (a *array) closeImages() error {
	var errs derror.MultiError
	for _, dev := range a.devs {
		if dev == nil {
			continue
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.devs = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (a *array) baseIndex(arg string) (uint8, error) {
	var idx uint8
	if _, err := fmt.Sscan(arg, &idx); err != nil {
		return 0, fmt.Errorf("invalid base index %q: %w", arg, err)
	}
	if int(idx) >= a.r.NumBaseBdevs() {
		return 0, fmt.Errorf("base index %d out of range [0,%d)", idx, a.r.NumBaseBdevs())
	}
	return idx, nil
}
