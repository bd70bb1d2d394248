// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bdev_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/diskio"
)

func newTestDevice(t *testing.T, cfg bdev.DeviceConfig) (*bdev.Device, *bdev.Thread, bdev.Channel) {
	t.Helper()
	dev, err := bdev.NewDevice("dev", diskio.NewMemFile[int64]("dev", 64*512), cfg)
	require.NoError(t, err)
	th := bdev.NewThread("test")
	ch, err := dev.GetIOChannel(th)
	require.NoError(t, err)
	return dev, th, ch
}

func TestDeviceReadWrite(t *testing.T) {
	t.Parallel()
	dev, th, ch := newTestDevice(t, bdev.DeviceConfig{BlockLen: 512, MDLen: 8})
	assert.Equal(t, uint64(64), dev.NumBlocks())

	dat := bytes.Repeat([]byte("ab"), 512)
	md := bytes.Repeat([]byte("m"), 16)
	var results []bool
	require.NoError(t, ch.WriteBlocksExt([][]byte{dat[:100], dat[100:]}, 3, 2,
		func(ok bool) { results = append(results, ok) },
		&bdev.ExtIOOpts{Metadata: md}))
	assert.Empty(t, results, "completion must not run before the submitting call returns")
	th.Poll()
	assert.Equal(t, []bool{true}, results)

	out := make([]byte, 1024)
	outMD := make([]byte, 16)
	require.NoError(t, ch.ReadBlocksExt([][]byte{out}, 3, 2,
		func(ok bool) { results = append(results, ok) },
		&bdev.ExtIOOpts{Metadata: outMD}))
	th.Poll()
	assert.Equal(t, []bool{true, true}, results)
	assert.Equal(t, dat, out)
	assert.Equal(t, md, outMD)

	require.NoError(t, ch.UnmapBlocks(3, 1, func(ok bool) { results = append(results, ok) }))
	require.NoError(t, ch.ReadBlocksExt([][]byte{out}, 3, 2, func(ok bool) { results = append(results, ok) }, nil))
	th.Poll()
	assert.Equal(t, make([]byte, 512), out[:512])
	assert.Equal(t, dat[512:], out[512:])

	stats := dev.Stats()
	assert.Equal(t, uint64(2), stats.Reads)
	assert.Equal(t, uint64(1), stats.Writes)
	assert.Equal(t, uint64(1), stats.Unmaps)
}

func TestDeviceInvalid(t *testing.T) {
	t.Parallel()
	_, _, ch := newTestDevice(t, bdev.DeviceConfig{BlockLen: 512})
	noop := func(bool) {}
	buf := make([]byte, 512)
	assert.True(t, errors.Is(ch.ReadBlocksExt([][]byte{buf}, 64, 1, noop, nil), bdev.ErrInvalid))
	assert.True(t, errors.Is(ch.ReadBlocksExt([][]byte{buf}, 0, 2, noop, nil), bdev.ErrInvalid))
	assert.True(t, errors.Is(ch.FlushBlocks(0, 0, noop), bdev.ErrInvalid))
}

func TestDeviceQueueDepth(t *testing.T) {
	t.Parallel()
	_, th, ch := newTestDevice(t, bdev.DeviceConfig{BlockLen: 512, QueueDepth: 1})
	buf := make([]byte, 512)
	var order []string
	require.NoError(t, ch.ReadBlocksExt([][]byte{buf}, 0, 1, func(bool) { order = append(order, "io") }, nil))
	err := ch.ReadBlocksExt([][]byte{buf}, 1, 1, func(bool) {}, nil)
	assert.True(t, errors.Is(err, bdev.ErrNoMem))
	ch.QueueIOWait(func() { order = append(order, "wait") })
	th.Poll()
	assert.Equal(t, []string{"io", "wait"}, order)
}

func TestDeviceFaults(t *testing.T) {
	t.Parallel()
	dev, th, ch := newTestDevice(t, bdev.DeviceConfig{BlockLen: 512})
	buf := make([]byte, 512)

	dev.SetFaults(bdev.Faults{NoMem: 1})
	assert.True(t, errors.Is(ch.ReadBlocksExt([][]byte{buf}, 0, 1, func(bool) {}, nil), bdev.ErrNoMem))
	woke := false
	ch.QueueIOWait(func() { woke = true })
	th.Poll()
	assert.True(t, woke, "a waiter must be woken even with nothing in flight")

	var results []bool
	dev.SetFaults(bdev.Faults{FailReads: true})
	require.NoError(t, ch.ReadBlocksExt([][]byte{buf}, 0, 1, func(ok bool) { results = append(results, ok) }, nil))
	require.NoError(t, ch.WriteBlocksExt([][]byte{buf}, 0, 1, func(ok bool) { results = append(results, ok) }, nil))
	th.Poll()
	assert.Equal(t, []bool{false, true}, results)

	fatal := errors.New("device gone")
	dev.SetFaults(bdev.Faults{SubmitErr: fatal})
	assert.Equal(t, fatal, ch.FlushBlocks(0, 1, func(bool) {}))
}
