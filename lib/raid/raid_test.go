// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid_test

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/diskio"
	"git.lukeshu.com/raid1-ng/lib/raid"
	_ "git.lukeshu.com/raid1-ng/lib/raid/raid1"
)

const testBlockLen = 512

func newDevice(t *testing.T, name string, blockLen uint32) *bdev.Device {
	t.Helper()
	dev, err := bdev.NewDevice(name, diskio.NewMemFile[int64](name, 64*int64(blockLen)), bdev.DeviceConfig{
		BlockLen:          blockLen,
		OptimalIOBoundary: 8,
	})
	require.NoError(t, err)
	return dev
}

func newConfig(t *testing.T, n int) raid.Config {
	t.Helper()
	cfg := raid.Config{
		Name:        "r1",
		Level:       raid.RAID1,
		DeltaBitmap: true,
	}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("base%d", i)
		cfg.Bases = append(cfg.Bases, raid.BaseConfig{Name: name, Desc: newDevice(t, name, testBlockLen)})
	}
	return cfg
}

func TestNew(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Mutate func(*raid.Config)
		ExpErr string
	}
	testcases := map[string]TestCase{
		"ok": {
			Mutate: func(*raid.Config) {},
		},
		"unregistered-level": {
			Mutate: func(cfg *raid.Config) { cfg.Level = raid.RAID5 },
			ExpErr: "no module for level raid5",
		},
		"no-bases": {
			Mutate: func(cfg *raid.Config) { cfg.Bases = nil },
			ExpErr: "needs between 1 and 255 base bdevs, got 0",
		},
		"mixed-block-len": {
			Mutate: func(cfg *raid.Config) {
				cfg.Bases[1].Desc = newDevice(t, "big", 4096)
			},
			ExpErr: `"big" has block format 4096+0, want 512+0`,
		},
		"data-offset-past-end": {
			Mutate: func(cfg *raid.Config) { cfg.Bases[1].DataOffset = 64 },
			ExpErr: `data offset 64 is past the end of "base1" (64 blocks)`,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			cfg := newConfig(t, 2)
			tc.Mutate(&cfg)
			r, err := raid.New(dlog.NewTestContext(t, false), cfg)
			if tc.ExpErr != "" {
				assert.True(t, errors.Is(err, raid.ErrInvalidConfig), "err=%v", err)
				assert.ErrorContains(t, err, tc.ExpErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, uint32(testBlockLen), r.BlockLen)
			assert.Equal(t, uint64(64), r.NumBlocks())
			assert.Equal(t, uint64(8), r.RegionCount())
		})
	}
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t, 2)
	r, err := raid.New(dlog.NewTestContext(t, false), cfg)
	require.NoError(t, err)
	th := bdev.NewThread("test")
	ch, err := r.GetIOChannel(th)
	require.NoError(t, err)

	type TestCase struct {
		Type      bdev.IOType
		Offset    uint64
		NumBlocks uint64
		Iov       int
		Opts      *bdev.ExtIOOpts
		ExpStatus bdev.Status
	}
	testcases := map[string]TestCase{
		"ok":           {Type: bdev.IOTypeRead, Offset: 0, NumBlocks: 2, Iov: 2 * testBlockLen, ExpStatus: bdev.StatusSuccess},
		"zero-length":  {Type: bdev.IOTypeRead, Offset: 0, NumBlocks: 0, ExpStatus: bdev.StatusFailed},
		"past-end":     {Type: bdev.IOTypeWrite, Offset: 63, NumBlocks: 2, Iov: 2 * testBlockLen, ExpStatus: bdev.StatusFailed},
		"short-iov":    {Type: bdev.IOTypeWrite, Offset: 0, NumBlocks: 2, Iov: testBlockLen, ExpStatus: bdev.StatusFailed},
		"flush-no-iov": {Type: bdev.IOTypeFlush, Offset: 0, NumBlocks: 64, ExpStatus: bdev.StatusSuccess},
		"unknown-type": {Type: bdev.IOType(9), Offset: 0, NumBlocks: 1, ExpStatus: bdev.StatusFailed},
	}
	for tcName, tc := range testcases {
		var statuses []bdev.Status
		var iovs [][]byte
		if tc.Iov > 0 {
			iovs = [][]byte{make([]byte, tc.Iov)}
		}
		ch.Submit(tc.Type, tc.Offset, tc.NumBlocks, iovs, tc.Opts, func(status bdev.Status) {
			statuses = append(statuses, status)
		})
		th.Poll()
		assert.Equal(t, []bdev.Status{tc.ExpStatus}, statuses, tcName)
	}
}

func TestSubmitOffline(t *testing.T) {
	t.Parallel()
	r, err := raid.New(dlog.NewTestContext(t, false), newConfig(t, 1))
	require.NoError(t, err)
	th := bdev.NewThread("test")
	ch, err := r.GetIOChannel(th)
	require.NoError(t, err)

	r.FailBaseBdev(0)
	th.Poll()
	assert.True(t, r.Offline())
	var statuses []bdev.Status
	ch.Read(0, 1, [][]byte{make([]byte, testBlockLen)}, nil, func(status bdev.Status) {
		statuses = append(statuses, status)
	})
	th.Poll()
	assert.Equal(t, []bdev.Status{bdev.StatusFailed}, statuses)
}

func TestCompletePart(t *testing.T) {
	t.Parallel()
	r, err := raid.New(dlog.NewTestContext(t, false), newConfig(t, 2))
	require.NoError(t, err)
	th := bdev.NewThread("test")
	ch, err := r.GetIOChannel(th)
	require.NoError(t, err)

	type part struct {
		N      uint8
		Status bdev.Status
	}
	type TestCase struct {
		Parts     uint8
		Default   bdev.Status
		Steps     []part
		ExpStatus bdev.Status
	}
	testcases := map[string]TestCase{
		"all-succeed": {
			Parts:     3,
			Default:   bdev.StatusFailed,
			Steps:     []part{{1, bdev.StatusSuccess}, {1, bdev.StatusSuccess}, {1, bdev.StatusSuccess}},
			ExpStatus: bdev.StatusSuccess,
		},
		"one-fails": {
			Parts:     3,
			Default:   bdev.StatusFailed,
			Steps:     []part{{1, bdev.StatusSuccess}, {1, bdev.StatusFailed}, {1, bdev.StatusSuccess}},
			ExpStatus: bdev.StatusFailed,
		},
		"success-after-failure": {
			Parts:     2,
			Default:   bdev.StatusSuccess,
			Steps:     []part{{1, bdev.StatusFailed}, {1, bdev.StatusSuccess}},
			ExpStatus: bdev.StatusFailed,
		},
		"bulk": {
			Parts:     4,
			Default:   bdev.StatusSuccess,
			Steps:     []part{{1, bdev.StatusSuccess}, {3, bdev.StatusSuccess}},
			ExpStatus: bdev.StatusSuccess,
		},
		"bulk-failure": {
			Parts:     4,
			Default:   bdev.StatusFailed,
			Steps:     []part{{1, bdev.StatusSuccess}, {3, bdev.StatusFailed}},
			ExpStatus: bdev.StatusFailed,
		},
	}
	for tcName, tc := range testcases {
		var statuses []bdev.Status
		rio := raid.NewIO(ch, bdev.IOTypeWrite, 0, 1, nil, func(status bdev.Status) {
			statuses = append(statuses, status)
		})
		rio.BeginParts(tc.Parts, tc.Default)
		for i, step := range tc.Steps {
			done := rio.CompletePart(step.N, step.Status)
			assert.Equal(t, i == len(tc.Steps)-1, done, "%s: step %d", tcName, i)
		}
		assert.Empty(t, statuses, "%s: completion is deferred to the thread", tcName)
		th.Poll()
		assert.Equal(t, []bdev.Status{tc.ExpStatus}, statuses, tcName)
	}

	rio := raid.NewIO(ch, bdev.IOTypeWrite, 0, 1, nil, nil)
	rio.BeginParts(1, bdev.StatusSuccess)
	assert.Panics(t, func() { rio.CompletePart(2, bdev.StatusSuccess) }, "more parts than remain")
	rio.Complete(bdev.StatusSuccess)
	assert.Panics(t, func() { rio.Complete(bdev.StatusSuccess) }, "completed twice")
}

func TestSuperblock(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t, 2)
	ctx := dlog.NewTestContext(t, false)
	r, err := raid.New(ctx, cfg)
	require.NoError(t, err)
	th := bdev.NewThread("test")
	ch, err := r.GetIOChannel(th)
	require.NoError(t, err)

	r.FailBaseBdev(1)
	th.Poll()
	ch.Write(20, 1, [][]byte{make([]byte, testBlockLen)}, nil, nil)
	th.Poll()
	r.StopTracking(1, func(err error) { assert.NoError(t, err) })
	th.Poll()

	var buf bytes.Buffer
	require.NoError(t, raid.WriteSuperblock(&buf, r.Superblock()))
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	sb, err := raid.ReadSuperblock(&buf)
	require.NoError(t, err)
	assert.Equal(t, "r1", sb.Name)
	assert.Equal(t, raid.RAID1, sb.Level)
	assert.Equal(t, uint64(64), sb.NumBlocks)
	assert.Equal(t, uint64(8), sb.RegionSize)
	require.Len(t, sb.Bases, 2)
	assert.False(t, sb.Bases[0].Failed)
	assert.Equal(t, uint64(0), sb.Bases[0].FaultyRegions.Len())
	assert.True(t, sb.Bases[1].Failed)
	assert.Equal(t, uint64(8), sb.Bases[1].FaultyRegions.Len())
	assert.True(t, sb.Bases[1].FaultyRegions.Get(2))
	assert.Equal(t, uint64(1), sb.Bases[1].FaultyRegions.Count())

	// Reassemble from the same devices.
	r2, err := raid.New(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, r2.LoadSuperblock(sb))
	assert.True(t, r2.BaseBdev(1).IsFailed())
	assert.True(t, r2.BaseBdev(1).FaultyRegions().Get(2))
	assert.False(t, r2.Offline())
	ch2, err := r2.GetIOChannel(th)
	require.NoError(t, err)
	assert.Nil(t, ch2.BaseChannel(1), "a failed base is not opened")
	assert.NotNil(t, ch2.BaseChannel(0))

	assert.Error(t, r2.LoadSuperblock(sb), "channels are open")
}

func TestLoadSuperblock(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Mutate          func(*raid.Superblock)
		ExpErr          bool
		ExpTrackingLost bool
		ExpOffline      bool
	}
	testcases := map[string]TestCase{
		"wrong-name": {
			Mutate: func(sb *raid.Superblock) { sb.Name = "other" },
			ExpErr: true,
		},
		"wrong-level": {
			Mutate: func(sb *raid.Superblock) { sb.Level = raid.RAID0 },
			ExpErr: true,
		},
		"wrong-base-count": {
			Mutate: func(sb *raid.Superblock) { sb.Bases = sb.Bases[:1] },
			ExpErr: true,
		},
		"wrong-data-offset": {
			Mutate: func(sb *raid.Superblock) {
				sb.Bases[0].Failed = true
				sb.Bases[1].DataOffset = 8
			},
			ExpErr: true,
		},
		"bitmap-length-mismatch": {
			Mutate: func(sb *raid.Superblock) {
				sb.Bases[1].Failed = true
				sb.Bases[1].FaultyRegions = containers.NewBitmap(4)
			},
			ExpTrackingLost: true,
		},
		"tracking-lost": {
			Mutate: func(sb *raid.Superblock) {
				sb.Bases[1].Failed = true
				sb.Bases[1].TrackingLost = true
			},
			ExpTrackingLost: true,
		},
		"all-failed": {
			Mutate: func(sb *raid.Superblock) {
				sb.Bases[0].Failed = true
				sb.Bases[1].Failed = true
			},
			ExpOffline: true,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			r, err := raid.New(dlog.NewTestContext(t, false), newConfig(t, 2))
			require.NoError(t, err)
			sb := r.Superblock()
			tc.Mutate(&sb)
			err = r.LoadSuperblock(sb)
			if tc.ExpErr {
				assert.True(t, errors.Is(err, raid.ErrInvalidConfig), "err=%v", err)
				assert.False(t, r.BaseBdev(0).IsFailed(), "a rejected superblock changes nothing")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ExpTrackingLost, r.BaseBdev(1).TrackingLost())
			assert.Nil(t, r.BaseBdev(1).FaultyRegions())
			assert.Equal(t, tc.ExpOffline, r.Offline())
		})
	}
}

func TestDataOffset(t *testing.T) {
	t.Parallel()
	cfg := newConfig(t, 2)
	cfg.Bases[1].DataOffset = 16
	r, err := raid.New(dlog.NewTestContext(t, false), cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(48), r.NumBlocks())
	for i, base := range r.BaseBdevs() {
		assert.Equal(t, uint64(48), base.DataSize, "base %d", i)
	}
	assert.Equal(t, uint64(16), r.Superblock().Bases[1].DataOffset)

	th := bdev.NewThread("test")
	ch, err := r.GetIOChannel(th)
	require.NoError(t, err)
	dat := bytes.Repeat([]byte{'d'}, testBlockLen)
	var statuses []bdev.Status
	ch.Write(2, 1, [][]byte{dat}, nil, func(status bdev.Status) { statuses = append(statuses, status) })
	th.Poll()
	require.Equal(t, []bdev.Status{bdev.StatusSuccess}, statuses)

	for idx, lba := range []uint64{2, 18} {
		baseCh, err := r.BaseBdev(uint8(idx)).Desc.GetIOChannel(th)
		require.NoError(t, err)
		out := make([]byte, testBlockLen)
		ok := false
		require.NoError(t, baseCh.ReadBlocksExt([][]byte{out}, lba, 1, func(_ok bool) { ok = _ok }, nil))
		th.Poll()
		require.True(t, ok)
		assert.Equal(t, dat, out, "base %d block %d", idx, lba)
	}
}

func TestStrings(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "raid1", raid.RAID1.String())
	assert.Equal(t, "faulty-stopped", raid.FaultFaultyStopped.String())
	assert.Equal(t, "BaseFaultState(7)", raid.BaseFaultState(7).String())
}
