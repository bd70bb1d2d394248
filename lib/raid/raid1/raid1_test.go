// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package raid1

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/containers"
	"git.lukeshu.com/raid1-ng/lib/diskio"
	"git.lukeshu.com/raid1-ng/lib/raid"
)

const (
	testBlockLen   = 512
	testRegionSize = 8
)

type testDev struct {
	Blocks uint64
	Region uint64
	// DataOffset is passed through to the raid.BaseConfig.
	DataOffset uint64
	// Missing makes the slot empty.
	Missing bool
}

type testRig struct {
	t    *testing.T
	th   *bdev.Thread
	devs []*bdev.Device
	r    *raid.Bdev
	ch   *raid.Channel
}

func newTestDevice(t *testing.T, name string, dev testDev) *bdev.Device {
	t.Helper()
	if dev.Blocks == 0 {
		dev.Blocks = 64
	}
	ret, err := bdev.NewDevice(name, diskio.NewMemFile[int64](name, int64(dev.Blocks*testBlockLen)), bdev.DeviceConfig{
		BlockLen:          testBlockLen,
		OptimalIOBoundary: dev.Region,
	})
	require.NoError(t, err)
	return ret
}

func newTestRaidErr(t *testing.T, deltaBitmap bool, devs ...testDev) (*testRig, error) {
	t.Helper()
	ctx := dlog.NewTestContext(t, false)
	rig := &testRig{
		t:  t,
		th: bdev.NewThread("test"),
	}
	cfg := raid.Config{
		Name:        "r1",
		Level:       raid.RAID1,
		DeltaBitmap: deltaBitmap,
	}
	for i, dev := range devs {
		name := fmt.Sprintf("base%d", i)
		if dev.Missing {
			rig.devs = append(rig.devs, nil)
			cfg.Bases = append(cfg.Bases, raid.BaseConfig{Name: name})
			continue
		}
		desc := newTestDevice(t, name, dev)
		rig.devs = append(rig.devs, desc)
		cfg.Bases = append(cfg.Bases, raid.BaseConfig{Name: name, Desc: desc, DataOffset: dev.DataOffset})
	}
	r, err := raid.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rig.r = r
	rig.ch, err = r.GetIOChannel(rig.th)
	require.NoError(t, err)
	return rig, nil
}

// newTestRaid builds a mirror of n 64-block bases with 8-block
// regions.
func newTestRaid(t *testing.T, n int, deltaBitmap bool) *testRig {
	t.Helper()
	devs := make([]testDev, n)
	for i := range devs {
		devs[i] = testDev{Region: testRegionSize}
	}
	rig, err := newTestRaidErr(t, deltaBitmap, devs...)
	require.NoError(t, err)
	return rig
}

func (rig *testRig) state() *channel {
	return getChannel(rig.ch)
}

func (rig *testRig) do(submit func(cb func(bdev.Status))) bdev.Status {
	rig.t.Helper()
	var results []bdev.Status
	submit(func(status bdev.Status) { results = append(results, status) })
	rig.th.Poll()
	require.Len(rig.t, results, 1, "exactly one completion")
	return results[0]
}

func (rig *testRig) write(offset uint64, dat []byte) bdev.Status {
	rig.t.Helper()
	return rig.do(func(cb func(bdev.Status)) {
		rig.ch.Write(offset, uint64(len(dat)/testBlockLen), [][]byte{dat}, nil, cb)
	})
}

func (rig *testRig) read(offset uint64, out []byte) bdev.Status {
	rig.t.Helper()
	return rig.do(func(cb func(bdev.Status)) {
		rig.ch.Read(offset, uint64(len(out)/testBlockLen), [][]byte{out}, nil, cb)
	})
}

func (rig *testRig) fail(idx uint8) {
	rig.r.FailBaseBdev(idx)
	rig.th.Poll()
}

// readDev reads blocks straight from one base, bypassing the mirror.
func (rig *testRig) readDev(idx int, offset, numBlocks uint64) []byte {
	rig.t.Helper()
	ch, err := rig.devs[idx].GetIOChannel(rig.th)
	require.NoError(rig.t, err)
	out := make([]byte, numBlocks*testBlockLen)
	ok := false
	require.NoError(rig.t, ch.ReadBlocksExt([][]byte{out}, offset, numBlocks, func(_ok bool) { ok = _ok }, nil))
	rig.th.Poll()
	require.True(rig.t, ok)
	return out
}

func pattern(numBlocks int, b byte) []byte {
	return bytes.Repeat([]byte{b}, numBlocks*testBlockLen)
}

func TestStart(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Delta      bool
		Devs       []testDev
		ExpErr     bool
		ExpBlocks  uint64
		ExpRegion  uint64
		ExpHealthy int
	}
	testcases := map[string]TestCase{
		"uniform": {
			Delta:      true,
			Devs:       []testDev{{Blocks: 64, Region: 8}, {Blocks: 64, Region: 8}},
			ExpBlocks:  64,
			ExpRegion:  8,
			ExpHealthy: 2,
		},
		"min-capacity": {
			Delta:      true,
			Devs:       []testDev{{Blocks: 64, Region: 8}, {Blocks: 48, Region: 8}, {Blocks: 128, Region: 8}},
			ExpBlocks:  48,
			ExpRegion:  8,
			ExpHealthy: 3,
		},
		"mixed-regions-untracked": {
			Devs:       []testDev{{Region: 16}, {Region: 8}},
			ExpBlocks:  64,
			ExpRegion:  8,
			ExpHealthy: 2,
		},
		"mixed-regions-tracked": {
			Delta:  true,
			Devs:   []testDev{{Region: 16}, {Region: 8}},
			ExpErr: true,
		},
		"zero-region-tracked": {
			Delta:  true,
			Devs:   []testDev{{}, {}},
			ExpErr: true,
		},
		"missing-ignored": {
			Delta:      true,
			Devs:       []testDev{{Blocks: 32, Region: 8}, {Missing: true}},
			ExpBlocks:  32,
			ExpRegion:  8,
			ExpHealthy: 1,
		},
		"all-missing": {
			Devs:   []testDev{{Missing: true}, {Missing: true}},
			ExpErr: true,
		},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			rig, err := newTestRaidErr(t, tc.Delta, tc.Devs...)
			if tc.ExpErr {
				assert.True(t, errors.Is(err, raid.ErrInvalidConfig), "err=%v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ExpBlocks, rig.r.NumBlocks())
			assert.Equal(t, tc.ExpRegion, rig.r.RegionSize)
			assert.Equal(t, tc.ExpHealthy, rig.r.NumOperational())
			for i, base := range rig.r.BaseBdevs() {
				if base.Desc != nil {
					assert.Equal(t, tc.ExpBlocks, base.DataSize, "base %d", i)
				}
			}
		})
	}
}

func TestMissingBaseStartsFaulty(t *testing.T) {
	t.Parallel()
	rig, err := newTestRaidErr(t, true, testDev{Region: 8}, testDev{Missing: true})
	require.NoError(t, err)
	c := rig.state()
	assert.Equal(t, []raid.BaseFaultState{raid.FaultNone, raid.FaultFaulty}, c.faultStates)
	assert.Nil(t, c.deltaBitmaps[0])
	assert.NotNil(t, c.deltaBitmaps[1])
	assert.Nil(t, rig.ch.BaseChannel(1))
}

func TestResize(t *testing.T) {
	t.Parallel()
	rig, err := newTestRaidErr(t, false, testDev{Blocks: 64}, testDev{Blocks: 128})
	require.NoError(t, err)
	assert.Equal(t, uint64(64), rig.r.NumBlocks())
	assert.False(t, rig.r.Resize(), "nothing changed")

	rig.fail(0)
	assert.True(t, rig.r.Resize())
	assert.Equal(t, uint64(128), rig.r.NumBlocks())
	assert.Equal(t, uint64(128), rig.r.BaseBdev(1).DataSize)
	assert.False(t, rig.r.Resize())

	// Base 0 is closed, so the write is reported as failed, but
	// base 1 has the data.
	assert.Equal(t, bdev.StatusFailed, rig.write(100, pattern(1, 'x')))
	assert.Equal(t, pattern(1, 'x'), rig.readDev(1, 100, 1))
}

func TestResizeDataOffset(t *testing.T) {
	t.Parallel()
	rig, err := newTestRaidErr(t, false, testDev{Blocks: 64}, testDev{Blocks: 128, DataOffset: 32})
	require.NoError(t, err)
	assert.Equal(t, uint64(64), rig.r.NumBlocks())

	rig.fail(0)
	assert.True(t, rig.r.Resize())
	assert.Equal(t, uint64(96), rig.r.NumBlocks())
	assert.Equal(t, uint64(96), rig.r.BaseBdev(1).DataSize)

	assert.Equal(t, bdev.StatusFailed, rig.write(95, pattern(1, 'y')))
	assert.Equal(t, pattern(1, 'y'), rig.readDev(1, 127, 1))
}

func TestStop(t *testing.T) {
	t.Parallel()

	t.Run("async", func(t *testing.T) {
		t.Parallel()
		rig := newTestRaid(t, 2, false)
		stopped := false
		rig.r.Stop(func() { stopped = true })
		assert.False(t, stopped, "must wait for the channel to close")
		_, err := rig.r.GetIOChannel(bdev.NewThread("late"))
		assert.Error(t, err)
		rig.ch.Close()
		assert.True(t, stopped)
	})

	t.Run("no-channels", func(t *testing.T) {
		t.Parallel()
		rig := newTestRaid(t, 2, false)
		rig.ch.Close()
		stopped := false
		rig.r.Stop(func() { stopped = true })
		assert.True(t, stopped)
	})
}

func TestRegistration(t *testing.T) {
	t.Parallel()
	mod, ok := raid.LookupModule(raid.RAID1)
	require.True(t, ok)
	assert.Equal(t, uint8(1), mod.BaseBdevsMin())
	assert.Equal(t, raid.Constraint{Type: raid.ConstraintMinBaseBdevsOperational, Value: 1}, mod.BaseBdevsConstraint())
	assert.True(t, mod.MemoryDomainsSupported())
	assert.Panics(t, func() { raid.RegisterModule(module{}) })
}

func setBits(b *containers.Bitmap) []uint64 {
	var ret []uint64
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		ret = append(ret, i)
	}
	return ret
}
