// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/raid1-ng/lib/diskio"
)

func TestBufferedFileWriteThrough(t *testing.T) {
	t.Parallel()
	inner := diskio.NewMemFile[int64]("inner", 64)
	bf := diskio.NewBufferedFile[int64](inner, 16, 2)

	// Populate the cache for blocks 0 and 1.
	buf := make([]byte, 32)
	n, err := bf.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	// A write spanning a cached and an uncached block.
	n, err = bf.WriteAt([]byte("0123456789abcdef0123"), 10)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	// The cached copy and the inner file must agree.
	cached := make([]byte, 64)
	_, err = bf.ReadAt(cached, 0)
	require.NoError(t, err)
	raw := make([]byte, 64)
	_, err = inner.ReadAt(raw, 0)
	require.NoError(t, err)
	assert.Equal(t, raw, cached)
	assert.Equal(t, []byte("0123456789abcdef0123"), cached[10:30])
}

func TestBufferedFileShortRead(t *testing.T) {
	t.Parallel()
	inner := diskio.NewMemFile[int64]("inner", 20)
	bf := diskio.NewBufferedFile[int64](inner, 16, 4)
	buf := make([]byte, 8)
	n, err := bf.ReadAt(buf, 16)
	assert.Equal(t, 4, n)
	assert.Error(t, err)
}
