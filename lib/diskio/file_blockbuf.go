// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"sync"

	"git.lukeshu.com/raid1-ng/lib/containers"
)

type bufferedBlock struct {
	Dat []byte
	Err error
}

// BufferedFile is a write-through block cache in front of another
// File.  Reads are served from cached blocks where possible; writes
// go to the inner File first and then update any cached copy.
type BufferedFile[A ~int64] struct {
	inner     File[A]
	blockSize A

	mu         sync.Mutex
	blockCache *containers.LRUCache[A, *bufferedBlock]
}

var (
	_ File[assertAddr] = (*BufferedFile[assertAddr])(nil)
	_ Syncer           = (*BufferedFile[assertAddr])(nil)
)

func NewBufferedFile[A ~int64](file File[A], blockSize A, cacheSize int) *BufferedFile[A] {
	return &BufferedFile[A]{
		inner:      file,
		blockSize:  blockSize,
		blockCache: containers.NewLRUCache[A, *bufferedBlock](cacheSize),
	}
}

func (bf *BufferedFile[A]) Name() string { return bf.inner.Name() }
func (bf *BufferedFile[A]) Size() A      { return bf.inner.Size() }

func (bf *BufferedFile[A]) Close() error {
	bf.mu.Lock()
	bf.blockCache.Purge()
	bf.mu.Unlock()
	return bf.inner.Close()
}

func (bf *BufferedFile[A]) Sync() error {
	if syncer, ok := bf.inner.(Syncer); ok {
		return syncer.Sync()
	}
	return nil
}

func (bf *BufferedFile[A]) ReadAt(dat []byte, off A) (n int, err error) {
	done := 0
	for done < len(dat) {
		n, err := bf.maybeShortReadAt(dat[done:], off+A(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (bf *BufferedFile[A]) loadBlock(blockOffset A) *bufferedBlock {
	if block, ok := bf.blockCache.Get(blockOffset); ok {
		return block
	}
	block := &bufferedBlock{
		Dat: make([]byte, bf.blockSize),
	}
	n, err := bf.inner.ReadAt(block.Dat, blockOffset)
	block.Dat = block.Dat[:n]
	block.Err = err
	if err == nil {
		bf.blockCache.Add(blockOffset, block)
	}
	return block
}

func (bf *BufferedFile[A]) maybeShortReadAt(dat []byte, off A) (n int, err error) {
	offsetWithinBlock := off % bf.blockSize
	blockOffset := off - offsetWithinBlock

	bf.mu.Lock()
	defer bf.mu.Unlock()
	block := bf.loadBlock(blockOffset)
	if offsetWithinBlock >= A(len(block.Dat)) {
		return 0, block.Err
	}
	n = copy(dat, block.Dat[offsetWithinBlock:])
	if n < len(dat) && A(len(block.Dat)) < bf.blockSize {
		return n, block.Err
	}
	return n, nil
}

func (bf *BufferedFile[A]) WriteAt(dat []byte, off A) (n int, err error) {
	n, err = bf.inner.WriteAt(dat, off)

	bf.mu.Lock()
	defer bf.mu.Unlock()
	for blockOffset := off - (off % bf.blockSize); blockOffset < off+A(n); blockOffset += bf.blockSize {
		block, ok := bf.blockCache.Get(blockOffset)
		if !ok {
			continue
		}
		beg := off - blockOffset
		src := dat
		if beg < 0 {
			src = src[-beg:]
			beg = 0
		}
		if beg >= A(len(block.Dat)) {
			bf.blockCache.Remove(blockOffset)
			continue
		}
		copy(block.Dat[beg:], src)
	}
	return n, err
}
