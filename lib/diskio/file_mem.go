// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"io"
	"sync"
)

// MemFile is a fixed-size File held entirely in memory.
type MemFile[A ~int64] struct {
	name string

	mu  sync.RWMutex
	dat []byte
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string, size A) *MemFile[A] {
	return &MemFile[A]{
		name: name,
		dat:  make([]byte, size),
	}
}

func (f *MemFile[A]) Name() string { return f.name }
func (f *MemFile[A]) Size() A      { return A(len(f.dat)) }
func (f *MemFile[A]) Close() error { return nil }

func (f *MemFile[A]) ReadAt(dat []byte, off A) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%s: read: negative offset %v", f.name, off)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off >= A(len(f.dat)) {
		return 0, io.EOF
	}
	n := copy(dat, f.dat[off:])
	if n < len(dat) {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(dat []byte, off A) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%s: write: negative offset %v", f.name, off)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= A(len(f.dat)) {
		return 0, fmt.Errorf("%s: write: offset %v is past the end", f.name, off)
	}
	n := copy(f.dat[off:], dat)
	if n < len(dat) {
		return n, fmt.Errorf("%s: write: short write at %v", f.name, off)
	}
	return n, nil
}
