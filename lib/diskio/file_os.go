// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"os"
)

type OSFile[A ~int64] struct {
	*os.File
}

var (
	_ File[assertAddr] = (*OSFile[assertAddr])(nil)
	_ Syncer           = (*OSFile[assertAddr])(nil)
)

// OpenOSFile opens an existing image file for reading and writing.
func OpenOSFile[A ~int64](filename string, flag int) (*OSFile[A], error) {
	fh, err := os.OpenFile(filename, flag, 0)
	if err != nil {
		return nil, err
	}
	return &OSFile[A]{File: fh}, nil
}

func (f *OSFile[A]) Size() A {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return A(fi.Size())
}

func (f *OSFile[A]) ReadAt(dat []byte, paddr A) (int, error) {
	return f.File.ReadAt(dat, int64(paddr))
}

func (f *OSFile[A]) WriteAt(dat []byte, paddr A) (int, error) {
	return f.File.WriteAt(dat, int64(paddr))
}
