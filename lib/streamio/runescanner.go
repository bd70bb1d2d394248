// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package streamio implements utilities for working with streaming
// I/O.
package streamio

import (
	"bufio"
	"context"
	"io"
	"os"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/textui"
)

type RuneScanner interface {
	io.RuneScanner
	io.Closer
}

var progressInterval = textui.Tunable(1 * time.Second)

// progressReader counts the bytes that the buffer pulls from the
// underlying file.
type progressReader struct {
	inner    io.Reader
	progress textui.Portion[int64]
	writer   *textui.Progress[textui.Portion[int64]]
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.inner.Read(p)
	pr.progress.N += int64(n)
	pr.writer.Set(pr.progress)
	return n, err
}

type runeScanner struct {
	*bufio.Reader
	ctx    context.Context //nolint:containedctx // For detecting shutdown from methods
	done   <-chan struct{}
	src    *progressReader
	closer io.Closer
}

// NewRuneScanner returns a buffered io.RuneScanner (and io.Closer)
// over fh.  Reads fail once ctx is canceled, and the progress of
// reading the file is logged at lvl.
func NewRuneScanner(ctx context.Context, fh *os.File, lvl dlog.LogLevel) (RuneScanner, error) {
	fi, err := fh.Stat()
	if err != nil {
		return nil, err
	}
	src := &progressReader{
		inner: fh,
		progress: textui.Portion[int64]{
			D: fi.Size(),
		},
		writer: textui.NewProgress[textui.Portion[int64]](ctx, lvl, progressInterval),
	}
	return &runeScanner{
		Reader: bufio.NewReader(src),
		ctx:    ctx,
		done:   ctx.Done(),
		src:    src,
		closer: fh,
	}, nil
}

// ReadRune implements io.RuneReader.
func (rs *runeScanner) ReadRune() (r rune, size int, err error) {
	// Polling the channel is cheaper than ctx.Err().
	select {
	case <-rs.done:
		return 0, 0, rs.ctx.Err()
	default:
	}
	return rs.Reader.ReadRune()
}

// Close implements io.Closer.
func (rs *runeScanner) Close() error {
	rs.src.writer.Done()
	return rs.closer.Close()
}
