// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/streamio"
)

func readJSONFile[T any](ctx context.Context, filename string) (T, error) {
	fh, err := os.Open(filename)
	if err != nil {
		var zero T
		return zero, err
	}
	buf, err := streamio.NewRuneScanner(dlog.WithField(ctx, "raid1.read-json-file", filename), fh, dlog.LogLevelDebug)
	if err != nil {
		_ = fh.Close()
		var zero T
		return zero, err
	}
	defer func() {
		_ = buf.Close()
	}()
	var ret T
	if err := lowmemjson.NewDecoder(buf).DecodeThenEOF(&ret); err != nil {
		var zero T
		return zero, err
	}
	return ret, nil
}

func writeJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoderConfig) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if _err := buffer.Flush(); err == nil && _err != nil {
			err = _err
		}
	}()
	return lowmemjson.NewEncoder(lowmemjson.NewReEncoder(buffer, cfg)).Encode(obj)
}

func parseBlocks(arg string) (uint64, error) {
	n, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", arg, err)
	}
	return n, nil
}

func checkStatus(op string, status bdev.Status) error {
	if status != bdev.StatusSuccess {
		return fmt.Errorf("%s: %v", op, status)
	}
	return nil
}
