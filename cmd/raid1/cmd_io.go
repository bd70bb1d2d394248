// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/raid1-ng/lib/bdev"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

func (a *array) submit(cmd *cobra.Command, fn func(cb func(bdev.Status))) (bdev.Status, error) {
	return await(cmd.Context(), a.th, fn)
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "read LBA COUNT",
			Short: "Read COUNT blocks starting at LBA, and write them to stdout",
			Long: "" +
				"Read from the mirror, balancing across the healthy bases.  " +
				"A block that fails to read is fetched from another base " +
				"and written back to the one that failed.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		// Read-repair writes back to the bases.
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, args []string) error {
			lba, err := parseBlocks(args[0])
			if err != nil {
				return err
			}
			count, err := parseBlocks(args[1])
			if err != nil {
				return err
			}
			buf := make([]byte, count*uint64(a.r.BlockLen))
			status, err := a.submit(cmd, func(cb func(bdev.Status)) {
				a.ch.Read(lba, count, [][]byte{buf}, nil, cb)
			})
			if err != nil {
				return err
			}
			if err := checkStatus("read", status); err != nil {
				return err
			}
			_, err = os.Stdout.Write(buf)
			return err
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "write LBA INPUT",
			Short: "Write the contents of the file INPUT (or stdin, for \"-\") at LBA",
			Long: "" +
				"Write to every base.  The input is zero-padded to a whole " +
				"number of blocks.  If any base misses the write, the base " +
				"is failed and the command reports an error, even though " +
				"the data reached the remaining bases.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, args []string) error {
			lba, err := parseBlocks(args[0])
			if err != nil {
				return err
			}
			var dat []byte
			if args[1] == "-" {
				dat, err = io.ReadAll(os.Stdin)
			} else {
				dat, err = os.ReadFile(args[1])
			}
			if err != nil {
				return err
			}
			blockLen := uint64(a.r.BlockLen)
			count := (uint64(len(dat)) + blockLen - 1) / blockLen
			if count == 0 {
				return fmt.Errorf("write: %q is empty", args[1])
			}
			if pad := count*blockLen - uint64(len(dat)); pad > 0 {
				dat = append(dat, make([]byte, pad)...)
			}
			status, err := a.submit(cmd, func(cb func(bdev.Status)) {
				a.ch.Write(lba, count, [][]byte{dat}, nil, cb)
			})
			if err != nil {
				return err
			}
			if err := checkStatus("write", status); err != nil {
				return err
			}
			dlog.Infof(cmd.Context(), "wrote %v at block %v", textui.IEC(uint64(len(dat)), "B"), lba)
			return nil
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "flush",
			Short: "Flush every base to stable storage",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, _ []string) error {
			status, err := a.submit(cmd, func(cb func(bdev.Status)) {
				a.ch.Flush(0, a.r.NumBlocks(), cb)
			})
			if err != nil {
				return err
			}
			return checkStatus("flush", status)
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "unmap LBA COUNT",
			Short: "Discard COUNT blocks starting at LBA on every base",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(2)),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, args []string) error {
			lba, err := parseBlocks(args[0])
			if err != nil {
				return err
			}
			count, err := parseBlocks(args[1])
			if err != nil {
				return err
			}
			status, err := a.submit(cmd, func(cb func(bdev.Status)) {
				a.ch.Unmap(lba, count, cb)
			})
			if err != nil {
				return err
			}
			return checkStatus("unmap", status)
		},
	})
}
