// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/raid1-ng/lib/raid"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

type statusReport struct {
	raid.Superblock
	Offline     bool
	Operational int
}

func init() {
	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "fail IDX",
			Short: "Take base IDX out of the mirror",
			Long: "" +
				"Mark base IDX as failed and stop using it.  With " +
				"--delta-bitmap and --metadata, later writes record which " +
				"regions the base has missed, so that `raid1 rebuild` only " +
				"needs to copy those.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, args []string) error {
			idx, err := a.baseIndex(args[0])
			if err != nil {
				return err
			}
			_, err = await(cmd.Context(), a.th, func(done func(struct{})) {
				a.r.FailBaseBdev(idx)
				a.th.Send(func() { done(struct{}{}) })
			})
			if err != nil {
				return err
			}
			if a.r.Offline() {
				dlog.Errorf(cmd.Context(), "no operational bases remain")
			}
			return nil
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "rebuild IDX",
			Short: "Resynchronize base IDX from the others and return it to service",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, args []string) error {
			idx, err := a.baseIndex(args[0])
			if err != nil {
				return err
			}
			res, err := await(cmd.Context(), a.th, func(done func(error)) {
				a.r.Rebuild(a.ch, idx, done)
			})
			if err != nil {
				return err
			}
			return res
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "resize",
			Short: "Grow the mirror to the smallest of its healthy bases",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		Mutates: true,
		RunE: func(a *array, cmd *cobra.Command, _ []string) error {
			changed, err := await(cmd.Context(), a.th, func(done func(bool)) {
				done(a.r.Resize())
			})
			if err != nil {
				return err
			}
			size := a.r.NumBlocks()
			if changed {
				dlog.Infof(cmd.Context(), "resized to %v blocks (%s)", size, textui.IEC(size*uint64(a.r.BlockLen), "B"))
			} else {
				dlog.Infof(cmd.Context(), "size unchanged at %v blocks", size)
			}
			return nil
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "status",
			Short: "Print the state of the mirror as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(a *array, _ *cobra.Command, _ []string) error {
			return writeJSONFile(os.Stdout, statusReport{
				Superblock:  a.r.Superblock(),
				Offline:     a.r.Offline(),
				Operational: a.r.NumOperational(),
			}, lowmemjson.ReEncoderConfig{
				Indent:                "\t",
				CompactIfUnder:        80, //nolint:gomnd // This is what looks nice.
				ForceTrailingNewlines: true,
			})
		},
	})

	subcommands = append(subcommands, subcommand{
		Command: cobra.Command{
			Use:   "dump",
			Short: "Spew the in-memory state of every base",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(a *array, _ *cobra.Command, _ []string) error {
			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.MaxDepth = 2

			for i, base := range a.r.BaseBdevs() {
				textui.Fprintf(os.Stdout, "base[%d] = ", i)
				spew.Dump(base)
				_, _ = os.Stdout.WriteString("\n")
			}
			return nil
		},
	})
}
