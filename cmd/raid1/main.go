// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command raid1 assembles a set of image files into a mirror and
// performs I/O and maintenance on it.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/raid1-ng/lib/profile"
	"git.lukeshu.com/raid1-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	// Mutates is whether the subcommand changes the array, and so
	// needs the images opened read-write.
	Mutates bool
	RunE    func(*array, *cobra.Command, []string) error
}

var subcommands []subcommand

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}
	var cfg arrayConfig

	argparser := &cobra.Command{
		Use:   "raid1 {[flags]|SUBCOMMAND}",
		Short: "Operate on a RAID1 mirror of image files",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	flags := argparser.PersistentFlags()
	flags.Var(&logLevelFlag, "verbosity", "set the verbosity")
	flags.StringVar(&cfg.Name, "name", "raid1", "name of the array")
	flags.StringArrayVar(&cfg.Bases, "base", nil,
		"open the file `image` as the next base bdev of the mirror; use \""+missingBase+"\" for an absent slot")
	noError(argparser.MarkPersistentFlagFilename("base"))
	noError(argparser.MarkPersistentFlagRequired("base"))
	flags.StringVar(&cfg.Metadata, "metadata", "",
		"load and save the array's superblock (failed bases, faulty regions) in the JSON file `superblock.json`")
	noError(argparser.MarkPersistentFlagFilename("metadata"))
	flags.Uint32Var(&cfg.BlockLen, "block-size", 512, "size of a block, in bytes")
	flags.Uint64Var(&cfg.RegionBlocks, "region-blocks", 2048, "size of a delta-bitmap region, in blocks")
	flags.Uint64Var(&cfg.DataOffset, "data-offset", 0, "skip this many blocks at the start of each image")
	flags.BoolVar(&cfg.DeltaBitmap, "delta-bitmap", true, "track the regions that a failed base misses, for faster rebuilds")
	flags.IntVar(&cfg.CacheBlocks, "cache-blocks", 0, "cache this many blocks of each image in memory (0 to disable)")
	stopProfiling := profile.AddProfileFlags(flags, "profile.")

	for _, child := range subcommands {
		cmd := child.Command
		runE := child.RunE
		mutates := child.Mutates
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
			ctx = dlog.WithLogger(ctx, logger)
			dlog.SetFallbackLogger(logger.WithField("raid1.THIS_IS_A_BUG", true))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
				ShutdownOnNonError:   true,
			})
			cfg := cfg
			cfg.ReadOnly = !mutates
			arr := newArray(cfg)
			// The thread outlives a soft shutdown of "main", so
			// that the array can still be closed cleanly.
			thCtx, stopThread := context.WithCancel(ctx)
			grp.Go("thread", func(context.Context) error {
				return arr.th.Run(thCtx)
			})
			grp.Go("main", func(ctx context.Context) (err error) {
				defer stopThread()
				maybeSetErr := func(_err error) {
					if _err != nil && err == nil {
						err = _err
					}
				}
				if err := arr.open(ctx); err != nil {
					maybeSetErr(arr.closeImages())
					return err
				}
				defer func() {
					maybeSetErr(arr.close(dcontext.HardContext(ctx)))
				}()
				cmd.SetContext(ctx)
				return runE(arr, cmd, args)
			})
			err := grp.Wait()
			if _err := stopProfiling(); _err != nil && err == nil {
				err = _err
			}
			return err
		}
		argparser.AddCommand(&cmd)
	}

	if err := argparser.ExecuteContext(context.Background()); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func noError(err error) {
	if err != nil {
		panic(err)
	}
}
