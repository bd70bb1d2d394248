// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile writes Go runtime profiles to files named on the
// command line.
package profile

import (
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

// CPU starts a CPU profile written to w.
func CPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

// Trace starts an execution trace written to w.
func Trace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// Named arranges for the runtime's named profile to be written to w
// when the returned function is called.
func Named(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			if prof := pprof.Lookup(name); prof != nil {
				return prof.WriteTo(w, 0)
			}
			return nil
		}, nil
	}
}

type flagSet struct {
	stops []StopFunc
}

func (fs *flagSet) stop() error {
	var errs derror.MultiError
	for _, fn := range fs.stops {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	fs.stops = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	set      *flagSet
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

// String implements pflag.Value.
func (fv *flagValue) String() string { return fv.filename }

// Type implements pflag.Value.
func (*flagValue) Type() string { return "filename" }

// Set implements pflag.Value.
func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	w, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(w)
	if err != nil {
		_ = w.Close()
		return err
	}
	fv.filename = filename
	fv.set.stops = append(fv.set.stops, func() error {
		if err := stop(); err != nil {
			_ = w.Close()
			return err
		}
		return w.Close()
	})
	return nil
}

// AddProfileFlags adds a "{prefix}{kind}=FILE" flag for the CPU
// profile, the execution trace, and each of the runtime's named
// profiles.  The returned function finishes writing every requested
// profile, and should be called at shutdown.
func AddProfileFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	set := new(flagSet)
	add := func(kind, what, ext string, start startFunc) {
		name := prefix + kind
		flags.Var(&flagValue{set: set, start: start}, name, "write "+what+" to the file `"+kind+ext+"`")
		_ = cobra.MarkFlagFilename(flags, name)
	}
	add("cpu", "a CPU profile", ".pprof", CPU)
	add("trace", "an execution trace", ".out", Trace)
	for _, prof := range pprof.Profiles() {
		add(prof.Name(), "a "+prof.Name()+" profile", ".pprof", Named(prof.Name()))
	}
	return set.stop
}
