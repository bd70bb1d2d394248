// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package profile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/raid1-ng/lib/profile"
)

func TestAddProfileFlags(t *testing.T) {
	t.Parallel()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	stop := profile.AddProfileFlags(flags, "profile.")
	for _, name := range []string{"profile.cpu", "profile.trace", "profile.heap", "profile.goroutine"} {
		assert.NotNil(t, flags.Lookup(name), name)
	}

	filename := filepath.Join(t.TempDir(), "heap.pprof")
	require.NoError(t, flags.Parse([]string{"--profile.heap=" + filename}))
	assert.Equal(t, filename, flags.Lookup("profile.heap").Value.String())
	require.NoError(t, stop())
	fi, err := os.Stat(filename)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}
