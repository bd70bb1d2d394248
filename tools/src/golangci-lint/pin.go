// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

//go:build tools

package main

import "github.com/golangci/golangci-lint/cmd/golangci-lint"
