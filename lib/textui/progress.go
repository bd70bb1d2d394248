// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package textui

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"
)

type Stats interface {
	comparable
	fmt.Stringer
}

// Progress periodically logs the most recent value passed to Set.
// Set is cheap and may be called from an I/O completion path; the
// logging happens on a separate goroutine that is started by the
// first Set and stopped by Done.  Done always logs the final value.
type Progress[T Stats] struct {
	ctx      context.Context //nolint:containedctx // For dlog and for detecting shutdown
	lvl      dlog.LogLevel
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	started bool
	cur     T
	oldStat T
	oldLine string
}

func NewProgress[T Stats](ctx context.Context, lvl dlog.LogLevel, interval time.Duration) *Progress[T] {
	ctx, cancel := context.WithCancel(ctx)
	return &Progress[T]{
		ctx:      ctx,
		lvl:      lvl,
		interval: interval,

		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (p *Progress[T]) Set(val T) {
	p.mu.Lock()
	p.cur = val
	start := !p.started
	p.started = true
	p.mu.Unlock()
	if start {
		go p.run()
	}
}

// Done stops the background logger and logs the final value.  It
// is safe to call Done even if Set was never called.
func (p *Progress[T]) Done() {
	p.cancel()
	p.mu.Lock()
	started := p.started
	p.started = true
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

func (p *Progress[T]) flush(force bool) {
	p.mu.Lock()
	cur := p.cur
	p.mu.Unlock()
	if !force && cur == p.oldStat {
		return
	}
	p.oldStat = cur

	line := cur.String()
	if !force && line == p.oldLine {
		return
	}
	p.oldLine = line

	dlog.Log(p.ctx, p.lvl, line)
}

func (p *Progress[T]) run() {
	defer close(p.done)
	p.flush(true)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			p.flush(true)
			return
		case <-ticker.C:
			p.flush(false)
		}
	}
}
