// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package bdev

import (
	"context"
	"sync"
)

// A Thread is a cooperative event loop.  Messages sent to a Thread
// run one at a time, in the order they were sent, so state that is
// only touched from a single Thread needs no locking.
//
// A Thread is driven either by Run (in its own goroutine) or by
// calling Poll directly.
type Thread struct {
	name string

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewThread(name string) *Thread {
	return &Thread{
		name: name,
		wake: make(chan struct{}, 1),
	}
}

func (th *Thread) Name() string { return th.name }

// Send queues fn to run on the thread.  It is safe to call from any
// goroutine.
func (th *Thread) Send(fn func()) {
	th.mu.Lock()
	th.queue = append(th.queue, fn)
	th.mu.Unlock()
	select {
	case th.wake <- struct{}{}:
	default:
	}
}

func (th *Thread) pop() func() {
	th.mu.Lock()
	defer th.mu.Unlock()
	if len(th.queue) == 0 {
		return nil
	}
	fn := th.queue[0]
	th.queue[0] = nil
	th.queue = th.queue[1:]
	return fn
}

// Step runs the oldest queued message, and reports whether there
// was one.
func (th *Thread) Step() bool {
	fn := th.pop()
	if fn == nil {
		return false
	}
	fn()
	return true
}

// Poll runs queued messages until the queue is empty, including any
// messages queued by the messages it runs.  It returns how many
// messages ran.
func (th *Thread) Poll() int {
	n := 0
	for th.Step() {
		n++
	}
	return n
}

// Run polls the thread until the context is canceled.
func (th *Thread) Run(ctx context.Context) error {
	for {
		th.Poll()
		select {
		case <-ctx.Done():
			return nil
		case <-th.wake:
		}
	}
}
