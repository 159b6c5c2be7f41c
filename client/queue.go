// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "time"

// CommandQueue is a bounded FIFO of commands. Any goroutine may enqueue;
// only the command loop dequeues.
type CommandQueue struct {
	ch chan *Command
}

// NewCommandQueue creates a queue holding at most depth commands.
func NewCommandQueue(depth int) *CommandQueue {
	if depth < 1 {
		depth = 1
	}
	return &CommandQueue{ch: make(chan *Command, depth)}
}

// Enqueue appends cmd, waiting up to wait for a free slot. A non-positive
// wait fails immediately when the queue is full.
func (q *CommandQueue) Enqueue(cmd *Command, wait time.Duration) error {
	cmd.enqueued = time.Now()

	select {
	case q.ch <- cmd:
		return nil
	default:
	}
	if wait <= 0 {
		return ErrQueueFull
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case q.ch <- cmd:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

// Len returns the number of queued commands.
func (q *CommandQueue) Len() int {
	return len(q.ch)
}

// Cap returns the queue depth.
func (q *CommandQueue) Cap() int {
	return cap(q.ch)
}

// drain removes every queued command without blocking.
func (q *CommandQueue) drain() []*Command {
	var cmds []*Command
	for {
		select {
		case cmd := <-q.ch:
			cmds = append(cmds, cmd)
		default:
			return cmds
		}
	}
}
