// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the scratch buffers payloads are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this are left to the GC so one oversized payload
// does not pin memory.
const maxPooledCap = 16 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Detach copies the contents of b into a new slice and returns b to the
// pool. Payloads handed to an asynchronous command must be detached.
func Detach(b *bytes.Buffer) []byte {
	out := bytes.Clone(b.Bytes())
	if out == nil {
		out = []byte{}
	}
	Put(b)
	return out
}
