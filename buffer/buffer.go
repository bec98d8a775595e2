// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package buffer implements the fixed-size, reference counted wire
// buffers that are the unit of network I/O, and the bounded pools
// they are drawn from.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/metrics"
)

var (
	// InUse tracks the number of buffers handed out by a pool.
	InUse = metrics.NewGauge()
	// Acquired counts the buffers handed out by a pool.
	Acquired = metrics.NewCounter()
)

// A Buffer is a fixed-capacity byte region with a used-size
// cursor. A buffer obtained from a pool has one reference; every
// additional consumer must Retain it, and the buffer returns to its
// pool when the last reference is released.
type Buffer struct {
	data []byte
	size int
	refs int32
	pool *Pool
}

// New returns a buffer of the given capacity that does not belong
// to any pool.
func New(capacity int) *Buffer {
	return &Buffer{data: make([]byte, capacity), refs: 1}
}

// Bytes returns the used portion of the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// Data returns the full backing storage of the buffer.
func (b *Buffer) Data() []byte { return b.data }

// Cap returns the buffer's capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of used bytes.
func (b *Buffer) Len() int { return b.size }

// SetLen sets the number of used bytes.
func (b *Buffer) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		log.Panicf("buffer: length %d out of range [0, %d]", n, len(b.data))
	}
	b.size = n
}

// Refs returns the buffer's current reference count.
func (b *Buffer) Refs() int { return int(atomic.LoadInt32(&b.refs)) }

// Retain adds a reference to the buffer.
func (b *Buffer) Retain() {
	if atomic.AddInt32(&b.refs, 1) <= 1 {
		log.Panicf("buffer: retain of released buffer")
	}
}

// Release drops a reference. When the count reaches zero the buffer
// is returned to its pool.
func (b *Buffer) Release() {
	switch n := atomic.AddInt32(&b.refs, -1); {
	case n < 0:
		log.Panicf("buffer: released %d times too many", -n)
	case n == 0 && b.pool != nil:
		b.pool.put(b)
	}
}

// A Pool is a bounded set of equally sized buffers. Get never
// allocates beyond the pool's size: an exhausted pool returns nil,
// which callers treat as back-pressure. All pool state is guarded
// by a single lock.
type Pool struct {
	mu     sync.Mutex
	free   []*Buffer
	size   int
	total  int
	closed bool
	scope  metrics.Scope
}

// NewPool returns a pool of n buffers of the given size.
func NewPool(n, size int) *Pool {
	p := &Pool{size: size, total: n, free: make([]*Buffer, 0, n)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &Buffer{data: make([]byte, size), pool: p})
	}
	return p
}

// Get returns a buffer with a single reference and zero length, or
// nil if the pool is exhausted or closed.
func (p *Pool) Get() *Buffer {
	p.mu.Lock()
	if p.closed || len(p.free) == 0 {
		p.mu.Unlock()
		return nil
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()
	b.size = 0
	atomic.StoreInt32(&b.refs, 1)
	InUse.Add(&p.scope, 1)
	Acquired.Incr(&p.scope, 1)
	return b
}

func (p *Pool) put(b *Buffer) {
	InUse.Add(&p.scope, -1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(p.free) == p.total {
		log.Panicf("buffer: pool overflow: %d buffers returned to a pool of %d", len(p.free)+1, p.total)
	}
	p.free = append(p.free, b)
}

// Available returns the number of buffers that may be acquired.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Total returns the number of buffers the pool was created with.
func (p *Pool) Total() int { return p.total }

// BufferSize returns the capacity of the pool's buffers.
func (p *Pool) BufferSize() int { return p.size }

// Scope returns the metrics scope the pool records into.
func (p *Pool) Scope() *metrics.Scope { return &p.scope }

// Close drops the pool's free buffers. Buffers released after Close
// are discarded, and Get returns nil.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.free = nil
	p.mu.Unlock()
}
