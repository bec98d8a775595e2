// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package channel defines the transport that operations use to
// move buffers between processes, and provides two
// implementations: Network, an in-process network of endpoints, and
// Bigmachine, which ships buffers between bigmachine machines.
//
// Channels never block the caller. Sends are refused when too many
// sends to a process are outstanding, and incoming buffers wait in
// the channel until the receiving edge has a free buffer. Listener
// callbacks run only inside Progress, on the caller's goroutine.
package channel

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigcomm/buffer"
)

// A SendListener is notified when the transport is done with a
// buffer it accepted.
type SendListener interface {
	// OnSendComplete is called once buf was delivered to proc.
	OnSendComplete(proc, edge int, buf *buffer.Buffer)
	// OnSendFailed is called when buf could not be delivered to
	// proc.
	OnSendFailed(proc, edge int, buf *buffer.Buffer, err error)
}

// A ReceiveListener consumes buffers arriving on an edge.
type ReceiveListener interface {
	// OnReceive is called with a buffer drawn from the edge's pool,
	// holding the bytes sent by proc. The listener owns the buffer's
	// reference and must release it.
	OnReceive(proc, edge int, buf *buffer.Buffer)
}

// Channel is a transport endpoint of one process.
type Channel interface {
	// Self returns the id of the process that owns the channel.
	Self() int
	// Send hands the used bytes of buf to the transport for delivery
	// to proc on edge. Send returns false if the transport cannot
	// accept the buffer now. Accepted buffers are retained by the
	// channel until the listener has been notified.
	Send(proc, edge int, buf *buffer.Buffer, l SendListener) bool
	// Listen registers the receiving side of edge. Buffers from
	// processes not in procs are a fatal routing error. Incoming
	// bytes are copied into buffers drawn from pool.
	Listen(edge int, procs []int, pool *buffer.Pool, l ReceiveListener) error
	// Unlisten removes the registration of edge.
	Unlisten(edge int)
	// Progress delivers incoming buffers and send notifications.
	// It returns a fatal error if a buffer arrived from an
	// unexpected process.
	Progress() error
}

type frame struct {
	src, edge int
	data      []byte
	// done is called once the frame has been copied into a receive
	// buffer; fail is called if it never will be.
	done func()
	fail func(error)
}

type completion struct {
	proc, edge int
	buf        *buffer.Buffer
	l          SendListener
	err        error
}

type listener struct {
	procs map[int]bool
	pool  *buffer.Pool
	l     ReceiveListener
}

type delivery struct {
	frame
	l   ReceiveListener
	buf *buffer.Buffer
}

// core holds the state shared by channel implementations: the
// inbound queue, edge registrations and pending send
// notifications.
type core struct {
	self     int
	capacity int

	mu          sync.Mutex
	cond        *ctxsync.Cond
	inbound     []frame
	listeners   map[int]*listener
	completions []completion
	outstanding map[int]int
	err         error
}

func (c *core) init(self, capacity int) {
	c.self = self
	c.capacity = capacity
	c.cond = ctxsync.NewCond(&c.mu)
	c.listeners = make(map[int]*listener)
	c.outstanding = make(map[int]int)
}

// Self implements Channel.
func (c *core) Self() int { return c.self }

// Listen implements Channel.
func (c *core) Listen(edge int, procs []int, pool *buffer.Pool, l ReceiveListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listeners[edge] != nil {
		return errors.E(errors.Exists, fmt.Sprintf("channel %d: edge %d is already registered", c.self, edge))
	}
	set := make(map[int]bool, len(procs))
	for _, proc := range procs {
		set[proc] = true
	}
	c.listeners[edge] = &listener{procs: set, pool: pool, l: l}
	return nil
}

// Unlisten implements Channel.
func (c *core) Unlisten(edge int) {
	c.mu.Lock()
	delete(c.listeners, edge)
	c.mu.Unlock()
}

// reserve claims an outstanding send slot for proc.
func (c *core) reserve(proc int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding[proc] >= c.capacity {
		return false
	}
	c.outstanding[proc]++
	return true
}

// unreserve returns a slot claimed by reserve for a send that was
// not accepted.
func (c *core) unreserve(proc int) {
	c.mu.Lock()
	c.outstanding[proc]--
	c.mu.Unlock()
}

// complete queues a send notification for the next Progress.
func (c *core) complete(comp completion) {
	c.mu.Lock()
	c.completions = append(c.completions, comp)
	c.mu.Unlock()
}

// progress copies deliverable inbound frames into receive buffers
// and runs listener callbacks. Frames of an edge that has no
// registration yet, or no free buffer, stay queued in order.
func (c *core) progress() error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	type key struct{ src, edge int }
	var (
		ready   []delivery
		kept    = make([]frame, 0, len(c.inbound))
		blocked = make(map[key]bool)
	)
	for _, f := range c.inbound {
		k := key{f.src, f.edge}
		l := c.listeners[f.edge]
		if l == nil || blocked[k] {
			blocked[k] = true
			kept = append(kept, f)
			continue
		}
		if !l.procs[f.src] {
			c.err = errors.E(errors.Fatal, fmt.Sprintf("channel %d: edge %d: buffer from unexpected process %d", c.self, f.edge, f.src))
			c.mu.Unlock()
			return c.err
		}
		if len(f.data) > l.pool.BufferSize() {
			c.err = errors.E(errors.Fatal, fmt.Sprintf("channel %d: edge %d: %d-byte buffer from process %d exceeds receive buffer size %d",
				c.self, f.edge, len(f.data), f.src, l.pool.BufferSize()))
			c.mu.Unlock()
			return c.err
		}
		buf := l.pool.Get()
		if buf == nil {
			blocked[k] = true
			kept = append(kept, f)
			continue
		}
		buf.SetLen(copy(buf.Data(), f.data))
		ready = append(ready, delivery{f, l.l, buf})
	}
	c.inbound = kept
	comps := c.completions
	c.completions = nil
	for _, comp := range comps {
		c.outstanding[comp.proc]--
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	for _, d := range ready {
		if d.done != nil {
			d.done()
		}
		d.l.OnReceive(d.src, d.edge, d.buf)
	}
	for _, comp := range comps {
		if comp.err != nil {
			comp.l.OnSendFailed(comp.proc, comp.edge, comp.buf, comp.err)
		} else {
			comp.l.OnSendComplete(comp.proc, comp.edge, comp.buf)
		}
		comp.buf.Release()
	}
	return nil
}

// pending returns the number of queued inbound frames.
func (c *core) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inbound)
}
