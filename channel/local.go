// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
)

// A Network connects in-process endpoints, one per simulated
// process. Endpoints may be driven from different goroutines.
type Network struct {
	capacity int

	mu        sync.Mutex
	endpoints map[int]*Local
	down      map[int]bool
}

// NewNetwork returns a network whose endpoints allow capacity
// outstanding sends per destination process.
func NewNetwork(capacity int) *Network {
	if capacity < 1 {
		capacity = 1
	}
	return &Network{
		capacity:  capacity,
		endpoints: make(map[int]*Local),
		down:      make(map[int]bool),
	}
}

// Endpoint returns the endpoint of process proc, creating it if
// necessary.
func (n *Network) Endpoint(proc int) *Local {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e := n.endpoints[proc]; e != nil {
		return e
	}
	e := &Local{net: n}
	e.init(proc, n.capacity)
	n.endpoints[proc] = e
	return e
}

// Fail marks proc unreachable. Frames queued for it and subsequent
// sends to it fail.
func (n *Network) Fail(proc int) {
	n.mu.Lock()
	n.down[proc] = true
	e := n.endpoints[proc]
	n.mu.Unlock()
	log.Printf("network: process %d is down", proc)
	if e == nil {
		return
	}
	e.mu.Lock()
	lost := e.inbound
	e.inbound = nil
	e.mu.Unlock()
	err := errors.E(errors.Net, fmt.Sprintf("network: process %d is down", proc))
	for _, f := range lost {
		if f.fail != nil {
			f.fail(err)
		}
	}
}

func (n *Network) lookup(proc int) (*Local, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[proc] {
		return nil, false
	}
	e := n.endpoints[proc]
	return e, e != nil
}

// Local is the endpoint of one process in a Network.
type Local struct {
	core
	net *Network
}

var _ Channel = (*Local)(nil)

// Send implements Channel. The receiving process copies the bytes
// out of buf when it has a free receive buffer; buf is retained
// until then.
func (e *Local) Send(proc, edge int, buf *buffer.Buffer, l SendListener) bool {
	if !e.reserve(proc) {
		return false
	}
	buf.Retain()
	dst, ok := e.net.lookup(proc)
	if !ok {
		e.complete(completion{proc, edge, buf, l,
			errors.E(errors.Net, fmt.Sprintf("channel %d: process %d is unreachable", e.self, proc))})
		return true
	}
	f := frame{src: e.self, edge: edge, data: buf.Bytes()}
	f.done = func() { e.complete(completion{proc: proc, edge: edge, buf: buf, l: l}) }
	f.fail = func(err error) { e.complete(completion{proc, edge, buf, l, err}) }
	dst.mu.Lock()
	dst.inbound = append(dst.inbound, f)
	dst.mu.Unlock()
	return true
}

// Progress implements Channel.
func (e *Local) Progress() error {
	return e.progress()
}

// Pending returns the number of frames waiting to be received.
func (e *Local) Pending() int {
	return e.pending()
}
