// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/wire"
)

// Broadcast sends every value of every source to every target. A
// value crosses each process boundary once: processes relay it down
// the source's tree and hand it to their local targets.
type Broadcast struct {
	base
	tree *router.Tree
}

// NewBroadcast returns a broadcast from sources to targets. Values
// are streamed to recv as they arrive.
func NewBroadcast(comm *Comm, sources, targets []int, typ wire.Type, recv Receiver) (*Broadcast, error) {
	tree, err := router.NewTree(comm.Plan, sources, targets)
	if err != nil {
		return nil, err
	}
	b := &Broadcast{tree: tree}
	fin := &broadcastFinal{tree: tree, recv: recv}
	if err := b.init(comm, tree, dataflow.Config{Type: typ}, fin); err != nil {
		return nil, err
	}
	fin.op = b.op
	fin.ends = b.ends
	return b, nil
}

// Broadcast sends a value from source. It returns false if the
// engine cannot accept it now.
func (b *Broadcast) Broadcast(source int, value interface{}) (bool, error) {
	r, err := b.tree.Route(source)
	if err != nil {
		return false, err
	}
	return b.op.Send(source, r, 0, value), nil
}

// Finish ends source's stream. It calls Progress until the engine
// accepts the end-of-stream message.
func (b *Broadcast) Finish(source int) error {
	r, err := b.tree.Route(source)
	if err != nil {
		return err
	}
	return b.finish(source, []*router.Routing{r})
}

type broadcastFinal struct {
	op   *dataflow.Operation
	tree *router.Tree
	ends *ends
	recv Receiver
	err  error
}

func (f *broadcastFinal) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
	if f.err != nil {
		return true
	}
	if target == router.AllTargets {
		// Relay a message from the parent process to the local
		// targets and the child processes.
		r, err := f.tree.Forward(source)
		if err != nil {
			f.err = err
			return true
		}
		return f.op.Send(source, r, flags&wire.End|wire.Forwarded, payload)
	}
	if flags.Has(wire.End) {
		if _, err := f.ends.end(source, target); err != nil {
			f.err = err
		}
		return true
	}
	if err := f.ends.check(source, target); err != nil {
		f.err = err
		return true
	}
	return f.recv.Receive(source, target, payload)
}

func (f *broadcastFinal) Progress() error { return f.err }

func (f *broadcastFinal) idle() bool { return true }
