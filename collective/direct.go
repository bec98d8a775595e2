// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/wire"
)

// partial is implemented by the partial receivers of direct
// collectives.
type partial interface {
	dataflow.Receiver
	attach(op *dataflow.Operation)
}

func (f *forwarder) attach(op *dataflow.Operation) { f.op = op }

// direct is the base of the collectives routed in two stages by a
// Direct router: source to its partial receiver, partial receiver to
// target.
type direct struct {
	base
	router *router.Direct
}

func (d *direct) init(comm *Comm, sources, targets []int, config dataflow.Config, newPartial func(*router.Direct) partial, fin final) error {
	r, err := router.NewDirect(comm.Plan, sources, targets)
	if err != nil {
		return err
	}
	d.router = r
	p := newPartial(r)
	config.Partial = p
	if err := d.base.init(comm, r, config, fin); err != nil {
		return err
	}
	p.attach(d.op)
	return nil
}

// send queues a value from source to target.
func (d *direct) send(source, target int, value interface{}) (bool, error) {
	r, err := d.router.SenderRoute(source, target)
	if err != nil {
		return false, err
	}
	return d.op.Send(source, r, 0, value), nil
}

// Finish ends source's stream to every target. It calls Progress
// until the engine accepts the end-of-stream messages.
func (d *direct) Finish(source int) error {
	routes := make([]*router.Routing, 0, len(d.router.Targets()))
	for _, target := range d.router.Targets() {
		r, err := d.router.SenderRoute(source, target)
		if err != nil {
			return err
		}
		routes = append(routes, r)
	}
	return d.finish(source, routes)
}

// reduceFinal is the final receiver of Reduce.
type reduceFinal struct {
	ends   *ends
	reduce ReduceFunc
	recv   ValueReceiver
	acc    map[int]interface{}
	ready  []int
	err    error
}

func (f *reduceFinal) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
	if f.err != nil {
		return true
	}
	if flags.Has(wire.End) {
		done, err := f.ends.end(source, target)
		if err != nil {
			f.err = err
		} else if done {
			f.ready = append(f.ready, target)
		}
		return true
	}
	if err := f.ends.check(source, target); err != nil {
		f.err = err
		return true
	}
	if acc, ok := f.acc[target]; ok {
		f.acc[target] = f.reduce(acc, payload)
	} else {
		f.acc[target] = payload
	}
	return true
}

func (f *reduceFinal) Progress() error {
	if f.err != nil {
		return f.err
	}
	for len(f.ready) > 0 {
		target := f.ready[0]
		if !f.recv.Receive(target, f.acc[target]) {
			break
		}
		delete(f.acc, target)
		f.ready = f.ready[1:]
	}
	return nil
}

func (f *reduceFinal) idle() bool { return len(f.ready) == 0 }

// Reduce combines the values of all sources into one value at a
// target. Values of sources in the same process are combined before
// they are sent.
type Reduce struct {
	direct
	target int
}

// NewReduce returns a reduction from sources to target using fn,
// which must be associative and commutative. The target's receiver
// is given the reduced value, or nil if no source sent a value.
func NewReduce(comm *Comm, sources []int, target int, typ wire.Type, fn ReduceFunc, recv ValueReceiver) (*Reduce, error) {
	r := &Reduce{target: target}
	fin := &reduceFinal{reduce: fn, recv: recv, acc: make(map[int]interface{})}
	err := r.init(comm, sources, []int{target}, dataflow.Config{Type: typ},
		func(d *router.Direct) partial { return newCombiner(d, fn) }, fin)
	if err != nil {
		return nil, err
	}
	fin.ends = r.ends
	return r, nil
}

// Reduce sends a value from source. It returns false if the engine
// cannot accept it now.
func (r *Reduce) Reduce(source int, value interface{}) (bool, error) {
	return r.send(source, r.target, value)
}
