// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package collective implements collective operations over the
// data-flow engine: Broadcast, Reduce, Gather, AllGather, Partition,
// KeyedPartition, KeyedGather, KeyedReduce and Join. Each operation
// supplies a router policy and a pair of receivers: a partial
// receiver that pre-combines or batches the values of local sources,
// and a final receiver that hands a target its input once every
// source has finished. Collectives that deliver every value collect
// a target's input in a shuffle, which spills to disk.
//
// Like the engine, collectives never block on the network: sends
// return false when queues are full, and the owner drives progress
// by calling Progress until IsComplete.
package collective

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/stats"
	"github.com/grailbio/bigcomm/wire"
)

// A Comm is the communicator of one process: its channel, its view
// of the plan, and the options of the operations it creates. Every
// process must create the same operations in the same order, so
// that their edges agree.
type Comm struct {
	Channel channel.Channel
	Plan    *plan.Plan
	Options bigcomm.Options

	edge int
}

// NewComm returns a communicator for the process that owns ch.
func NewComm(ch channel.Channel, p *plan.Plan, opts bigcomm.Options) *Comm {
	return &Comm{Channel: ch, Plan: p, Options: opts}
}

// nextEdge allocates the edge of a new operation.
func (c *Comm) nextEdge() int {
	c.edge++
	return c.edge
}

// A Receiver consumes the messages of a streaming collective.
type Receiver interface {
	// Receive is called with a value source sent to target. It
	// returns false to be called again later.
	Receive(source, target int, value interface{}) bool
}

// A ValueReceiver consumes the single result of a target.
type ValueReceiver interface {
	// Receive is called once per local target. It returns false to be
	// called again later.
	Receive(target int, value interface{}) bool
}

// An Iterator iterates over the input of a target.
type Iterator interface {
	Scan() bool
	Key() interface{}
	Value() interface{}
	Err() error
}

// A BulkReceiver consumes the complete input of a target, once
// every source has finished.
type BulkReceiver interface {
	// Receive is called once per local target. It returns false to
	// be called again later, with a fresh iterator.
	Receive(target int, it Iterator) bool
}

// sliceIterator iterates over in-memory tuples.
type sliceIterator struct {
	tuples []wire.Tuple
	i      int
}

func newSliceIterator(tuples []wire.Tuple) *sliceIterator {
	return &sliceIterator{tuples: tuples, i: -1}
}

func (s *sliceIterator) Scan() bool {
	s.i++
	return s.i < len(s.tuples)
}

func (s *sliceIterator) Key() interface{}   { return s.tuples[s.i].Key }
func (s *sliceIterator) Value() interface{} { return s.tuples[s.i].Value }
func (s *sliceIterator) Err() error         { return nil }

// final is implemented by final receivers.
type final interface {
	dataflow.Receiver
	// idle tells whether the receiver has delivered everything it
	// can deliver.
	idle() bool
}

// base holds the state shared by all collectives.
type base struct {
	comm  *Comm
	op    *dataflow.Operation
	ends  *ends
	final final
}

func (b *base) init(comm *Comm, r router.Router, config dataflow.Config, fin final) error {
	b.comm = comm
	b.final = fin
	b.ends = newEnds(r)
	config.Channel = comm.Channel
	config.Router = r
	config.Final = fin
	config.Options = comm.Options
	if config.Edge == 0 {
		config.Edge = comm.nextEdge()
	}
	op, err := dataflow.New(config)
	if err != nil {
		return err
	}
	b.op = op
	return nil
}

// Progress advances the operation. See dataflow.Operation.Progress.
func (b *base) Progress() error {
	return b.op.Progress()
}

// IsComplete tells whether every local target received its input
// from every source and the operation has no pending work.
func (b *base) IsComplete() bool {
	return b.ends.complete() && b.final.idle() && b.op.IsComplete()
}

// Stats returns the operation's stats.
func (b *base) Stats() stats.Values {
	return b.op.Stats()
}

// Metrics merges the metrics of the operation's buffer pools into
// scope.
func (b *base) Metrics(scope *metrics.Scope) {
	b.op.Metrics(scope)
}

// Close releases the operation's resources.
func (b *base) Close() {
	b.op.Close()
}

// Edge returns the operation's edge.
func (b *base) Edge() int { return b.op.Edge() }

// finish sends an end-of-stream message from source along each
// routing, calling Progress until the engine accepts it.
func (b *base) finish(source int, routes []*router.Routing) error {
	for _, r := range routes {
		for !b.op.Send(source, r, wire.End, nil) {
			if err := b.op.Progress(); err != nil {
				return err
			}
		}
	}
	return nil
}

// ends tracks the end-of-stream messages received by each local
// target. Tables are dense, indexed by task.
type ends struct {
	local []int
	// expected[target][source] is set for each source target waits
	// for; seen records the ends received.
	expected, seen [][]bool
	remaining      []int
	open           int
}

func newEnds(r router.Router) *ends {
	n := r.Plan().NumTasks()
	e := &ends{
		expected:  make([][]bool, n),
		seen:      make([][]bool, n),
		remaining: make([]int, n),
	}
	for target, sources := range r.Expected() {
		e.local = append(e.local, target)
		e.expected[target] = make([]bool, n)
		e.seen[target] = make([]bool, n)
		for _, source := range sources {
			e.expected[target][source] = true
		}
		e.remaining[target] = len(sources)
		if len(sources) > 0 {
			e.open++
		}
	}
	sort.Ints(e.local)
	return e
}

// check returns a fatal error unless target is a local target
// expecting source.
func (e *ends) check(source, target int) error {
	if target < 0 || target >= len(e.expected) || e.expected[target] == nil {
		return errors.E(errors.Fatal, fmt.Sprintf("collective: message for unexpected target %d", target))
	}
	if source < 0 || source >= len(e.expected[target]) || !e.expected[target][source] {
		return errors.E(errors.Fatal, fmt.Sprintf("collective: message for target %d from unexpected source %d", target, source))
	}
	if e.seen[target][source] {
		return errors.E(errors.Fatal, fmt.Sprintf("collective: message for target %d from source %d after its end", target, source))
	}
	return nil
}

// end records the end of source's stream to target. It returns true
// when target has heard from all of its sources.
func (e *ends) end(source, target int) (bool, error) {
	if err := e.check(source, target); err != nil {
		return false, err
	}
	e.seen[target][source] = true
	e.remaining[target]--
	if e.remaining[target] == 0 {
		e.open--
		return true, nil
	}
	return false, nil
}

// done tells whether target has heard from all of its sources.
func (e *ends) done(target int) bool {
	return e.remaining[target] == 0
}

// complete tells whether every local target is done.
func (e *ends) complete() bool { return e.open == 0 }
