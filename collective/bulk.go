// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"

	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/wire"
)

// initBulk sets up a collective whose targets receive their values
// keyed by source, in ascending source order and in send order for
// each source. Inputs that do not fit in memory spill to disk.
func (s *shuffled) initBulk(ctx context.Context, comm *Comm, sources, targets []int, name string, typ wire.Type, recv BulkReceiver) error {
	return s.init(ctx, comm, sources, targets, name,
		dataflow.Config{Type: typ},
		shuffle.Config{KeyType: wire.Int, ValueType: typ},
		batching(comm), true, deliverTo(ctx, recv, false))
}

// Gather collects the values of all sources at one target.
type Gather struct {
	shuffled
	target int
}

// NewGather returns a gather from sources to target. The target's
// BulkReceiver is given the values keyed by source, in ascending
// source order, and in send order for each source. The iterator is
// valid until Close.
func NewGather(ctx context.Context, comm *Comm, sources []int, target int, typ wire.Type, recv BulkReceiver) (*Gather, error) {
	g := &Gather{target: target}
	if err := g.initBulk(ctx, comm, sources, []int{target}, "gather", typ, recv); err != nil {
		return nil, err
	}
	return g, nil
}

// Gather sends a value from source. It returns false if the engine
// cannot accept it now.
func (g *Gather) Gather(source int, value interface{}) (bool, error) {
	return g.send(source, g.target, value)
}

// Partition distributes the values of sources over targets as
// chosen by a Selector.
type Partition struct {
	shuffled
}

// NewPartition returns a partition from sources to targets. If sel
// is nil, values are spread round robin; a hashing selector is
// passed the value itself. Each target's BulkReceiver is given its
// values keyed by source, as in Gather.
func NewPartition(ctx context.Context, comm *Comm, sources, targets []int, typ wire.Type, sel Selector, recv BulkReceiver) (*Partition, error) {
	if sel == nil {
		sel = NewRoundRobin(targets)
	}
	p := &Partition{}
	p.selector = sel
	if err := p.initBulk(ctx, comm, sources, targets, "partition", typ, recv); err != nil {
		return nil, err
	}
	return p, nil
}

// Partition sends a value from source to the target the selector
// picks. It returns false if the engine cannot accept it now.
func (p *Partition) Partition(source int, value interface{}) (bool, error) {
	return p.pick(source, value, value)
}

// AllGather gives every target the values of all sources.
type AllGather struct {
	shuffled
	// next holds, for each source with a partially sent value, the
	// index of the first target that has not accepted it.
	next map[int]int
}

// NewAllGather returns an all-gather from sources to targets. Each
// target's BulkReceiver is given the values of all sources, as in
// Gather.
func NewAllGather(ctx context.Context, comm *Comm, sources, targets []int, typ wire.Type, recv BulkReceiver) (*AllGather, error) {
	a := &AllGather{next: make(map[int]int)}
	if err := a.initBulk(ctx, comm, sources, targets, "allgather", typ, recv); err != nil {
		return nil, err
	}
	return a, nil
}

// Gather sends a value from source to every target. It returns
// false if some target's copy could not be accepted now; the caller
// must then retry with the same value, and the remaining targets are
// sent to.
func (a *AllGather) Gather(source int, value interface{}) (bool, error) {
	targets := a.router.Targets()
	for i := a.next[source]; i < len(targets); i++ {
		ok, err := a.send(source, targets[i], value)
		if err != nil {
			return false, err
		}
		if !ok {
			a.next[source] = i
			return false, nil
		}
	}
	delete(a.next, source)
	return true, nil
}
