// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/wire"
)

// KeyedConfig configures the keyed collectives.
type KeyedConfig struct {
	// Name prefixes the names of the shuffles of the local targets.
	// It defaults to the name of the collective.
	Name string
	// KeyType and Type pack keys and values.
	KeyType, Type wire.Type
	// Compare orders keys. It defaults to shuffle.Compare.
	Compare shuffle.CompareFunc
	// Selector picks the target of each key. It defaults to a Hash
	// selector over the targets.
	Selector Selector
	// Grouped delivers each distinct key once, with a
	// *shuffle.Values iterator as its value. KeyedReduce ignores it.
	Grouped bool
}

// keyed is a collective of key-value tuples whose targets receive
// their input sorted by key.
type keyed struct {
	shuffled
}

// init sets up the keyed collective. If newPartial is nil, the
// values of local sources are batched.
func (k *keyed) init(ctx context.Context, comm *Comm, sources, targets []int, config KeyedConfig, newPartial func(*router.Direct) partial, deliver func(target int, s *shuffle.Sorted) bool) error {
	if config.KeyType == nil || config.Type == nil {
		return errors.E(errors.Invalid, "collective: keyed collective requires key and value types")
	}
	if config.Name == "" {
		config.Name = "keyed"
	}
	if config.Selector == nil {
		config.Selector = NewHash(targets, config.KeyType)
	}
	if newPartial == nil {
		newPartial = batching(comm)
	}
	k.selector = config.Selector
	return k.shuffled.init(ctx, comm, sources, targets, config.Name,
		dataflow.Config{Type: config.Type, KeyType: config.KeyType},
		shuffle.Config{KeyType: config.KeyType, ValueType: config.Type, Compare: config.Compare},
		newPartial, false, deliver)
}

// partition sends a tuple from source to the target of its key.
func (k *keyed) partition(source int, key, value interface{}) (bool, error) {
	return k.pick(source, key, wire.Tuple{Key: key, Value: value})
}

// KeyedPartition partitions key-value tuples by key. Each target
// receives its tuples sorted by key, spilling to disk when they do
// not fit in memory.
type KeyedPartition struct {
	keyed
}

// NewKeyedPartition returns a keyed partition from sources to
// targets. Each target's BulkReceiver is given a *shuffle.Iterator
// over its tuples. The iterator is valid until Close.
func NewKeyedPartition(ctx context.Context, comm *Comm, sources, targets []int, config KeyedConfig, recv BulkReceiver) (*KeyedPartition, error) {
	k := new(KeyedPartition)
	if err := k.init(ctx, comm, sources, targets, config, nil, deliverTo(ctx, recv, config.Grouped)); err != nil {
		return nil, err
	}
	return k, nil
}

// Partition sends a tuple from source. It returns false if the
// engine cannot accept it now.
func (k *KeyedPartition) Partition(source int, key, value interface{}) (bool, error) {
	return k.partition(source, key, value)
}

// KeyedGather collects the key-value tuples of all sources at one
// target, sorted by key.
type KeyedGather struct {
	keyed
}

// NewKeyedGather returns a keyed gather from sources to target. The
// target's BulkReceiver is given a *shuffle.Iterator over all
// tuples. Any Selector in config is replaced.
func NewKeyedGather(ctx context.Context, comm *Comm, sources []int, target int, config KeyedConfig, recv BulkReceiver) (*KeyedGather, error) {
	if config.Name == "" {
		config.Name = "keyedgather"
	}
	if config.KeyType != nil {
		config.Selector = NewHash([]int{target}, config.KeyType)
	}
	g := new(KeyedGather)
	if err := g.init(ctx, comm, sources, []int{target}, config, nil, deliverTo(ctx, recv, config.Grouped)); err != nil {
		return nil, err
	}
	return g, nil
}

// Gather sends a tuple from source. It returns false if the engine
// cannot accept it now.
func (g *KeyedGather) Gather(source int, key, value interface{}) (bool, error) {
	return g.partition(source, key, value)
}

// KeyedReduce partitions key-value tuples by key and reduces the
// values of each key into one. Values of sources in the same process
// are combined before they are sent.
type KeyedReduce struct {
	keyed
}

// NewKeyedReduce returns a keyed reduction from sources to targets
// using fn, which must be associative and commutative. Each target's
// BulkReceiver is given its distinct keys in order, each with its
// reduced value.
func NewKeyedReduce(ctx context.Context, comm *Comm, sources, targets []int, config KeyedConfig, fn ReduceFunc, recv BulkReceiver) (*KeyedReduce, error) {
	if config.Name == "" {
		config.Name = "keyedreduce"
	}
	deliver := func(target int, s *shuffle.Sorted) bool {
		r := &reducer{it: s.Iterator(ctx, true), reduce: fn}
		if !recv.Receive(target, r) {
			r.it.Close()
			return false
		}
		return true
	}
	newPartial := func(r *router.Direct) partial {
		return newKeyedCombiner(r, fn, comm.Options.PartitionBatchSize)
	}
	k := new(KeyedReduce)
	if err := k.init(ctx, comm, sources, targets, config, newPartial, deliver); err != nil {
		return nil, err
	}
	return k, nil
}

// Reduce sends a tuple from source. It returns false if the engine
// cannot accept it now.
func (k *KeyedReduce) Reduce(source int, key, value interface{}) (bool, error) {
	return k.partition(source, key, value)
}

// reducer reduces each group of a grouped iterator into one value.
type reducer struct {
	it     *shuffle.Iterator
	reduce ReduceFunc
	value  interface{}
}

func (r *reducer) Scan() bool {
	if !r.it.Scan() {
		return false
	}
	group := r.it.Values()
	group.Scan()
	acc := group.Value()
	for group.Scan() {
		acc = r.reduce(acc, group.Value())
	}
	r.value = acc
	return r.it.Err() == nil
}

func (r *reducer) Key() interface{}   { return r.it.Key() }
func (r *reducer) Value() interface{} { return r.value }
func (r *reducer) Err() error         { return r.it.Err() }
