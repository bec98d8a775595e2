// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/wire"
)

// outgoing is a message a partial receiver has yet to hand to the
// engine.
type outgoing struct {
	source, target int
	flags          wire.Flags
	payload        interface{}
}

// forwarder queues the messages of a partial receiver and forwards
// them, in order, along the router's partial routes.
type forwarder struct {
	op     *dataflow.Operation
	router *router.Direct
	out    []outgoing
	// max bounds out; beyond it the partial receiver refuses
	// messages.
	max int
	err error
}

func (f *forwarder) queue(source, target int, flags wire.Flags, payload interface{}) {
	f.out = append(f.out, outgoing{source, target, flags, payload})
}

func (f *forwarder) full() bool { return len(f.out) >= f.max }

// Progress forwards queued messages until the engine refuses one.
func (f *forwarder) Progress() error {
	if f.err != nil {
		return f.err
	}
	n := 0
	for _, o := range f.out {
		r, err := f.router.PartialRoute(o.target)
		if err != nil {
			f.err = err
			return err
		}
		if !f.op.SendPartial(o.source, r, o.flags, o.payload) {
			break
		}
		n++
	}
	for i := 0; i < n; i++ {
		f.out[i] = outgoing{}
	}
	f.out = f.out[n:]
	return nil
}

type pair struct{ source, target int }

// batcher is the partial receiver of the collectives that deliver
// every value, such as Gather and KeyedPartition. It groups the
// values each local source sends to a target into aggregates of up
// to PartitionBatchSize values.
type batcher struct {
	forwarder
	size    int
	batches map[pair][]interface{}
}

func newBatcher(r *router.Direct, size int) *batcher {
	return &batcher{
		forwarder: forwarder{router: r, max: 4 * len(r.Targets())},
		size:      size,
		batches:   make(map[pair][]interface{}),
	}
}

func (b *batcher) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
	if b.full() {
		return false
	}
	key := pair{source, target}
	if flags.Has(wire.End) {
		b.flush(key)
		b.queue(source, target, wire.End, nil)
		return true
	}
	b.batches[key] = append(b.batches[key], payload)
	if len(b.batches[key]) >= b.size {
		b.flush(key)
	}
	return true
}

func (b *batcher) flush(key pair) {
	if batch := b.batches[key]; len(batch) > 0 {
		b.queue(key.source, key.target, 0, batch)
	}
	delete(b.batches, key)
}

// ReduceFunc combines two values into one.
type ReduceFunc func(a, b interface{}) interface{}

// combiner is the partial receiver of Reduce. It reduces the values
// of all local sources for a target into one, forwarded with the
// end of the last local source.
type combiner struct {
	forwarder
	reduce ReduceFunc
	nlocal int
	acc    map[int]interface{}
	ended  map[int]int
}

func newCombiner(r *router.Direct, reduce ReduceFunc) *combiner {
	return &combiner{
		forwarder: forwarder{router: r, max: 4 * len(r.Targets())},
		reduce:    reduce,
		nlocal:    len(r.Plan().Local(r.Sources())),
		acc:       make(map[int]interface{}),
		ended:     make(map[int]int),
	}
}

func (c *combiner) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
	if c.full() {
		return false
	}
	if !flags.Has(wire.End) {
		if acc, ok := c.acc[target]; ok {
			c.acc[target] = c.reduce(acc, payload)
		} else {
			c.acc[target] = payload
		}
		return true
	}
	c.ended[target]++
	if c.ended[target] == c.nlocal {
		if acc, ok := c.acc[target]; ok {
			c.queue(source, target, 0, acc)
			delete(c.acc, target)
		}
	}
	c.queue(source, target, wire.End, nil)
	return true
}

// maxCombineKeys bounds the distinct keys a keyed combiner holds for
// a target before it forwards them.
const maxCombineKeys = 1 << 14

// keyedCombiner is the partial receiver of KeyedReduce. It reduces
// the values of all local sources per target and key, and forwards
// the reduced tuples in batches when a target holds too many keys
// or its last local source ends.
type keyedCombiner struct {
	forwarder
	reduce ReduceFunc
	size   int
	nlocal int
	// acc[target] maps hashKey(key) to the reduced tuple of key.
	acc   map[int]map[interface{}]wire.Tuple
	ended map[int]int
}

func newKeyedCombiner(r *router.Direct, reduce ReduceFunc, size int) *keyedCombiner {
	return &keyedCombiner{
		forwarder: forwarder{router: r, max: 4 * len(r.Targets())},
		reduce:    reduce,
		size:      size,
		nlocal:    len(r.Plan().Local(r.Sources())),
		acc:       make(map[int]map[interface{}]wire.Tuple),
		ended:     make(map[int]int),
	}
}

func (c *keyedCombiner) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
	if c.full() {
		return false
	}
	if flags.Has(wire.End) {
		c.ended[target]++
		if c.ended[target] == c.nlocal {
			c.flush(source, target)
		}
		c.queue(source, target, wire.End, nil)
		return true
	}
	t, ok := payload.(wire.Tuple)
	if !ok {
		if c.err == nil {
			c.err = errors.E(errors.Invalid, fmt.Sprintf("collective: keyed reduce cannot send %T", payload))
		}
		return true
	}
	accs := c.acc[target]
	if accs == nil {
		accs = make(map[interface{}]wire.Tuple)
		c.acc[target] = accs
	}
	k := hashKey(t.Key)
	if acc, ok := accs[k]; ok {
		acc.Value = c.reduce(acc.Value, t.Value)
		accs[k] = acc
	} else {
		accs[k] = t
	}
	if len(accs) >= maxCombineKeys {
		c.flush(source, target)
	}
	return true
}

// flush queues the reduced tuples of target as sent by source.
func (c *keyedCombiner) flush(source, target int) {
	var batch []interface{}
	for _, t := range c.acc[target] {
		batch = append(batch, t)
		if len(batch) == c.size {
			c.queue(source, target, 0, batch)
			batch = nil
		}
	}
	if len(batch) > 0 {
		c.queue(source, target, 0, batch)
	}
	delete(c.acc, target)
}
