// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/dataflow"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/wire"
)

// shuffled is the base of the collectives whose local targets
// collect their input in a shuffle.Merger, so that inputs larger
// than memory spill to disk.
type shuffled struct {
	direct
	ctx      context.Context
	sink     *shuffleFinal
	selector Selector
}

// init sets up the operation and one merger per local target. If
// bySource is set, sent values are plain values, and targets key
// them by their source; otherwise they are wire.Tuples.
func (s *shuffled) init(ctx context.Context, comm *Comm, sources, targets []int, name string,
	dconfig dataflow.Config, mconfig shuffle.Config, newPartial func(*router.Direct) partial,
	bySource bool, deliver func(target int, s *shuffle.Sorted) bool) error {
	s.ctx = ctx
	s.sink = &shuffleFinal{
		ctx:       ctx,
		bySource:  bySource,
		valueType: mconfig.ValueType,
		mergers:   make(map[int]*shuffle.Merger),
		sorted:    make(map[int]*shuffle.Sorted),
		deliver:   deliver,
	}
	// Values from other processes stay packed until they are read
	// back from the merger.
	dconfig.ReceiveType = wire.Bytes
	dconfig.ReceiveKeyType = dconfig.KeyType
	if err := s.direct.init(comm, sources, targets, dconfig, newPartial, s.sink); err != nil {
		return err
	}
	s.sink.ends = s.ends
	mconfig.Options = comm.Options
	for _, target := range s.ends.local {
		mconfig.Name = fmt.Sprintf("%s-%d-%d", name, s.Edge(), target)
		m, err := shuffle.NewMerger(mconfig)
		if err != nil {
			s.Close()
			return err
		}
		s.sink.mergers[target] = m
	}
	return nil
}

// batching returns the partial receiver factory of collectives that
// batch the values of local sources.
func batching(comm *Comm) func(*router.Direct) partial {
	return func(r *router.Direct) partial { return newBatcher(r, comm.Options.PartitionBatchSize) }
}

// deliverTo returns a delivery function that hands each target an
// iterator over its sorted input.
func deliverTo(ctx context.Context, recv BulkReceiver, grouped bool) func(int, *shuffle.Sorted) bool {
	return func(target int, s *shuffle.Sorted) bool {
		it := s.Iterator(ctx, grouped)
		if !recv.Receive(target, it) {
			it.Close()
			return false
		}
		return true
	}
}

// pick sends a value from source to the target the selector picks
// for key.
func (s *shuffled) pick(source int, key, value interface{}) (bool, error) {
	target, err := s.selector.Next(source, key)
	if err != nil {
		return false, err
	}
	ok, err := s.send(source, target, value)
	if ok {
		s.selector.Commit(source, target)
	}
	return ok, err
}

// Metrics merges the metrics of the operation's buffer pools and
// shuffles into scope.
func (s *shuffled) Metrics(scope *metrics.Scope) {
	s.base.Metrics(scope)
	scope.Merge(&s.sink.scope)
	for _, m := range s.sink.mergers {
		scope.Merge(m.Scope())
	}
}

// Close removes the shuffle files of the local targets and releases
// the operation's resources. Iterators handed to receivers are
// invalid afterwards.
func (s *shuffled) Close() error {
	s.base.Close()
	var err error
	for target, m := range s.sink.mergers {
		if e := m.Clean(s.ctx); e != nil && err == nil {
			err = e
		}
		s.sink.scope.Merge(m.Scope())
		delete(s.sink.mergers, target)
	}
	return err
}

// shuffleFinal adds the values of each local target to the target's
// merger. Values of local sources arrive unpacked and are packed
// here; values from other processes arrive as bytes.
type shuffleFinal struct {
	ctx       context.Context
	ends      *ends
	bySource  bool
	valueType wire.Type
	mergers   map[int]*shuffle.Merger
	sorted    map[int]*shuffle.Sorted
	ready     []int
	deliver   func(target int, s *shuffle.Sorted) bool
	// scope holds the metrics of cleaned mergers.
	scope metrics.Scope
	err   error
}

func (f *shuffleFinal) OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool {
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
	batch, ok := payload.([]interface{})
	if !ok {
		batch = []interface{}{payload}
	}
	m := f.mergers[target]
	for _, v := range batch {
		key, value := interface{}(source), v
		if !f.bySource {
			t, ok := v.(wire.Tuple)
			if !ok {
				f.err = errors.E(errors.Integrity, fmt.Sprintf("collective: keyed message for target %d carries %T", target, v))
				return true
			}
			key, value = t.Key, t.Value
		}
		var p []byte
		if flags.Has(wire.Local) {
			var err error
			if p, err = f.valueType.Pack(value); err != nil {
				f.err = err
				return true
			}
		} else if p, ok = value.([]byte); !ok {
			f.err = errors.E(errors.Integrity, fmt.Sprintf("collective: value for target %d is %T", target, value))
			return true
		}
		if err := m.Add(key, p); err != nil {
			f.err = err
			return true
		}
	}
	return true
}

func (f *shuffleFinal) Progress() error {
	if f.err != nil {
		return f.err
	}
	for _, m := range f.mergers {
		if err := m.Run(f.ctx); err != nil {
			f.err = err
			return err
		}
	}
	for len(f.ready) > 0 {
		target := f.ready[0]
		s := f.sorted[target]
		if s == nil {
			var err error
			if s, err = f.mergers[target].SwitchToReading(f.ctx); err != nil {
				f.err = err
				return err
			}
			log.Debug.Printf("collective: target %d: %d records in memory, %d parts", target, s.Len(), s.Parts())
			f.sorted[target] = s
		}
		if !f.deliver(target, s) {
			break
		}
		f.ready = f.ready[1:]
	}
	return nil
}

func (f *shuffleFinal) idle() bool { return len(f.ready) == 0 }
