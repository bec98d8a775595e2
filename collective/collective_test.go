// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"runtime"
	"sync"
	"testing"

	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/plan"
	"golang.org/x/sync/errgroup"
)

func testOptions() bigcomm.Options {
	opts := bigcomm.DefaultOptions
	opts.BufferSize = 64
	opts.SendBufferCount = 4
	opts.ReceiveBufferCount = 2
	opts.PartitionBatchSize = 8
	return opts
}

// world is a set of processes connected by an in-process network,
// with tasks assigned round robin.
type world struct {
	ntask, nproc int
	net          *channel.Network
	comms        []*Comm
}

func newWorld(ntask, nproc int, opts bigcomm.Options) *world {
	w := &world{ntask: ntask, nproc: nproc, net: channel.NewNetwork(4)}
	for proc := 0; proc < nproc; proc++ {
		p := plan.RoundRobin(proc, ntask, nproc)
		w.comms = append(w.comms, NewComm(w.net.Endpoint(proc), p, opts))
	}
	return w
}

// run calls fn for every process, each in its own goroutine, as
// separate processes would.
func (w *world) run(t *testing.T, fn func(proc int, comm *Comm) error) {
	t.Helper()
	var g errgroup.Group
	for proc := range w.comms {
		proc := proc
		g.Go(func() error { return fn(proc, w.comms[proc]) })
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func (w *world) local(proc int, tasks []int) []int {
	return w.comms[proc].Plan.Local(tasks)
}

func tasks(n int) []int {
	t := make([]int, n)
	for i := range t {
		t[i] = i
	}
	return t
}

type progresser interface {
	Progress() error
	IsComplete() bool
}

// retry calls send until it is accepted, progressing op in between.
func retry(op progresser, send func() (bool, error)) error {
	for {
		ok, err := send()
		if err != nil || ok {
			return err
		}
		if err := op.Progress(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// drive progresses op until it is complete.
func drive(op progresser) error {
	for !op.IsComplete() {
		if err := op.Progress(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

type streamed struct {
	source, target int
	value          interface{}
}

// streams records the values delivered to streaming receivers.
type streams struct {
	mu     sync.Mutex
	values []streamed
	refuse int
}

func (s *streams) Receive(source, target int, value interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refuse > 0 {
		s.refuse--
		return false
	}
	s.values = append(s.values, streamed{source, target, value})
	return true
}

func (s *streams) of(source, target int) []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vals []interface{}
	for _, v := range s.values {
		if v.source == source && v.target == target {
			vals = append(vals, v.value)
		}
	}
	return vals
}

type entry struct {
	key, value interface{}
}

// bulk records the inputs delivered to bulk receivers.
type bulk struct {
	mu      sync.Mutex
	inputs  map[int][]entry
	calls   map[int]int
	refuse  int
	grouped bool
}

func newBulk() *bulk {
	return &bulk{inputs: make(map[int][]entry), calls: make(map[int]int)}
}

func (b *bulk) Receive(target int, it Iterator) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refuse > 0 {
		b.refuse--
		return false
	}
	b.calls[target]++
	for it.Scan() {
		if g, ok := it.Value().(interface {
			Scan() bool
			Value() interface{}
		}); ok && b.grouped {
			var vals []interface{}
			for g.Scan() {
				vals = append(vals, g.Value())
			}
			b.inputs[target] = append(b.inputs[target], entry{it.Key(), vals})
			continue
		}
		b.inputs[target] = append(b.inputs[target], entry{it.Key(), it.Value()})
	}
	if err := it.Err(); err != nil {
		panic(err)
	}
	return true
}

type results struct {
	mu     sync.Mutex
	values map[int]interface{}
	calls  map[int]int
}

func newResults() *results {
	return &results{values: make(map[int]interface{}), calls: make(map[int]int)}
}

func (v *results) Receive(target int, value interface{}) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[target] = value
	v.calls[target]++
	return true
}
