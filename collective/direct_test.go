// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"
	"io/ioutil"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/wire"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
)

func TestGather(t *testing.T) {
	for _, disk := range []bool{false, true} {
		t.Run(fmt.Sprint("disk=", disk), func(t *testing.T) {
			dir, cleanup := testutil.TempDir(t, "", "")
			defer cleanup()
			testGather(t, keyedOptions(dir, disk))
			infos, err := ioutil.ReadDir(dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(infos) != 0 {
				t.Errorf("shuffle files left behind: %d", len(infos))
			}
		})
	}
}

func testGather(t *testing.T, opts bigcomm.Options) {
	const (
		ntask  = 6
		target = 4
		n      = 50
	)
	w := newWorld(ntask, 3, opts)
	recv := newBulk()
	var scope metrics.Scope
	w.run(t, func(proc int, comm *Comm) error {
		g, err := NewGather(context.Background(), comm, tasks(ntask), target, wire.Int, recv)
		if err != nil {
			return err
		}
		defer func() {
			g.Metrics(&scope)
			g.Close()
		}()
		for _, source := range w.local(proc, tasks(ntask)) {
			for i := 0; i < n; i++ {
				v := source*100 + i
				if err := retry(g, func() (bool, error) { return g.Gather(source, v) }); err != nil {
					return err
				}
			}
			if err := g.Finish(source); err != nil {
				return err
			}
		}
		return drive(g)
	})
	expect.EQ(t, recv.calls[target], 1)
	entries := recv.inputs[target]
	if got, want := len(entries), ntask*n; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i, e := range entries {
		src := i / n
		if got, want := e.key, src; got != want {
			t.Errorf("entry %d: got source %v, want %v", i, got, want)
		}
		if got, want := e.value, src*100+i%n; got != want {
			t.Errorf("entry %d: got %v, want %v", i, got, want)
		}
	}
	if buffer.Acquired.Value(&scope) == 0 {
		t.Error("no buffers acquired")
	}
	if got, want := buffer.InUse.Value(&scope), int64(0); got != want {
		t.Errorf("got %v buffers in use, want %v", got, want)
	}
	spilled := shuffle.SpilledRecords.Value(&scope) > 0
	if got, want := spilled, opts.ShuffleMaxBytesInMemory < 1024; got != want {
		t.Errorf("got spilled %v, want %v", got, want)
	}
}

func TestPartition(t *testing.T) {
	const (
		ntask = 6
		n     = 30
	)
	w := newWorld(ntask, 3, testOptions())
	recv := newBulk()
	recv.refuse = 2
	w.run(t, func(proc int, comm *Comm) error {
		p, err := NewPartition(context.Background(), comm, tasks(ntask), tasks(ntask), wire.Int, nil, recv)
		if err != nil {
			return err
		}
		defer p.Close()
		for _, source := range w.local(proc, tasks(ntask)) {
			for i := 0; i < n; i++ {
				v := source*100 + i
				if err := retry(p, func() (bool, error) { return p.Partition(source, v) }); err != nil {
					return err
				}
			}
			if err := p.Finish(source); err != nil {
				return err
			}
		}
		return drive(p)
	})
	seen := make(map[int]bool)
	for target := 0; target < ntask; target++ {
		expect.EQ(t, recv.calls[target], 1)
		entries := recv.inputs[target]
		// Round robin spreads each source evenly.
		if got, want := len(entries), n; got != want {
			t.Errorf("target %d: got %v, want %v", target, got, want)
		}
		last := make(map[int]int)
		for _, e := range entries {
			v := e.value.(int)
			if got, want := e.key, v/100; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
			if prev, ok := last[v/100]; ok && prev >= v {
				t.Errorf("target %d: %d after %d", target, v, prev)
			}
			last[v/100] = v
			if seen[v] {
				t.Errorf("value %d delivered twice", v)
			}
			seen[v] = true
		}
	}
	if got, want := len(seen), ntask*n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestReduce(t *testing.T) {
	const (
		ntask  = 6
		target = 1
	)
	sum := func(a, b interface{}) interface{} { return a.(int) + b.(int) }
	for _, n := range []int{0, 1, 10} {
		w := newWorld(ntask, 3, testOptions())
		recv := newResults()
		w.run(t, func(proc int, comm *Comm) error {
			r, err := NewReduce(comm, tasks(ntask), target, wire.Int, sum, recv)
			if err != nil {
				return err
			}
			defer r.Close()
			for _, source := range w.local(proc, tasks(ntask)) {
				for i := 1; i <= n; i++ {
					v := i
					if err := retry(r, func() (bool, error) { return r.Reduce(source, v) }); err != nil {
						return err
					}
				}
				if err := r.Finish(source); err != nil {
					return err
				}
			}
			return drive(r)
		})
		expect.EQ(t, recv.calls[target], 1)
		var want interface{}
		if n > 0 {
			want = ntask * n * (n + 1) / 2
		}
		if got := recv.values[target]; got != want {
			t.Errorf("n=%d: got %v, want %v", n, got, want)
		}
	}
}

func TestRemoteSource(t *testing.T) {
	w := newWorld(4, 2, testOptions())
	g, err := NewGather(context.Background(), w.comms[0], tasks(4), 0, wire.Int, newBulk())
	if err != nil {
		t.Fatal(err)
	}
	defer g.Close()
	// Task 1 belongs to process 1.
	if _, err := g.Gather(1, 1); !isFatal(err) {
		t.Errorf("got %v, want fatal error", err)
	}
	if _, err := g.Gather(0, "x"); err != nil {
		t.Fatal(err)
	}
}

func TestSelectors(t *testing.T) {
	rr := NewRoundRobin([]int{3, 4, 5})
	var got []int
	for i := 0; i < 4; i++ {
		target := next(t, rr, 1, nil)
		rr.Commit(1, target)
		got = append(got, target)
	}
	expect.EQ(t, got, []int{4, 5, 3, 4})
	// Uncommitted picks do not advance.
	expect.EQ(t, next(t, rr, 2, nil), 5)
	expect.EQ(t, next(t, rr, 2, nil), 5)

	h := NewHash([]int{0, 1, 2, 3}, wire.String)
	counts := make(map[int]int)
	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		if got, want := next(t, h, 0, key), next(t, h, 5, key); got != want {
			t.Errorf("key %s: got %v, want %v", key, got, want)
		}
		counts[next(t, h, 0, key)]++
	}
	if len(counts) < 2 {
		t.Errorf("hash sends every key to one target: %v", counts)
	}
	if _, err := h.Next(0, int64(1)); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
}

func next(t *testing.T, sel Selector, source int, key interface{}) int {
	t.Helper()
	target, err := sel.Next(source, key)
	if err != nil {
		t.Fatal(err)
	}
	return target
}

// isFatal tells whether err carries fatal severity.
func isFatal(err error) bool {
	return err != nil && errors.Recover(err).Severity == errors.Fatal
}
