// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"testing"

	"github.com/grailbio/bigcomm/wire"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
)

func TestAllGather(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	const (
		ntask = 4
		n     = 40
	)
	sources, targets := []int{0, 1, 2}, []int{1, 2, 3}
	w := newWorld(ntask, 2, keyedOptions(dir, true))
	recv := newBulk()
	recv.refuse = 1
	w.run(t, func(proc int, comm *Comm) error {
		a, err := NewAllGather(context.Background(), comm, sources, targets, wire.Int, recv)
		if err != nil {
			return err
		}
		defer a.Close()
		for _, source := range w.local(proc, sources) {
			for i := 0; i < n; i++ {
				v := source*100 + i
				if err := retry(a, func() (bool, error) { return a.Gather(source, v) }); err != nil {
					return err
				}
			}
			if err := a.Finish(source); err != nil {
				return err
			}
		}
		return drive(a)
	})
	for _, target := range targets {
		expect.EQ(t, recv.calls[target], 1)
		entries := recv.inputs[target]
		if got, want := len(entries), len(sources)*n; got != want {
			t.Fatalf("target %d: got %v, want %v", target, got, want)
		}
		for i, e := range entries {
			src := sources[i/n]
			if got, want := e.key, src; got != want {
				t.Errorf("target %d: entry %d: got source %v, want %v", target, i, got, want)
			}
			if got, want := e.value, src*100+i%n; got != want {
				t.Errorf("target %d: entry %d: got %v, want %v", target, i, got, want)
			}
		}
	}
	if _, ok := recv.inputs[0]; ok {
		t.Error("input delivered to a task that is not a target")
	}
}

// A send queue of depth one refuses the second target of every
// value, so that AllGather resumes values midway through their
// targets.
func TestAllGatherResume(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	opts := keyedOptions(dir, false)
	opts.SendQueueDepth = 1
	opts.PartitionBatchSize = 1
	w := newWorld(3, 1, opts)
	recv := newBulk()
	w.run(t, func(proc int, comm *Comm) error {
		a, err := NewAllGather(context.Background(), comm, []int{0}, tasks(3), wire.Int, recv)
		if err != nil {
			return err
		}
		defer a.Close()
		refused := 0
		for i := 0; i < 10; i++ {
			i := i
			err := retry(a, func() (bool, error) {
				ok, err := a.Gather(0, i)
				if !ok && err == nil {
					refused++
				}
				return ok, err
			})
			if err != nil {
				return err
			}
		}
		if err := a.Finish(0); err != nil {
			return err
		}
		if refused == 0 {
			t.Error("no send was refused")
		}
		return drive(a)
	})
	for target := 0; target < 3; target++ {
		var got []interface{}
		for _, e := range recv.inputs[target] {
			got = append(got, e.value)
		}
		expect.EQ(t, got, []interface{}{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	}
}
