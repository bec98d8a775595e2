// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"reflect"
	"testing"

	"github.com/grailbio/bigcomm/wire"
)

func broadcast(t *testing.T, w *world, sources, targets []int, vals []interface{}, recv Receiver) {
	t.Helper()
	w.run(t, func(proc int, comm *Comm) error {
		b, err := NewBroadcast(comm, sources, targets, wire.Int, recv)
		if err != nil {
			return err
		}
		defer b.Close()
		for _, source := range w.local(proc, sources) {
			for _, v := range vals {
				v := v
				if err := retry(b, func() (bool, error) { return b.Broadcast(source, v) }); err != nil {
					return err
				}
			}
			if err := b.Finish(source); err != nil {
				return err
			}
		}
		return drive(b)
	})
}

func TestBroadcastTwoSources(t *testing.T) {
	w := newWorld(3, 3, testOptions())
	recv := new(streams)
	broadcast(t, w, []int{0, 1}, []int{2}, []interface{}{1, 2, 3}, recv)
	for _, source := range []int{0, 1} {
		if got, want := recv.of(source, 2), []interface{}{1, 2, 3}; !reflect.DeepEqual(got, want) {
			t.Errorf("source %d: got %v, want %v", source, got, want)
		}
	}
	if got, want := len(recv.values), 6; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBroadcastAggregate(t *testing.T) {
	w := newWorld(3, 3, testOptions())
	recv := new(streams)
	payload := []interface{}{1, 2, 3}
	broadcast(t, w, []int{0, 1}, []int{2}, []interface{}{payload}, recv)
	for _, source := range []int{0, 1} {
		if got, want := recv.of(source, 2), []interface{}{payload}; !reflect.DeepEqual(got, want) {
			t.Errorf("source %d: got %v, want %v", source, got, want)
		}
	}
}

func TestBroadcastTree(t *testing.T) {
	w := newWorld(8, 4, testOptions())
	recv := &streams{refuse: 5}
	sources := []int{0, 1, 5}
	const n = 20
	want := make([]interface{}, n)
	for i := range want {
		want[i] = i + 1
	}
	broadcast(t, w, sources, tasks(8), want, recv)
	for _, source := range sources {
		for target := 0; target < 8; target++ {
			if got := recv.of(source, target); !reflect.DeepEqual(got, want) {
				t.Errorf("source %d target %d: got %v, want %v", source, target, got, want)
			}
		}
	}
	if got, want := len(recv.values), len(sources)*8*n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBroadcastLocal(t *testing.T) {
	w := newWorld(4, 1, testOptions())
	recv := new(streams)
	broadcast(t, w, []int{0}, []int{1, 2, 3}, []interface{}{1, 2, 3, 4, 5}, recv)
	for target := 1; target < 4; target++ {
		if got, want := recv.of(0, target), []interface{}{1, 2, 3, 4, 5}; !reflect.DeepEqual(got, want) {
			t.Errorf("target %d: got %v, want %v", target, got, want)
		}
	}
}
