// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

// A tracker round-robins over a set of active ids, so that
// successive progress calls start with a different queue.
type tracker struct {
	ids    []int
	active map[int]bool
	next   int
}

func newTracker() *tracker {
	return &tracker{active: make(map[int]bool)}
}

// add marks id active. Adding an active id is a no-op.
func (t *tracker) add(id int) {
	if t.active[id] {
		return
	}
	t.active[id] = true
	t.ids = append(t.ids, id)
}

// len returns the number of active ids.
func (t *tracker) len() int { return len(t.ids) }

// each calls fn for every active id, starting after the id that
// was first in the previous round. Ids for which fn returns false
// are removed.
func (t *tracker) each(fn func(id int) bool) {
	n := len(t.ids)
	if n == 0 {
		return
	}
	start := t.next % n
	keep := make([]bool, n)
	for i := 0; i < n; i++ {
		j := (start + i) % n
		keep[j] = fn(t.ids[j])
	}
	ids := t.ids[:0]
	for i, id := range t.ids {
		if keep[i] {
			ids = append(ids, id)
		} else {
			delete(t.active, id)
		}
	}
	// Ids added by fn land past n.
	ids = append(ids, t.ids[n:]...)
	t.ids = ids
	t.next = start + 1
}
