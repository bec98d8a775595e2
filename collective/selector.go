// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/wire"
	"github.com/spaolacci/murmur3"
)

// A Selector picks the target of each value a partition sends.
type Selector interface {
	// Next returns the target for a value with the given key sent
	// by source. Selectors that do not hash are passed the value.
	// An error is returned if no target can be chosen for the key.
	Next(source int, key interface{}) (int, error)
	// Commit tells the selector that the engine accepted a value for
	// target.
	Commit(source, target int)
}

// RoundRobin spreads the values of each source over the targets in
// turn. Sources start at different targets, so that the load on
// targets stays balanced.
type RoundRobin struct {
	targets []int
	next    map[int]int
}

// NewRoundRobin returns a round-robin selector over targets.
func NewRoundRobin(targets []int) *RoundRobin {
	return &RoundRobin{targets: append([]int(nil), targets...), next: make(map[int]int)}
}

// Next implements Selector.
func (r *RoundRobin) Next(source int, key interface{}) (int, error) {
	i, ok := r.next[source]
	if !ok {
		i = source % len(r.targets)
		r.next[source] = i
	}
	return r.targets[i], nil
}

// Commit implements Selector.
func (r *RoundRobin) Commit(source, target int) {
	r.next[source] = (r.next[source] + 1) % len(r.targets)
}

// Hash sends each key to a target chosen by the murmur3 hash of its
// packed bytes, so that equal keys meet at one target.
type Hash struct {
	targets []int
	keyType wire.Type
}

// NewHash returns a hashing selector over targets for keys of the
// given type.
func NewHash(targets []int, keyType wire.Type) *Hash {
	return &Hash{targets: append([]int(nil), targets...), keyType: keyType}
}

// Next implements Selector. Keys that cannot be packed as the
// selector's key type are invalid.
func (h *Hash) Next(source int, key interface{}) (int, error) {
	p, err := h.keyType.Pack(key)
	if err != nil {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("collective: hash key %v of source %d", key, source), err)
	}
	return h.targets[murmur3.Sum32(p)%uint32(len(h.targets))], nil
}

// Commit implements Selector.
func (*Hash) Commit(source, target int) {}

func (h *Hash) String() string {
	return fmt.Sprintf("hash(%s, %d targets)", h.keyType.Name(), len(h.targets))
}
