// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package collective

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/wire"
)

// JoinType selects which unmatched keys a join keeps.
type JoinType int

const (
	// InnerJoin keeps only keys present on both sides.
	InnerJoin JoinType = iota
	// LeftOuterJoin also keeps keys present only on the left.
	LeftOuterJoin
	// RightOuterJoin also keeps keys present only on the right.
	RightOuterJoin
	// FullOuterJoin keeps every key.
	FullOuterJoin
)

var joinTypeNames = [...]string{"inner", "left", "right", "full"}

func (t JoinType) String() string {
	if t < 0 || int(t) >= len(joinTypeNames) {
		return fmt.Sprintf("JoinType(%d)", int(t))
	}
	return joinTypeNames[t]
}

func (t JoinType) left() bool  { return t == LeftOuterJoin || t == FullOuterJoin }
func (t JoinType) right() bool { return t == RightOuterJoin || t == FullOuterJoin }

// JoinAlgorithm selects how a target joins its two sorted inputs.
type JoinAlgorithm int

const (
	// SortJoin merges the two sorted inputs.
	SortJoin JoinAlgorithm = iota
	// HashJoin builds a table of the right input and looks up
	// each left key in it.
	HashJoin
)

func (a JoinAlgorithm) String() string {
	switch a {
	case SortJoin:
		return "sort"
	case HashJoin:
		return "hash"
	}
	return fmt.Sprintf("JoinAlgorithm(%d)", int(a))
}

// Joined is the value of a join result. A side is nil when the key
// is missing from it.
type Joined struct {
	Left, Right interface{}
}

func (j Joined) String() string { return fmt.Sprintf("(%v, %v)", j.Left, j.Right) }

// Sides of a join.
const (
	Left  = 0
	Right = 1
)

// JoinConfig configures a Join.
type JoinConfig struct {
	// Name prefixes the names of the shuffles. It defaults to "join".
	Name string
	// KeyType packs keys; LeftType and RightType pack the values of
	// each side.
	KeyType, LeftType, RightType wire.Type
	// Compare orders keys. It defaults to shuffle.Compare.
	Compare shuffle.CompareFunc
	// Type selects the unmatched keys kept.
	Type JoinType
	// Algorithm selects the join algorithm.
	Algorithm JoinAlgorithm
}

// Join partitions two keyed inputs by key and joins them at each
// target. Results are delivered in key order as tuples whose values
// are Joined, one per pair of matching values.
type Join struct {
	ctx    context.Context
	config JoinConfig
	sides  [2]keyed
	recv   BulkReceiver
	// sorted[target] holds the inputs of target received so far.
	sorted map[int]*[2]*shuffle.Sorted
	ready  []int
	// results[target] is the join of target, kept until delivered.
	results map[int][]wire.Tuple
}

// NewJoin returns a join of leftSources and rightSources at
// targets. Both sides hash keys over targets, so equal keys meet.
func NewJoin(ctx context.Context, comm *Comm, leftSources, rightSources, targets []int, config JoinConfig, recv BulkReceiver) (*Join, error) {
	if config.Name == "" {
		config.Name = "join"
	}
	if config.Compare == nil {
		config.Compare = shuffle.Compare
	}
	j := &Join{
		ctx:     ctx,
		config:  config,
		recv:    recv,
		sorted:  make(map[int]*[2]*shuffle.Sorted),
		results: make(map[int][]wire.Tuple),
	}
	sources := [2][]int{leftSources, rightSources}
	types := [2]wire.Type{config.LeftType, config.RightType}
	for side := range j.sides {
		side := side
		kconfig := KeyedConfig{
			Name:     fmt.Sprintf("%s-%d", config.Name, side),
			KeyType:  config.KeyType,
			Type:     types[side],
			Compare:  config.Compare,
			Selector: NewHash(targets, config.KeyType),
		}
		deliver := func(target int, s *shuffle.Sorted) bool {
			return j.add(side, target, s)
		}
		if err := j.sides[side].init(ctx, comm, sources[side], targets, kconfig, nil, deliver); err != nil {
			if side == Right {
				j.sides[Left].Close()
			}
			return nil, err
		}
	}
	return j, nil
}

// add records one side's sorted input of target.
func (j *Join) add(side, target int, s *shuffle.Sorted) bool {
	inputs := j.sorted[target]
	if inputs == nil {
		inputs = new([2]*shuffle.Sorted)
		j.sorted[target] = inputs
	}
	inputs[side] = s
	if inputs[Left] != nil && inputs[Right] != nil {
		j.ready = append(j.ready, target)
	}
	return true
}

// Partition sends a tuple from source to the given side of the
// join. It returns false if the engine cannot accept it now.
func (j *Join) Partition(side, source int, key, value interface{}) (bool, error) {
	if side != Left && side != Right {
		return false, errors.E(errors.Invalid, fmt.Sprintf("collective: invalid join side %d", side))
	}
	return j.sides[side].partition(source, key, value)
}

// Finish ends source's stream on the given side.
func (j *Join) Finish(side, source int) error {
	if side != Left && side != Right {
		return errors.E(errors.Invalid, fmt.Sprintf("collective: invalid join side %d", side))
	}
	return j.sides[side].Finish(source)
}

// Progress advances both sides and delivers the joins of the targets
// whose inputs are complete.
func (j *Join) Progress() error {
	for side := range j.sides {
		if err := j.sides[side].Progress(); err != nil {
			return err
		}
	}
	for len(j.ready) > 0 {
		target := j.ready[0]
		results, ok := j.results[target]
		if !ok {
			var err error
			inputs := j.sorted[target]
			if j.config.Algorithm == HashJoin {
				results, err = j.hashJoin(inputs[Left], inputs[Right])
			} else {
				results, err = j.sortJoin(inputs[Left], inputs[Right])
			}
			if err != nil {
				return err
			}
			j.results[target] = results
		}
		if !j.recv.Receive(target, newSliceIterator(results)) {
			break
		}
		delete(j.results, target)
		delete(j.sorted, target)
		j.ready = j.ready[1:]
	}
	return nil
}

// IsComplete tells whether both sides are complete and every local
// target was given its join.
func (j *Join) IsComplete() bool {
	return j.sides[Left].IsComplete() && j.sides[Right].IsComplete() && len(j.ready) == 0
}

// Metrics merges the metrics of both sides into scope.
func (j *Join) Metrics(scope *metrics.Scope) {
	j.sides[Left].Metrics(scope)
	j.sides[Right].Metrics(scope)
}

// Close removes the shuffle files of both sides and releases their
// resources.
func (j *Join) Close() error {
	err := j.sides[Left].Close()
	if e := j.sides[Right].Close(); err == nil {
		err = e
	}
	return err
}

// values collects the values of the group at it.
func values(it *shuffle.Iterator) []interface{} {
	var vals []interface{}
	group := it.Values()
	for group.Scan() {
		vals = append(vals, group.Value())
	}
	return vals
}

func (j *Join) emit(results []wire.Tuple, key interface{}, left, right []interface{}) []wire.Tuple {
	switch {
	case len(left) == 0:
		for _, r := range right {
			results = append(results, wire.Tuple{Key: key, Value: Joined{Right: r}})
		}
	case len(right) == 0:
		for _, l := range left {
			results = append(results, wire.Tuple{Key: key, Value: Joined{Left: l}})
		}
	default:
		for _, l := range left {
			for _, r := range right {
				results = append(results, wire.Tuple{Key: key, Value: Joined{Left: l, Right: r}})
			}
		}
	}
	return results
}

// sortJoin merges the grouped inputs in key order.
func (j *Join) sortJoin(left, right *shuffle.Sorted) ([]wire.Tuple, error) {
	lit, rit := left.Iterator(j.ctx, true), right.Iterator(j.ctx, true)
	defer lit.Close()
	defer rit.Close()
	var (
		results  []wire.Tuple
		lok, rok = lit.Scan(), rit.Scan()
	)
	for lok || rok {
		var c int
		switch {
		case !rok:
			c = -1
		case !lok:
			c = 1
		default:
			c = j.config.Compare(lit.Key(), rit.Key())
		}
		switch {
		case c < 0:
			if j.config.Type.left() {
				results = j.emit(results, lit.Key(), values(lit), nil)
			}
			lok = lit.Scan()
		case c > 0:
			if j.config.Type.right() {
				results = j.emit(results, rit.Key(), nil, values(rit))
			}
			rok = rit.Scan()
		default:
			results = j.emit(results, lit.Key(), values(lit), values(rit))
			lok, rok = lit.Scan(), rit.Scan()
		}
	}
	if err := lit.Err(); err != nil {
		return nil, err
	}
	return results, rit.Err()
}

type hashEntry struct {
	key     interface{}
	values  []interface{}
	matched bool
}

// hashKey returns a comparable version of key.
func hashKey(key interface{}) interface{} {
	if p, ok := key.([]byte); ok {
		return string(p)
	}
	return key
}

// hashJoin builds a table of the right input and looks up each
// left key in it. Unmatched right keys follow, in key order.
func (j *Join) hashJoin(left, right *shuffle.Sorted) ([]wire.Tuple, error) {
	var (
		table = make(map[interface{}]*hashEntry)
		order []*hashEntry
	)
	rit := right.Iterator(j.ctx, true)
	for rit.Scan() {
		e := &hashEntry{key: rit.Key(), values: values(rit)}
		table[hashKey(e.key)] = e
		order = append(order, e)
	}
	rit.Close()
	if err := rit.Err(); err != nil {
		return nil, err
	}
	var results []wire.Tuple
	lit := left.Iterator(j.ctx, true)
	defer lit.Close()
	for lit.Scan() {
		e := table[hashKey(lit.Key())]
		switch {
		case e != nil:
			e.matched = true
			results = j.emit(results, lit.Key(), values(lit), e.values)
		case j.config.Type.left():
			results = j.emit(results, lit.Key(), values(lit), nil)
		}
	}
	if err := lit.Err(); err != nil {
		return nil, err
	}
	if j.config.Type.right() {
		for _, e := range order {
			if !e.matched {
				results = j.emit(results, e.key, nil, e.values)
			}
		}
	}
	return results, nil
}
