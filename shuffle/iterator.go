// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
)

// Sorted is the reading side of a Merger: the sorted memory records
// and the merger's parts. Records added before the first part are in
// memory, and records added after the last part are in tail.
type Sorted struct {
	merger       *Merger
	memory, tail []record
	nparts       int
	compare      CompareFunc
}

// Len returns the number of records held in memory.
func (s *Sorted) Len() int { return len(s.memory) + len(s.tail) }

// Parts returns the number of part files.
func (s *Sorted) Parts() int { return s.nparts }

// Iterator returns a new iterator over all records in key order.
// Records with equal keys are yielded in the order they were added.
// If grouped is true, the iterator yields each
// distinct key once, with a Values iterator over its values.
func (s *Sorted) Iterator(ctx context.Context, grouped bool) *Iterator {
	it := &Iterator{ctx: ctx, grouped: grouped, compare: s.compare}
	if s.merger.done() {
		it.err = errors.E(errors.Invalid, fmt.Sprintf("shuffle %s: read after clean", s.merger.config.Name))
		return it
	}
	readers := []reader{&memoryReader{recs: s.memory}}
	if len(s.tail) > 0 {
		readers = append(readers, &memoryReader{recs: s.tail, idx: s.nparts + 1})
	}
	for i := 0; i < s.nparts; i++ {
		r, err := newFileReader(ctx, s.merger.path(i), i, s.merger.config.KeyType, s.merger.config.ValueType)
		if err != nil {
			for _, r := range readers {
				r.close(ctx)
			}
			it.err = err
			return it
		}
		readers = append(readers, r)
	}
	it.merge = newMerge(readers, s.compare)
	it.advance()
	return it
}

// Clean deletes the parts. Iterators created afterwards fail.
func (s *Sorted) Clean(ctx context.Context) error {
	return s.merger.Clean(ctx)
}

// An Iterator yields the records of a Sorted in key order. It
// follows the scanner idiom:
//
//	it := sorted.Iterator(ctx, false)
//	for it.Scan() {
//		key, value := it.Key(), it.Value()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
type Iterator struct {
	ctx     context.Context
	merge   *merge
	grouped bool
	compare CompareFunc

	// next is the lookahead record, valid if more is set.
	next record
	more bool

	key, value interface{}
	group      *Values
	err        error

	restore *restorePoint
}

type restorePoint struct {
	merge      mergePos
	next       record
	more       bool
	key, value interface{}
	group      *Values
	groupValue interface{}
}

func (it *Iterator) advance() {
	it.next, it.more, it.err = it.merge.next(it.ctx)
}

// Scan advances the iterator. In grouped mode, values of the
// current key that were not consumed are read and dropped first.
func (it *Iterator) Scan() bool {
	if it.err != nil {
		return false
	}
	if it.group != nil {
		for it.group.Scan() {
		}
		it.group = nil
		if it.err != nil {
			return false
		}
	}
	if !it.more {
		return false
	}
	it.key = it.next.key
	if it.grouped {
		it.group = &Values{it: it, key: it.key}
		it.value = it.group
		return true
	}
	it.value = it.next.value
	it.advance()
	return true
}

// Key returns the current key.
func (it *Iterator) Key() interface{} { return it.key }

// Value returns the current value. In grouped mode it is the
// *Values of the current key.
func (it *Iterator) Value() interface{} { return it.value }

// Values returns the values of the current key in grouped mode, and
// nil otherwise.
func (it *Iterator) Values() *Values { return it.group }

// Err returns the error, if any, that stopped the iterator.
func (it *Iterator) Err() error { return it.err }

// Close closes the iterator's part files.
func (it *Iterator) Close() error {
	if it.merge == nil {
		return nil
	}
	return it.merge.close(it.ctx)
}

// CreateRestorePoint records the iterator's position, replacing any
// earlier restore point.
func (it *Iterator) CreateRestorePoint() {
	if it.merge == nil {
		return
	}
	it.restore = &restorePoint{
		merge: it.merge.save(),
		next:  it.next,
		more:  it.more,
		key:   it.key,
		value: it.value,
		group: it.group,
	}
	if it.group != nil {
		it.restore.groupValue = it.group.value
	}
}

// HasRestorePoint tells whether a restore point exists.
func (it *Iterator) HasRestorePoint() bool { return it.restore != nil }

// Restore returns the iterator to its restore point. The restore
// point is kept.
func (it *Iterator) Restore() error {
	rp := it.restore
	if rp == nil {
		return errors.E(errors.Invalid, "shuffle: no restore point")
	}
	if err := it.merge.load(it.ctx, rp.merge); err != nil {
		it.err = err
		return err
	}
	it.next, it.more = rp.next, rp.more
	it.key, it.value = rp.key, rp.value
	it.group = rp.group
	if it.group != nil {
		it.group.value = rp.groupValue
	}
	it.err = nil
	return nil
}

// ClearRestorePoint drops the restore point.
func (it *Iterator) ClearRestorePoint() { it.restore = nil }

// Values iterates over the values of one key of a grouped Iterator.
// It is valid until the next call to Iterator.Scan.
type Values struct {
	it         *Iterator
	key, value interface{}
}

// Scan advances to the next value of the key.
func (v *Values) Scan() bool {
	it := v.it
	if it.err != nil || it.group != v || !it.more || it.compare(it.next.key, v.key) != 0 {
		return false
	}
	v.value = it.next.value
	it.advance()
	return true
}

// Key returns the group's key.
func (v *Values) Key() interface{} { return v.key }

// Value returns the current value.
func (v *Values) Value() interface{} { return v.value }
