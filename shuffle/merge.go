// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"container/heap"
	"context"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigcomm/wire"
)

// A reader yields the records of one sorted run. The next record is
// held in head while valid is true.
type reader interface {
	// index orders readers with equal keys: the memory reader is 0,
	// part i is i+1, and the tail reader follows the last part.
	index() int
	head() record
	valid() bool
	advance(ctx context.Context) error
	// save returns the reader's position; load returns to it.
	save() interface{}
	load(ctx context.Context, pos interface{}) error
	close(ctx context.Context) error
}

type memoryReader struct {
	recs []record
	i    int
	idx  int
}

func (r *memoryReader) index() int   { return r.idx }
func (r *memoryReader) head() record { return r.recs[r.i] }
func (r *memoryReader) valid() bool  { return r.i < len(r.recs) }

func (r *memoryReader) advance(context.Context) error {
	r.i++
	return nil
}

func (r *memoryReader) save() interface{} { return r.i }

func (r *memoryReader) load(_ context.Context, pos interface{}) error {
	r.i = pos.(int)
	return nil
}

func (r *memoryReader) close(context.Context) error { return nil }

// fileReader reads a part file one batch at a time.
type fileReader struct {
	path               string
	part               int
	keyType, valueType wire.Type

	file file.File
	dec  *decoder
	// batch holds the records of the batch at offset off; i indexes
	// the head.
	batch []record
	off   int64
	i     int
	eof   bool
}

type filePos struct {
	off int64
	i   int
	eof bool
}

func newFileReader(ctx context.Context, path string, part int, keyType, valueType wire.Type) (*fileReader, error) {
	r := &fileReader{path: path, part: part, keyType: keyType, valueType: valueType}
	if err := r.seek(ctx, 0); err != nil {
		return nil, err
	}
	return r, r.fill()
}

func (r *fileReader) index() int   { return r.part + 1 }
func (r *fileReader) head() record { return r.batch[r.i] }
func (r *fileReader) valid() bool  { return !r.eof && r.i < len(r.batch) }

// seek opens the file if needed and positions the decoder at off.
func (r *fileReader) seek(ctx context.Context, off int64) error {
	if r.file == nil {
		f, err := file.Open(ctx, r.path)
		if err != nil {
			return err
		}
		r.file = f
	}
	rd := r.file.Reader(ctx)
	if _, err := rd.Seek(off, io.SeekStart); err != nil {
		return err
	}
	r.dec = newDecoder(rd, off, r.keyType, r.valueType)
	return nil
}

// fill reads the next nonempty batch.
func (r *fileReader) fill() error {
	for {
		off := r.dec.off
		batch, err := r.dec.Decode()
		if err == io.EOF {
			r.eof = true
			r.batch = nil
			return nil
		}
		if err != nil {
			return errors.E("shuffle: read "+r.path, err)
		}
		if len(batch) > 0 {
			r.batch, r.off, r.i = batch, off, 0
			return nil
		}
	}
}

func (r *fileReader) advance(ctx context.Context) error {
	r.i++
	if r.i < len(r.batch) {
		return nil
	}
	if err := r.fill(); err != nil {
		return err
	}
	if r.eof {
		return r.close(ctx)
	}
	return nil
}

func (r *fileReader) save() interface{} {
	return filePos{r.off, r.i, r.eof}
}

func (r *fileReader) load(ctx context.Context, pos interface{}) error {
	p := pos.(filePos)
	if p.eof {
		r.eof, r.batch = true, nil
		return r.close(ctx)
	}
	if r.valid() && r.off == p.off {
		r.i = p.i
		return nil
	}
	if err := r.seek(ctx, p.off); err != nil {
		return err
	}
	r.eof = false
	if err := r.fill(); err != nil {
		return err
	}
	r.i = p.i
	return nil
}

func (r *fileReader) close(ctx context.Context) error {
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	r.dec = nil
	return f.Close(ctx)
}

// readerHeap orders readers by their head key, then by index.
type readerHeap struct {
	readers []reader
	compare CompareFunc
}

func (h *readerHeap) Len() int { return len(h.readers) }
func (h *readerHeap) Less(i, j int) bool {
	switch c := h.compare(h.readers[i].head().key, h.readers[j].head().key); {
	case c < 0:
		return true
	case c > 0:
		return false
	}
	return h.readers[i].index() < h.readers[j].index()
}
func (h *readerHeap) Swap(i, j int)       { h.readers[i], h.readers[j] = h.readers[j], h.readers[i] }
func (h *readerHeap) Push(x interface{}) { h.readers = append(h.readers, x.(reader)) }
func (h *readerHeap) Pop() interface{} {
	n := len(h.readers)
	r := h.readers[n-1]
	h.readers[n-1] = nil
	h.readers = h.readers[:n-1]
	return r
}

// merge is a k-way merge over a set of readers. A reader whose next
// record has the same key as the one just returned is kept aside as
// the same-key reader and drained before returning to the heap, so
// groups come out contiguous without extra buffering.
type merge struct {
	all  []reader
	heap readerHeap
	same reader
}

type mergePos struct {
	same    int
	readers []interface{}
}

func newMerge(readers []reader, compare CompareFunc) *merge {
	m := &merge{all: readers, heap: readerHeap{compare: compare}}
	m.rebuild()
	return m
}

// rebuild puts every valid reader other than the same-key reader
// on the heap.
func (m *merge) rebuild() {
	m.heap.readers = m.heap.readers[:0]
	for _, r := range m.all {
		if r.valid() && r != m.same {
			m.heap.readers = append(m.heap.readers, r)
		}
	}
	heap.Init(&m.heap)
}

// next returns the next record in key order.
func (m *merge) next(ctx context.Context) (record, bool, error) {
	r := m.same
	if r == nil {
		if m.heap.Len() == 0 {
			return record{}, false, nil
		}
		r = heap.Pop(&m.heap).(reader)
	}
	rec := r.head()
	if err := r.advance(ctx); err != nil {
		return record{}, false, err
	}
	switch {
	case r.valid() && m.heap.compare(rec.key, r.head().key) == 0:
		m.same = r
	case r.valid():
		m.same = nil
		heap.Push(&m.heap, r)
	default:
		m.same = nil
	}
	return rec, true, nil
}

func (m *merge) save() mergePos {
	pos := mergePos{same: -1, readers: make([]interface{}, len(m.all))}
	for i, r := range m.all {
		pos.readers[i] = r.save()
		if r == m.same {
			pos.same = i
		}
	}
	return pos
}

func (m *merge) load(ctx context.Context, pos mergePos) error {
	for i, r := range m.all {
		if err := r.load(ctx, pos.readers[i]); err != nil {
			return err
		}
	}
	m.same = nil
	if pos.same >= 0 {
		m.same = m.all[pos.same]
	}
	m.rebuild()
	return nil
}

func (m *merge) close(ctx context.Context) error {
	var err error
	for _, r := range m.all {
		if cerr := r.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
