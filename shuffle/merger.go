// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package shuffle implements a disk-spilling sort/merge engine for
// keyed records. A Merger accepts records in any order, keeping a
// bounded amount in memory and writing the rest to sorted part
// files; once switched to reading it yields all records in key
// order through a k-way merge of memory and parts, optionally
// grouped by key, with restorable iterators.
package shuffle

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/ctxsync"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/wire"
	"golang.org/x/sync/errgroup"
)

var (
	// Spills counts the part files written.
	Spills = metrics.NewCounter()
	// SpilledBytes counts the bytes written to part files.
	SpilledBytes = metrics.NewCounter()
	// SpilledRecords counts the records written to part files.
	SpilledRecords = metrics.NewCounter()
)

// State is the state of a Merger. States only move forward.
type State int

const (
	// WritingMemory accepts records into memory.
	WritingMemory State = iota
	// WritingDisk accepts records into the disk-bound buffer, which
	// Run writes out as parts.
	WritingDisk
	// Reading yields sorted records; Add fails.
	Reading
	// Done indicates the parts were deleted.
	Done
)

var stateNames = [...]string{"WRITING_MEMORY", "WRITING_DISK", "READING", "DONE"}

func (s State) String() string { return stateNames[s] }

// Config configures a Merger.
type Config struct {
	// Name names the merger's directory under Options.ShuffleDir.
	// It must be unique among live mergers.
	Name string
	// KeyType packs keys into part files.
	KeyType wire.Type
	// ValueType unpacks values when reading. If nil, values are
	// yielded as the packed bytes given to Add.
	ValueType wire.Type
	// Compare orders keys. It defaults to Compare.
	Compare CompareFunc
	// Options supplies the memory and file thresholds, the spill
	// parallelism and the shuffle directory.
	Options bigcomm.Options
}

// A Merger accumulates records for one grouping operation. Add and
// Run are called by the owner; part files are written by background
// goroutines, at most Options.ShuffleParallelIO at a time.
type Merger struct {
	config Config
	dir    string
	scope  metrics.Scope

	permits *limiter.Limiter

	mu    sync.Mutex
	cond  *ctxsync.Cond
	state State
	// memory holds the records kept in memory; toDisk the records
	// bound for the next part.
	memory, toDisk []record
	// nbytes counts the value bytes of the current buffer.
	nbytes int64
	// parts is the number of parts allocated; spilling the number
	// being written.
	parts, spilling int
	err             error
}

// NewMerger returns a new merger writing its parts under
// Options.ShuffleDir/Name.
func NewMerger(config Config) (*Merger, error) {
	if err := config.Options.Validate(); err != nil {
		return nil, err
	}
	if config.Name == "" || config.KeyType == nil {
		return nil, errors.E(errors.Invalid, "shuffle: merger requires a name and a key type")
	}
	if config.Compare == nil {
		config.Compare = Compare
	}
	m := &Merger{
		config:  config,
		dir:     file.Join(config.Options.ShuffleDir, config.Name),
		permits: limiter.New(),
	}
	m.permits.Release(config.Options.ShuffleParallelIO)
	m.cond = ctxsync.NewCond(&m.mu)
	log.Debug.Printf("shuffle %s: memory %s/%d records, file %s", config.Name,
		data.Size(config.Options.ShuffleMaxBytesInMemory), config.Options.ShuffleMaxRecordsInMemory,
		data.Size(config.Options.ShuffleFileSize))
	return m, nil
}

// State returns the merger's state.
func (m *Merger) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Scope returns the metrics scope of the merger's spills.
func (m *Merger) Scope() *metrics.Scope { return &m.scope }

// Parts returns the number of parts written or being written.
func (m *Merger) Parts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts
}

// Add adds a record. The thresholds are checked on every call, so a
// large value may push memory past its budget by up to its own
// size.
func (m *Merger) Add(key interface{}, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case WritingMemory:
		m.memory = append(m.memory, record{key, value})
		m.nbytes += int64(len(value))
		opts := m.config.Options
		if m.nbytes >= opts.ShuffleMaxBytesInMemory ||
			opts.ShuffleMaxRecordsInMemory > 0 && int64(len(m.memory)) >= opts.ShuffleMaxRecordsInMemory {
			log.Printf("shuffle %s: switching to disk after %d records, %s", m.config.Name, len(m.memory), data.Size(m.nbytes))
			m.state = WritingDisk
			m.nbytes = 0
		}
	case WritingDisk:
		m.toDisk = append(m.toDisk, record{key, value})
		m.nbytes += int64(len(value))
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("shuffle %s: add in state %s", m.config.Name, m.state))
	}
	return nil
}

// Run writes the disk-bound buffer as a new part once it holds
// Options.ShuffleFileSize bytes (or ShuffleMaxRecordsInMemory
// records). The part is sorted and written in the background; Run
// blocks only while ShuffleParallelIO parts are already being
// written. Run returns the error of a failed earlier part.
func (m *Merger) Run(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	opts := m.config.Options
	if m.state != WritingDisk || m.nbytes < opts.ShuffleFileSize &&
		(opts.ShuffleMaxRecordsInMemory == 0 || int64(len(m.toDisk)) < opts.ShuffleMaxRecordsInMemory) {
		return nil
	}
	m.mu.Unlock()
	err := m.permits.Acquire(ctx, 1)
	m.mu.Lock()
	if err != nil {
		return err
	}
	// The merger may have switched to reading or been cleaned while
	// Run waited for its permit.
	if m.state != WritingDisk || len(m.toDisk) == 0 {
		m.permits.Release(1)
		return m.err
	}
	if m.parts == 0 {
		if err := os.MkdirAll(m.dir, 0777); err != nil {
			m.permits.Release(1)
			return errors.E(errors.Fatal, fmt.Sprintf("shuffle %s: create directory", m.config.Name), err)
		}
	}
	var (
		recs   = m.toDisk
		nbytes = m.nbytes
		path   = m.path(m.parts)
	)
	m.toDisk = nil
	m.nbytes = 0
	m.parts++
	m.spilling++
	go func() {
		err := m.spill(ctx, path, recs, nbytes)
		m.permits.Release(1)
		m.mu.Lock()
		if err != nil && m.err == nil {
			m.err = err
		}
		m.spilling--
		m.cond.Broadcast()
		m.mu.Unlock()
	}()
	return nil
}

func (m *Merger) path(part int) string {
	return file.Join(m.dir, fmt.Sprintf("part_%d", part))
}

// spill sorts recs and writes them to path.
func (m *Merger) spill(ctx context.Context, path string, recs []record, nbytes int64) (err error) {
	log.Printf("shuffle %s: writing %d records (%s) to %s", m.config.Name, len(recs), data.Size(nbytes), path)
	m.sort(recs)
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	enc := newEncoder(f.Writer(ctx), m.config.KeyType)
	for _, rec := range recs {
		if err := enc.Encode(rec.key, rec.value.([]byte)); err != nil {
			return err
		}
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	Spills.Incr(&m.scope, 1)
	SpilledBytes.Incr(&m.scope, enc.n)
	SpilledRecords.Incr(&m.scope, int64(len(recs)))
	return nil
}

func (m *Merger) sort(recs []record) {
	sort.SliceStable(recs, func(i, j int) bool {
		return m.config.Compare(recs[i].key, recs[j].key) < 0
	})
}

// SwitchToReading waits for in-flight parts, deserializes and sorts
// the records still in memory, and returns the sorted result. Later
// calls to Add fail.
func (m *Merger) SwitchToReading(ctx context.Context) (*Sorted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state >= Reading {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("shuffle %s: switch to reading in state %s", m.config.Name, m.state))
	}
	for m.spilling > 0 {
		if err := m.cond.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if m.err != nil {
		return nil, m.err
	}
	m.state = Reading
	log.Printf("shuffle %s: reading %d records from memory and %d parts", m.config.Name, len(m.memory)+len(m.toDisk), m.parts)
	// The disk-bound records were added after every part; they are
	// read last among equal keys.
	head, tail := m.memory, m.toDisk
	m.memory, m.toDisk, m.nbytes = nil, nil, 0
	if m.config.ValueType != nil {
		if err := deserialize(head, m.config.ValueType); err != nil {
			return nil, err
		}
		if err := deserialize(tail, m.config.ValueType); err != nil {
			return nil, err
		}
	}
	m.sort(head)
	m.sort(tail)
	s := &Sorted{
		merger:  m,
		memory:  head,
		tail:    tail,
		nparts:  m.parts,
		compare: m.config.Compare,
	}
	return s, nil
}

// deserialize unpacks the values of recs in place. The records are
// split into chunks; all but the last are unpacked by separate
// goroutines, the last by the caller.
func deserialize(recs []record, typ wire.Type) error {
	var (
		nchunk = runtime.GOMAXPROCS(0)
		size   = (len(recs) + nchunk - 1) / nchunk
		g      errgroup.Group
	)
	if size == 0 {
		return nil
	}
	unpack := func(recs []record) error {
		for i := range recs {
			v, err := typ.Unpack(recs[i].value.([]byte))
			if err != nil {
				return err
			}
			recs[i].value = v
		}
		return nil
	}
	for start := 0; start < len(recs); start += size {
		end := start + size
		if end >= len(recs) {
			if err := unpack(recs[start:]); err != nil {
				g.Wait()
				return err
			}
			break
		}
		chunk := recs[start:end]
		g.Go(func() error { return unpack(chunk) })
	}
	return g.Wait()
}

// Clean waits for in-flight parts, then deletes every part and the
// merger's directory. The merger is Done afterwards.
func (m *Merger) Clean(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.spilling > 0 {
		if err := m.cond.Wait(ctx); err != nil {
			return err
		}
	}
	if m.state == Done {
		return nil
	}
	m.state = Done
	m.memory, m.toDisk = nil, nil
	var err error
	for i := 0; i < m.parts; i++ {
		if rerr := file.Remove(ctx, m.path(i)); rerr != nil && !errors.Is(errors.NotExist, rerr) && err == nil {
			err = rerr
		}
	}
	if m.parts > 0 {
		if rerr := os.Remove(m.dir); rerr != nil && !errors.Is(errors.NotExist, rerr) && err == nil {
			err = rerr
		}
	}
	return err
}

func (m *Merger) done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Done
}
