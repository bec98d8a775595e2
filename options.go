// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigcomm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
)

// Options are the named options consumed by operations at
// construction time. The zero value is not valid; start from
// DefaultOptions.
type Options struct {
	// BufferSize is the capacity of each wire buffer, in bytes. It
	// must leave room for a full header.
	BufferSize int
	// SendBufferCount is the number of buffers in an operation's send
	// pool.
	SendBufferCount int
	// ReceiveBufferCount is the number of buffers posted for each
	// peer process an operation receives from.
	ReceiveBufferCount int
	// SendQueueDepth bounds the number of pending messages per
	// source. Sends beyond it are refused until Progress drains the
	// queue.
	SendQueueDepth int
	// ProgressBatch is the number of messages each phase of a
	// progress call may handle.
	ProgressBatch int
	// PartitionBatchSize is the number of values a partial receiver
	// groups into one aggregated message before forwarding it.
	PartitionBatchSize int

	// ShuffleMaxBytesInMemory is the number of record bytes a shuffle
	// keeps in memory before it starts writing to disk.
	ShuffleMaxBytesInMemory int64
	// ShuffleMaxRecordsInMemory is the number of records a shuffle
	// keeps in memory before it starts writing to disk.
	ShuffleMaxRecordsInMemory int64
	// ShuffleFileSize is the number of bytes accumulated in the
	// disk-bound buffer before it is written out as one part.
	ShuffleFileSize int64
	// ShuffleParallelIO is the number of spills that may run
	// concurrently.
	ShuffleParallelIO int
	// ShuffleDir is the directory under which shuffles create their
	// part files.
	ShuffleDir string
}

// DefaultOptions contains the default operation options.
var DefaultOptions = Options{
	BufferSize:                64 << 10,
	SendBufferCount:           32,
	ReceiveBufferCount:        32,
	SendQueueDepth:            8,
	ProgressBatch:             1,
	PartitionBatchSize:        1024,
	ShuffleMaxBytesInMemory:   64 << 20,
	ShuffleMaxRecordsInMemory: 1 << 20,
	ShuffleFileSize:           16 << 20,
	ShuffleParallelIO:         2,
	ShuffleDir:                filepath.Join(os.TempDir(), "bigcomm"),
}

// MinBufferSize is the smallest buffer size that fits a full
// header and at least one payload byte.
const MinBufferSize = 32

// Validate checks that the options are usable.
func (o Options) Validate() error {
	switch {
	case o.BufferSize < MinBufferSize:
		return errors.E(errors.Invalid, fmt.Sprintf("buffer size %d is smaller than %d", o.BufferSize, MinBufferSize))
	case o.SendBufferCount < 1:
		return errors.E(errors.Invalid, "at least one send buffer is required")
	case o.ReceiveBufferCount < 1:
		return errors.E(errors.Invalid, "at least one receive buffer is required")
	case o.SendQueueDepth < 1:
		return errors.E(errors.Invalid, "send queue depth must be positive")
	case o.ProgressBatch < 1:
		return errors.E(errors.Invalid, "progress batch must be positive")
	case o.PartitionBatchSize < 1:
		return errors.E(errors.Invalid, "partition batch size must be positive")
	case o.ShuffleMaxBytesInMemory < 0, o.ShuffleMaxRecordsInMemory < 0, o.ShuffleFileSize < 0:
		return errors.E(errors.Invalid, "shuffle thresholds must not be negative")
	case o.ShuffleParallelIO < 1:
		return errors.E(errors.Invalid, "shuffle parallel IO must be positive")
	case o.ShuffleDir == "":
		return errors.E(errors.Invalid, "no shuffle directory")
	}
	return nil
}

// String returns a compact description of the options.
func (o Options) String() string {
	return fmt.Sprintf("buffers:%dx%s recv:%d queue:%d batch:%d partition:%d shuffle(mem:%s/%d file:%s io:%d dir:%s)",
		o.SendBufferCount, data.Size(o.BufferSize), o.ReceiveBufferCount, o.SendQueueDepth,
		o.ProgressBatch, o.PartitionBatchSize, data.Size(o.ShuffleMaxBytesInMemory),
		o.ShuffleMaxRecordsInMemory, data.Size(o.ShuffleFileSize), o.ShuffleParallelIO, o.ShuffleDir)
}
