// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commconfig provides bigcomm operation options from a
// shared configuration. It registers the "bigcomm" instance with
// package github.com/grailbio/base/config and reads a default profile
// from $HOME/.bigcomm/config.
package commconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcomm"
)

// Path determines the location of the bigcomm profile read by
// Parse.
var Path = os.ExpandEnv("$HOME/.bigcomm/config")

func init() {
	config.Register("bigcomm", func(inst *config.Constructor) {
		var (
			opts       = bigcomm.DefaultOptions
			memBytes   = int(opts.ShuffleMaxBytesInMemory)
			memRecords = int(opts.ShuffleMaxRecordsInMemory)
			fileSize   = int(opts.ShuffleFileSize)
		)
		inst.IntVar(&opts.BufferSize, "buffer-size", opts.BufferSize, "size of each wire buffer, in bytes")
		inst.IntVar(&opts.SendBufferCount, "send-buffers", opts.SendBufferCount, "number of send buffers per operation")
		inst.IntVar(&opts.ReceiveBufferCount, "receive-buffers", opts.ReceiveBufferCount, "number of receive buffers per peer process")
		inst.IntVar(&opts.SendQueueDepth, "queue-depth", opts.SendQueueDepth, "pending messages allowed per source")
		inst.IntVar(&opts.ProgressBatch, "progress-batch", opts.ProgressBatch, "messages handled per phase of a progress call")
		inst.IntVar(&opts.PartitionBatchSize, "partition-batch", opts.PartitionBatchSize, "values grouped into one partition message")
		inst.IntVar(&memBytes, "shuffle-memory", memBytes, "record bytes a shuffle keeps in memory")
		inst.IntVar(&memRecords, "shuffle-records", memRecords, "records a shuffle keeps in memory; 0 disables the limit")
		inst.IntVar(&fileSize, "shuffle-file-size", fileSize, "bytes written to each shuffle part")
		inst.IntVar(&opts.ShuffleParallelIO, "shuffle-io", opts.ShuffleParallelIO, "concurrent shuffle part writes")
		inst.StringVar(&opts.ShuffleDir, "shuffle-dir", opts.ShuffleDir, "directory for shuffle parts")
		inst.Doc = "bigcomm configures the buffers, queues and shuffles of bigcomm operations"
		inst.New = func() (interface{}, error) {
			opts := opts
			opts.ShuffleMaxBytesInMemory = int64(memBytes)
			opts.ShuffleMaxRecordsInMemory = int64(memRecords)
			opts.ShuffleFileSize = int64(fileSize)
			if err := opts.Validate(); err != nil {
				return nil, err
			}
			return &opts, nil
		}
	})
}

// Parse registers configuration flags and calls flag.Parse. It
// reads the profile at Path and returns the options configured by
// the profile and any flags provided. Parse panics if the options
// are invalid.
func Parse() bigcomm.Options {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var opts *bigcomm.Options
	config.Must("bigcomm", &opts)
	return *opts
}
