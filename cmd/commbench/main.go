// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Commbench runs a collective operation among simulated processes
// connected by an in-process network and reports its throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/collective"
	"github.com/grailbio/bigcomm/commconfig"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/plan"
	"github.com/grailbio/bigcomm/shuffle"
	"github.com/grailbio/bigcomm/stats"
	"github.com/grailbio/bigcomm/wire"
)

type operation interface {
	Progress() error
	IsComplete() bool
	Finish(source int) error
	Stats() stats.Values
	Metrics(scope *metrics.Scope)
}

// delivered counts the values delivered to targets.
var delivered int64

type counter struct{}

func (counter) Receive(source, target int, value interface{}) bool {
	atomic.AddInt64(&delivered, 1)
	return true
}

type bulkCounter struct{}

func (bulkCounter) Receive(target int, it collective.Iterator) bool {
	for it.Scan() {
		atomic.AddInt64(&delivered, 1)
	}
	must.Nil(it.Err())
	return true
}

type valueCounter struct{}

func (valueCounter) Receive(target int, value interface{}) bool {
	atomic.AddInt64(&delivered, 1)
	return true
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: commbench [flags]

Commbench runs one collective operation among -procs simulated
processes, each owning -tasks/-procs tasks. Every task is a source
and sends -n values. Available operations are broadcast, gather,
allgather, partition, reduce, keyed, keyedgather and keyedreduce.
`)
		flag.PrintDefaults()
		os.Exit(2)
	}
	var (
		nproc = flag.Int("procs", 4, "number of processes")
		ntask = flag.Int("tasks", 16, "number of tasks")
		n     = flag.Int("n", 10000, "values sent by each source")
		name  = flag.String("op", "partition", "operation to run")
	)
	opts := commconfig.Parse()
	log.Printf("commbench: %s over %d processes, %d tasks: %s", *name, *nproc, *ntask, opts)

	var (
		ctx   = context.Background()
		net   = channel.NewNetwork(opts.SendBufferCount)
		tasks = make([]int, *ntask)
		recv  bulkCounter
		start = time.Now()
	)
	for i := range tasks {
		tasks[i] = i
	}
	ops := make([]operation, *nproc)
	for proc := range ops {
		var (
			p    = plan.RoundRobin(proc, *ntask, *nproc)
			comm = collective.NewComm(net.Endpoint(proc), p, opts)
			err  error
		)
		switch *name {
		case "broadcast":
			ops[proc], err = collective.NewBroadcast(comm, tasks[:1], tasks, wire.Int64, counter{})
		case "gather":
			ops[proc], err = collective.NewGather(ctx, comm, tasks, 0, wire.Int64, recv)
		case "allgather":
			ops[proc], err = collective.NewAllGather(ctx, comm, tasks, tasks, wire.Int64, recv)
		case "partition":
			ops[proc], err = collective.NewPartition(ctx, comm, tasks, tasks, wire.Int64, nil, recv)
		case "reduce":
			ops[proc], err = collective.NewReduce(comm, tasks, 0, wire.Int64, sum, valueCounter{})
		case "keyed":
			config := collective.KeyedConfig{Name: "commbench", KeyType: wire.Int64, Type: wire.Int64}
			ops[proc], err = collective.NewKeyedPartition(ctx, comm, tasks, tasks, config, recv)
		case "keyedgather":
			config := collective.KeyedConfig{Name: "commbench", KeyType: wire.Int64, Type: wire.Int64}
			ops[proc], err = collective.NewKeyedGather(ctx, comm, tasks, 0, config, recv)
		case "keyedreduce":
			config := collective.KeyedConfig{Name: "commbench", KeyType: wire.Int64, Type: wire.Int64}
			ops[proc], err = collective.NewKeyedReduce(ctx, comm, tasks, tasks, config, sum, recv)
		default:
			log.Fatalf("unknown operation %s", *name)
		}
		must.Nil(err, *name)
	}
	err := traverse.Each(*nproc, func(proc int) error {
		op := ops[proc]
		for _, source := range plan.RoundRobin(proc, *ntask, *nproc).Local(tasks) {
			if *name == "broadcast" && source != 0 {
				continue
			}
			for i := 0; i < *n; i++ {
				v := int64(source)<<32 | int64(i)
				for {
					ok, err := send(op, source, v)
					if err != nil {
						return err
					}
					if ok {
						break
					}
					if err := op.Progress(); err != nil {
						return err
					}
				}
			}
			if err := op.Finish(source); err != nil {
				return err
			}
		}
		for !op.IsComplete() {
			if err := op.Progress(); err != nil {
				return err
			}
			runtime.Gosched()
		}
		return nil
	})
	must.Nil(err)
	elapsed := time.Since(start)
	var (
		total = make(stats.Values)
		scope metrics.Scope
	)
	for _, op := range ops {
		total.Merge(op.Stats())
		op.Metrics(&scope)
		switch op := op.(type) {
		case interface{ Close() error }:
			must.Nil(op.Close())
		case interface{ Close() }:
			op.Close()
		}
	}
	sent := total["bytes.sent"]
	log.Printf("commbench: %d values delivered in %s; %s sent (%s/s)", atomic.LoadInt64(&delivered), elapsed,
		data.Size(sent), data.Size(int64(float64(sent)/elapsed.Seconds())))
	log.Printf("commbench: %s", total)
	log.Printf("commbench: buffers: %d acquired, at most %d in use", buffer.Acquired.Value(&scope), buffer.InUse.Max(&scope))
	if spills := shuffle.Spills.Value(&scope); spills > 0 {
		log.Printf("commbench: shuffles: %d spills, %d records, %s", spills,
			shuffle.SpilledRecords.Value(&scope), data.Size(shuffle.SpilledBytes.Value(&scope)))
	}
}

func sum(a, b interface{}) interface{} { return a.(int64) + b.(int64) }

func send(op operation, source int, v int64) (bool, error) {
	switch op := op.(type) {
	case *collective.Broadcast:
		return op.Broadcast(source, v)
	case *collective.Gather:
		return op.Gather(source, v)
	case *collective.AllGather:
		return op.Gather(source, v)
	case *collective.Partition:
		return op.Partition(source, v)
	case *collective.Reduce:
		return op.Reduce(source, v)
	case *collective.KeyedPartition:
		return op.Partition(source, v%1024, v)
	case *collective.KeyedGather:
		return op.Gather(source, v%1024, v)
	case *collective.KeyedReduce:
		return op.Reduce(source, v%1024, v)
	}
	panic(op)
}
