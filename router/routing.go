// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package router computes, for messages of one operation, which
// destination tasks are internal (owned by this process) and which
// are external, and to which processes external messages travel.
// Routers compute each routing once and cache it in dense arrays
// indexed by task id; the logical plan is immutable for the life of
// an operation.
package router

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/plan"
)

// AllTargets is the destination identifier of messages meant for
// every local target of the receiving process.
const AllTargets = -1

// Routing describes where one message goes. Routings are immutable
// and shared.
type Routing struct {
	// Destination is the destination identifier carried in the
	// message header.
	Destination int
	// Internal lists the local destination tasks.
	Internal []int
	// External lists the remote destination tasks.
	External []int

	processes []int
}

// Processes returns the distinct processes owning the external
// destinations, in ascending order. A message is transmitted once
// per process.
func (r *Routing) Processes() []int { return r.processes }

func (r *Routing) String() string {
	return fmt.Sprintf("routing(dest:%d internal:%v external:%v)", r.Destination, r.Internal, r.External)
}

// NewRouting splits tasks into internal and external destinations
// according to p. A task with no owning process is a fatal routing
// error.
func NewRouting(p *plan.Plan, destination int, tasks []int) (*Routing, error) {
	r := &Routing{Destination: destination}
	for _, task := range tasks {
		proc, ok := p.ProcessOf(task)
		switch {
		case !ok:
			return nil, errors.E(errors.Fatal, fmt.Sprintf("router: no route to task %d in %s", task, p))
		case proc == p.Self():
			r.Internal = append(r.Internal, task)
		default:
			r.External = append(r.External, task)
		}
	}
	r.processes = p.Processes(r.External)
	return r, nil
}

// A Router is the routing policy of one collective operation.
type Router interface {
	// Plan returns the plan the router routes with.
	Plan() *plan.Plan
	// Sources returns all source tasks of the operation.
	Sources() []int
	// Targets returns all target tasks of the operation.
	Targets() []int
	// ReceiveProcesses returns the processes this process receives
	// external messages from.
	ReceiveProcesses() []int
	// Expected returns, for each local target, the sources whose
	// end of stream the target waits for.
	Expected() map[int][]int
}

// table is a dense cache of routings indexed by task id.
type table []*Routing

func newTable(n int) table { return make(table, n) }

func (t table) get(i int) *Routing {
	if i < 0 || i >= len(t) {
		return nil
	}
	return t[i]
}

func (t table) put(i int, r *Routing) {
	if i >= 0 && i < len(t) {
		t[i] = r
	}
}

func contains(tasks []int, task int) bool {
	for _, t := range tasks {
		if t == task {
			return true
		}
	}
	return false
}
