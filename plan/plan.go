// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package plan provides the logical plan consumed by routers: the
// immutable assignment of task ids to process ids, seen from one
// process.
package plan

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

// A Plan maps task ids to the processes that own them. Task and
// process ids are small non-negative integers; the plan stores its
// mappings in dense arrays indexed by id. Plans are immutable and
// may be shared.
type Plan struct {
	self      int
	procs     []int
	procTasks [][]int
}

// New returns a plan for process self from a task to process
// assignment.
func New(self int, assignment map[int]int) (*Plan, error) {
	p := &Plan{self: self}
	ntask, nproc := 0, self+1
	for task, proc := range assignment {
		if task < 0 || proc < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("plan: negative id in assignment %d->%d", task, proc))
		}
		if task >= ntask {
			ntask = task + 1
		}
		if proc >= nproc {
			nproc = proc + 1
		}
	}
	p.procs = make([]int, ntask)
	for i := range p.procs {
		p.procs[i] = -1
	}
	p.procTasks = make([][]int, nproc)
	for task, proc := range assignment {
		p.procs[task] = proc
	}
	for task, proc := range p.procs {
		if proc >= 0 {
			p.procTasks[proc] = append(p.procTasks[proc], task)
		}
	}
	return p, nil
}

// RoundRobin assigns task i to process i%nproc.
func RoundRobin(self, ntask, nproc int) *Plan {
	assignment := make(map[int]int, ntask)
	for i := 0; i < ntask; i++ {
		assignment[i] = i % nproc
	}
	p, err := New(self, assignment)
	if err != nil {
		panic(err)
	}
	return p
}

// Blocked assigns contiguous ranges of tasks to each process.
func Blocked(self, ntask, nproc int) *Plan {
	assignment := make(map[int]int, ntask)
	for i := 0; i < ntask; i++ {
		assignment[i] = i * nproc / ntask
	}
	p, err := New(self, assignment)
	if err != nil {
		panic(err)
	}
	return p
}

// WithSelf returns the same assignment seen from process self.
func (p *Plan) WithSelf(self int) *Plan {
	q := *p
	q.self = self
	return &q
}

// Self returns the id of the process the plan is seen from.
func (p *Plan) Self() int { return p.self }

// NumTasks returns the size of the task id space.
func (p *Plan) NumTasks() int { return len(p.procs) }

// NumProcesses returns the size of the process id space.
func (p *Plan) NumProcesses() int { return len(p.procTasks) }

// ProcessOf returns the process that owns task.
func (p *Plan) ProcessOf(task int) (int, bool) {
	if task < 0 || task >= len(p.procs) || p.procs[task] < 0 {
		return -1, false
	}
	return p.procs[task], true
}

// IsLocal tells whether task is owned by this process.
func (p *Plan) IsLocal(task int) bool {
	proc, ok := p.ProcessOf(task)
	return ok && proc == p.self
}

// TasksOf returns the tasks owned by proc, in ascending order.
func (p *Plan) TasksOf(proc int) []int {
	if proc < 0 || proc >= len(p.procTasks) {
		return nil
	}
	return p.procTasks[proc]
}

// Local returns the tasks in tasks that are owned by this process,
// in ascending order.
func (p *Plan) Local(tasks []int) []int {
	var local []int
	for _, task := range tasks {
		if p.IsLocal(task) {
			local = append(local, task)
		}
	}
	sort.Ints(local)
	return local
}

// Processes returns the distinct processes owning tasks, in
// ascending order. Unassigned tasks are ignored.
func (p *Plan) Processes(tasks []int) []int {
	seen := make([]bool, len(p.procTasks))
	var procs []int
	for _, task := range tasks {
		proc, ok := p.ProcessOf(task)
		if !ok || seen[proc] {
			continue
		}
		seen[proc] = true
		procs = append(procs, proc)
	}
	sort.Ints(procs)
	return procs
}

// IndexInProcess returns the position of task among the tasks of
// its process.
func (p *Plan) IndexInProcess(task int) int {
	proc, ok := p.ProcessOf(task)
	if !ok {
		return -1
	}
	tasks := p.procTasks[proc]
	return sort.SearchInts(tasks, task)
}

func (p *Plan) String() string {
	return fmt.Sprintf("plan(self:%d tasks:%d procs:%d)", p.self, len(p.procs), len(p.procTasks))
}
