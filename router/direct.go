// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package router

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/plan"
)

// Direct routes m sources to n targets in two stages. A source
// first hands each message to its own partial receiver (the sender
// route); the partial receiver then forwards batches to the target
// (the partial route), internally when the target is local and
// externally otherwise. Gather and reduce are Direct routers with a
// single target.
type Direct struct {
	plan     *plan.Plan
	sources  []int
	targets  []int
	isSource []bool
	isTarget []bool
	// sender is indexed by source, then target.
	sender  []table
	partial table
	recv    []int
}

// NewDirect returns a Direct router from sources to targets.
func NewDirect(p *plan.Plan, sources, targets []int) (*Direct, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, errors.E(errors.Invalid, "router: no sources or targets")
	}
	d := &Direct{
		plan:     p,
		sources:  sorted(sources),
		targets:  sorted(targets),
		isSource: make([]bool, p.NumTasks()),
		isTarget: make([]bool, p.NumTasks()),
		sender:   make([]table, p.NumTasks()),
		partial:  newTable(p.NumTasks()),
	}
	for _, task := range append(append([]int(nil), sources...), targets...) {
		if _, ok := p.ProcessOf(task); !ok {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("router: task %d is not in %s", task, p))
		}
	}
	for _, s := range d.sources {
		d.isSource[s] = true
	}
	for _, t := range d.targets {
		d.isTarget[t] = true
	}
	if len(p.Local(d.targets)) > 0 {
		for _, proc := range p.Processes(d.sources) {
			if proc != p.Self() {
				d.recv = append(d.recv, proc)
			}
		}
	}
	return d, nil
}

// Plan implements Router.
func (d *Direct) Plan() *plan.Plan { return d.plan }

// Sources implements Router.
func (d *Direct) Sources() []int { return d.sources }

// Targets implements Router.
func (d *Direct) Targets() []int { return d.targets }

// ReceiveProcesses implements Router.
func (d *Direct) ReceiveProcesses() []int { return d.recv }

// Expected implements Router. Every local target expects every
// source.
func (d *Direct) Expected() map[int][]int {
	exp := make(map[int][]int)
	for _, t := range d.plan.Local(d.targets) {
		exp[t] = d.sources
	}
	return exp
}

// IsTarget tells whether task is a target of the router.
func (d *Direct) IsTarget(task int) bool {
	return task >= 0 && task < len(d.isTarget) && d.isTarget[task]
}

// IsSource tells whether task is a source of the router.
func (d *Direct) IsSource(task int) bool {
	return task >= 0 && task < len(d.isSource) && d.isSource[task]
}

// SenderRoute returns the routing of a message that a local source
// sends toward target: it is handed to the source's partial
// receiver.
func (d *Direct) SenderRoute(source, target int) (*Routing, error) {
	if !d.IsSource(source) || !d.plan.IsLocal(source) {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: %d is not a local source", source))
	}
	if !d.IsTarget(target) {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: %d is not a target", target))
	}
	row := d.sender[source]
	if row == nil {
		row = newTable(d.plan.NumTasks())
		d.sender[source] = row
	}
	if r := row.get(target); r != nil {
		return r, nil
	}
	r := &Routing{Destination: target, Internal: []int{source}}
	row.put(target, r)
	return r, nil
}

// PartialRoute returns the routing from a partial receiver in this
// process to target.
func (d *Direct) PartialRoute(target int) (*Routing, error) {
	if r := d.partial.get(target); r != nil {
		return r, nil
	}
	if !d.IsTarget(target) {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: %d is not a target", target))
	}
	r, err := NewRouting(d.plan, target, []int{target})
	if err != nil {
		return nil, err
	}
	d.partial.put(target, r)
	return r, nil
}

func sorted(tasks []int) []int {
	s := append([]int(nil), tasks...)
	sort.Ints(s)
	return s
}
