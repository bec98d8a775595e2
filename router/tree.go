// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package router

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/plan"
)

// A graph is a directed graph over node indices.
type graph struct {
	nexts [][]int
	prevs [][]int
}

func newGraph(n int) *graph {
	return &graph{nexts: make([][]int, n), prevs: make([][]int, n)}
}

func (g *graph) addEdge(i, j int) {
	g.nexts[i] = append(g.nexts[i], j)
	g.prevs[j] = append(g.prevs[j], i)
}

// binaryTree returns the binary tree over k nodes in which node i
// has children 2i+1 and 2i+2.
func binaryTree(k int) *graph {
	g := newGraph(k)
	for i := 0; i < k; i++ {
		if j := 2*i + 1; j < k {
			g.addEdge(i, j)
		}
		if j := 2*i + 2; j < k {
			g.addEdge(i, j)
		}
	}
	return g
}

// broadcastTree is the process tree of one broadcast source.
type broadcastTree struct {
	// procs lists the processes of the tree; procs[0] owns the
	// source.
	procs []int
	index map[int]int
	g     *graph
}

func (t *broadcastTree) children(proc int) []int {
	i, ok := t.index[proc]
	if !ok {
		return nil
	}
	var children []int
	for _, j := range t.g.nexts[i] {
		children = append(children, t.procs[j])
	}
	return children
}

func (t *broadcastTree) parent(proc int) (int, bool) {
	i, ok := t.index[proc]
	if !ok || len(t.g.prevs[i]) == 0 {
		return -1, false
	}
	return t.procs[t.g.prevs[i][0]], true
}

// Tree routes broadcasts. Each source owns a binary tree over the
// processes involved: the root is the source's process, the
// remaining nodes are the processes owning targets, in ascending
// order. A process delivers a broadcast to its local targets and
// forwards it to its children.
type Tree struct {
	plan    *plan.Plan
	sources []int
	targets []int
	local   []int
	trees   map[int]*broadcastTree
	routes  table
	forward table
	recv    []int
}

// NewTree returns a broadcast router from sources to targets.
func NewTree(p *plan.Plan, sources, targets []int) (*Tree, error) {
	if len(sources) == 0 || len(targets) == 0 {
		return nil, errors.E(errors.Invalid, "router: no sources or targets")
	}
	t := &Tree{
		plan:    p,
		sources: sorted(sources),
		targets: sorted(targets),
		local:   p.Local(targets),
		trees:   make(map[int]*broadcastTree),
		routes:  newTable(p.NumTasks()),
		forward: newTable(p.NumTasks()),
	}
	targetProcs := p.Processes(targets)
	for _, target := range targets {
		if _, ok := p.ProcessOf(target); !ok {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("router: target %d is not in %s", target, p))
		}
	}
	recv := make(map[int]bool)
	for _, source := range t.sources {
		root, ok := p.ProcessOf(source)
		if !ok {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("router: source %d is not in %s", source, p))
		}
		tree := &broadcastTree{procs: []int{root}, index: map[int]int{root: 0}}
		for _, proc := range targetProcs {
			if proc != root {
				tree.index[proc] = len(tree.procs)
				tree.procs = append(tree.procs, proc)
			}
		}
		tree.g = binaryTree(len(tree.procs))
		t.trees[source] = tree
		if parent, ok := tree.parent(p.Self()); ok {
			recv[parent] = true
		}
	}
	for _, proc := range sortedKeys(recv) {
		t.recv = append(t.recv, proc)
	}
	return t, nil
}

// Plan implements Router.
func (t *Tree) Plan() *plan.Plan { return t.plan }

// Sources implements Router.
func (t *Tree) Sources() []int { return t.sources }

// Targets implements Router.
func (t *Tree) Targets() []int { return t.targets }

// ReceiveProcesses implements Router.
func (t *Tree) ReceiveProcesses() []int { return t.recv }

// Expected implements Router.
func (t *Tree) Expected() map[int][]int {
	exp := make(map[int][]int)
	for _, target := range t.local {
		exp[target] = t.sources
	}
	return exp
}

// Route returns the routing of a broadcast from a local source:
// its local targets and one representative target in each child
// process.
func (t *Tree) Route(source int) (*Routing, error) {
	if r := t.routes.get(source); r != nil {
		return r, nil
	}
	if !t.plan.IsLocal(source) || t.trees[source] == nil {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: %d is not a local broadcast source", source))
	}
	r, err := t.route(source)
	if err != nil {
		return nil, err
	}
	t.routes.put(source, r)
	return r, nil
}

// Forward returns the routing with which this process relays a
// broadcast from source that arrived from its parent.
func (t *Tree) Forward(source int) (*Routing, error) {
	if r := t.forward.get(source); r != nil {
		return r, nil
	}
	tree := t.trees[source]
	if tree == nil {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: unexpected broadcast source %d", source))
	}
	if _, ok := tree.parent(t.plan.Self()); !ok {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("router: process %d does not relay broadcasts from %d", t.plan.Self(), source))
	}
	r, err := t.route(source)
	if err != nil {
		return nil, err
	}
	t.forward.put(source, r)
	return r, nil
}

func (t *Tree) route(source int) (*Routing, error) {
	tasks := append([]int(nil), t.local...)
	for _, child := range t.trees[source].children(t.plan.Self()) {
		rep, ok := t.representative(child)
		if !ok {
			return nil, errors.E(errors.Fatal, fmt.Sprintf("router: process %d has no broadcast target", child))
		}
		tasks = append(tasks, rep)
	}
	return NewRouting(t.plan, AllTargets, tasks)
}

// representative returns the lowest target owned by proc.
func (t *Tree) representative(proc int) (int, bool) {
	for _, target := range t.targets {
		if owner, _ := t.plan.ProcessOf(target); owner == proc {
			return target, true
		}
	}
	return -1, false
}

// Children returns the processes this process forwards broadcasts
// from source to.
func (t *Tree) Children(source int) []int {
	if tree := t.trees[source]; tree != nil {
		return tree.children(t.plan.Self())
	}
	return nil
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return sorted(keys)
}
