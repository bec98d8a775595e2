// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package metrics defines counters and gauges that are instantiated
// per scope. Components that own resources (buffer pools, shuffles)
// carry a scope, and callers read metric values from it.
package metrics

import (
	"sync"
	"sync/atomic"
)

var (
	mu sync.Mutex
	// metrics holds every registered metric by id. Index 0 is
	// reserved so that zero-valued metrics are never mistaken for
	// registered ones.
	metrics = []Metric{nil}
)

func newMetric(makeMetric func(id int) Metric) {
	mu.Lock()
	metrics = append(metrics, makeMetric(len(metrics)))
	mu.Unlock()
}

func lookup(id int) Metric {
	mu.Lock()
	defer mu.Unlock()
	return metrics[id]
}

// Metric is implemented by the metric types in this package.
type Metric interface {
	metricID() int
	newInstance() interface{}
	merge(x, y interface{})
}

// A Counter is a monotonically increasing count.
type Counter struct {
	id int
}

// NewCounter registers and returns a new counter.
func NewCounter() Counter {
	var c Counter
	newMetric(func(id int) Metric {
		c.id = id
		return c
	})
	return c
}

// Value returns the counter's value in the provided scope.
func (c Counter) Value(scope *Scope) int64 {
	return atomic.LoadInt64(scope.instance(c).(*int64))
}

// Incr increments the counter in the provided scope by n.
func (c Counter) Incr(scope *Scope, n int64) {
	atomic.AddInt64(scope.instance(c).(*int64), n)
}

func (c Counter) metricID() int { return c.id }

func (c Counter) newInstance() interface{} { return new(int64) }

func (c Counter) merge(x, y interface{}) {
	atomic.AddInt64(x.(*int64), atomic.LoadInt64(y.(*int64)))
}

// A Gauge tracks a current level and the highest level it has
// reached.
type Gauge struct {
	id int
}

type gauge struct {
	mu       sync.Mutex
	cur, max int64
}

// NewGauge registers and returns a new gauge.
func NewGauge() Gauge {
	var g Gauge
	newMetric(func(id int) Metric {
		g.id = id
		return g
	})
	return g
}

// Add moves the gauge's level by delta in the provided scope.
func (g Gauge) Add(scope *Scope, delta int64) {
	inst := scope.instance(g).(*gauge)
	inst.mu.Lock()
	inst.cur += delta
	if inst.cur > inst.max {
		inst.max = inst.cur
	}
	inst.mu.Unlock()
}

// Value returns the gauge's current level.
func (g Gauge) Value(scope *Scope) int64 {
	inst := scope.instance(g).(*gauge)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.cur
}

// Max returns the highest level the gauge has reached.
func (g Gauge) Max(scope *Scope) int64 {
	inst := scope.instance(g).(*gauge)
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.max
}

func (g Gauge) metricID() int { return g.id }

func (g Gauge) newInstance() interface{} { return new(gauge) }

// merge sums levels; the merged maximum is the larger of the two.
func (g Gauge) merge(x, y interface{}) {
	gx, gy := x.(*gauge), y.(*gauge)
	gy.mu.Lock()
	cur, max := gy.cur, gy.max
	gy.mu.Unlock()
	gx.mu.Lock()
	gx.cur += cur
	if max > gx.max {
		gx.max = max
	}
	gx.mu.Unlock()
}
