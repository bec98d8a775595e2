// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package metrics

import "sync"

// Scope is a collection of metric instances. The zero Scope is
// empty and ready to use.
type Scope struct {
	mu        sync.Mutex
	instances []interface{}
}

// Merge merges instances from Scope u into Scope s.
func (s *Scope) Merge(u *Scope) {
	u.mu.Lock()
	list := append([]interface{}(nil), u.instances...)
	u.mu.Unlock()
	for id, inst := range list {
		if inst == nil {
			continue
		}
		m := lookup(id)
		m.merge(s.instance(m), inst)
	}
}

// instance returns the instance of metric m in scope s, creating it
// if needed.
func (s *Scope) instance(m Metric) interface{} {
	id := m.metricID()
	if id == 0 {
		panic("metrics: metric used before registration")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.instances) <= id {
		s.instances = append(s.instances, nil)
	}
	if s.instances[id] == nil {
		s.instances[id] = m.newInstance()
	}
	return s.instances[id]
}
