// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package plan

import (
	"reflect"
	"testing"

	"github.com/grailbio/base/errors"
)

func TestRoundRobin(t *testing.T) {
	p := RoundRobin(1, 5, 2)
	if got, want := p.NumTasks(), 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.NumProcesses(), 2; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.TasksOf(1), []int{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !p.IsLocal(3) || p.IsLocal(2) {
		t.Error("bad locality")
	}
	if got, want := p.Local([]int{4, 3, 1, 0}), []int{1, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.Processes([]int{4, 2, 0}), []int{0}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.IndexInProcess(3), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	q := p.WithSelf(0)
	if !q.IsLocal(2) || q.IsLocal(3) || p.Self() != 1 {
		t.Error("bad WithSelf")
	}
}

func TestBlocked(t *testing.T) {
	p := Blocked(0, 4, 2)
	if got, want := p.TasksOf(0), []int{0, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := p.TasksOf(1), []int{2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnassigned(t *testing.T) {
	p, err := New(0, map[int]int{0: 0, 3: 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, task := range []int{-1, 1, 2, 4} {
		if _, ok := p.ProcessOf(task); ok {
			t.Errorf("task %d: expected no process", task)
		}
	}
	if _, err := New(0, map[int]int{-1: 0}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}
