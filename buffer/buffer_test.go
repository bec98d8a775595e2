// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package buffer

import (
	"sync"
	"testing"
)

func TestPool(t *testing.T) {
	p := NewPool(2, 16)
	a, b := p.Get(), p.Get()
	if a == nil || b == nil {
		t.Fatal("expected two buffers")
	}
	if p.Get() != nil {
		t.Error("expected exhausted pool")
	}
	if got, want := p.Available(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := InUse.Value(p.Scope()), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.SetLen(3)
	if got, want := len(a.Bytes()), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	a.Release()
	if got, want := p.Available(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	c := p.Get()
	if c != a {
		t.Error("expected buffer reuse")
	}
	if got, want := c.Len(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Release()
	c.Release()
	if got, want := p.Available(), p.Total(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Acquired.Value(p.Scope()), int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := InUse.Max(p.Scope()), int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRefCount(t *testing.T) {
	p := NewPool(1, 8)
	b := p.Get()
	b.Retain()
	b.Retain()
	if got, want := b.Refs(), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Release()
	b.Release()
	if got, want := p.Available(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b.Release()
	if got, want := p.Available(), 1; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestOverRelease(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	b := New(4)
	b.Release()
	b.Release()
}

func TestPoolConcurrent(t *testing.T) {
	const (
		n       = 4
		workers = 8
		rounds  = 1000
	)
	p := NewPool(n, 8)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				if b := p.Get(); b != nil {
					b.Retain()
					b.Release()
					b.Release()
				}
			}
		}()
	}
	wg.Wait()
	if got, want := p.Available(), n; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestClose(t *testing.T) {
	p := NewPool(2, 8)
	b := p.Get()
	p.Close()
	if p.Get() != nil {
		t.Error("expected nil buffer from closed pool")
	}
	b.Release()
	if got, want := p.Available(), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
