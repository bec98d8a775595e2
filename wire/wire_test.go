// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"encoding/gob"
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestHeader(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	p := make([]byte, HeaderSize)
	for i := 0; i < 100; i++ {
		var (
			h      Header
			s, d   int32
			e, n   uint16
			tuples int16
		)
		fz.Fuzz(&s)
		fz.Fuzz(&d)
		fz.Fuzz(&e)
		fz.Fuzz(&n)
		fz.Fuzz(&tuples)
		fz.Fuzz(&h.Flags)
		h.Source, h.Destination, h.Edge, h.Length = int(s), int(d), int(e), int(n)
		h.Tuples = int(tuples)
		if h.Tuples < SingleObject {
			h.Tuples = SingleObject
		}
		h.Encode(p)
		got, err := DecodeHeader(p)
		if err != nil {
			t.Fatal(err)
		}
		if got != h {
			t.Fatalf("got %+v, want %+v", got, h)
		}
	}
	if _, err := DecodeHeader(p[:HeaderSize-1]); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
}

func TestLastFlag(t *testing.T) {
	first := make([]byte, HeaderSize+8)
	Header{Source: 1, Length: 8}.Encode(first)
	if IsLast(first, true) {
		t.Error("flag set on fresh header")
	}
	SetLast(first, true)
	if !IsLast(first, true) {
		t.Error("flag not set")
	}
	if got, want := first[HeaderSize-1], byte(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	h, err := DecodeHeader(first)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := h.Length, 8; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	next := make([]byte, ShortHeaderSize+8)
	EncodeShort(next, 7)
	if IsLast(next, false) {
		t.Error("flag set on fresh short header")
	}
	SetLast(next, false)
	if got, want := next[ShortHeaderSize-1], byte(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	src, err := DecodeShort(next)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := src, 7; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFlags(t *testing.T) {
	f := End | OriginPartial
	if !f.Has(End) || f.Has(OriginSender) || !f.Has(End|OriginPartial) {
		t.Errorf("bad flag set %v", f)
	}
	if got, want := f.String(), "End|OriginPartial"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := Flags(0).String(), "0"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

type point struct{ X, Y int }

func init() {
	gob.Register(point{})
}

func TestTypes(t *testing.T) {
	for _, c := range []struct {
		typ Type
		val interface{}
	}{
		{Int32, int32(-7)},
		{Int64, int64(1 << 40)},
		{Int, -12345},
		{Float64, 3.25},
		{String, "hello, world"},
		{Bytes, []byte{1, 2, 3}},
		{Int64s, []int64{1, -2, 3}},
		{Float64s, []float64{0.5, -1.5}},
		{Object, point{1, 2}},
		{Object, []string{"a", "b"}},
	} {
		p, err := c.typ.Pack(c.val)
		if err != nil {
			t.Errorf("%s: %v", c.typ.Name(), err)
			continue
		}
		v, err := c.typ.Unpack(p)
		if err != nil {
			t.Errorf("%s: %v", c.typ.Name(), err)
			continue
		}
		if !reflect.DeepEqual(v, c.val) {
			t.Errorf("%s: got %v, want %v", c.typ.Name(), v, c.val)
		}
	}
}

func TestTypeErrors(t *testing.T) {
	if _, err := Int64.Pack("x"); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := Float64.Unpack([]byte{1, 2}); !errors.Is(errors.Invalid, err) {
		t.Errorf("expected invalid error, got %v", err)
	}
	if _, err := Object.Unpack([]byte{0xff, 0xff}); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestBytesUnpackCopies(t *testing.T) {
	p := []byte{1, 2, 3}
	v, err := Bytes.Unpack(p)
	if err != nil {
		t.Fatal(err)
	}
	p[0] = 9
	if got, want := v.([]byte)[0], byte(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
