// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

import (
	"reflect"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/wire"
)

// serialize encodes payload into buffers of the given size.
func serialize(t *testing.T, size int, payload interface{}, typ, keyType wire.Type) (wire.Header, []*buffer.Buffer) {
	t.Helper()
	m := newOutMessage(3, 9, 9, wire.OriginSender, payload, &router.Routing{Destination: 5}, false)
	m.state = SentInternally
	if err := m.encode(typ, keyType); err != nil {
		t.Fatal(err)
	}
	for !m.serialized() {
		m.fill(buffer.New(size))
	}
	if m.state != HeaderBuilt {
		t.Fatalf("got %v, want %v", m.state, HeaderBuilt)
	}
	return m.header, m.pending
}

func assemble(t *testing.T, bufs []*buffer.Buffer, keyed bool) *InMessage {
	t.Helper()
	h, err := wire.DecodeHeader(bufs[0].Bytes())
	if err != nil {
		t.Fatal(err)
	}
	return newInMessage(1, h, keyed)
}

func TestMessageRoundTrip(t *testing.T) {
	fz := fuzz.NewWithSeed(1)
	fz.NilChance(0)
	for _, size := range []int{32, 33, 64, 1024} {
		for i := 0; i < 20; i++ {
			var (
				strs    []string
				payload []interface{}
			)
			fz.NumElements(0, 50).Fuzz(&strs)
			for _, s := range strs {
				payload = append(payload, s)
			}
			_, bufs := serialize(t, size, payload, wire.String, nil)
			m := assemble(t, bufs, false)
			for j, buf := range bufs {
				if got, want := m.add(buf), j == len(bufs)-1; got != want {
					t.Fatalf("buffer %d/%d: got last %v, want %v", j, len(bufs), got, want)
				}
				done, err := m.deserialize(wire.String, nil)
				if err != nil {
					t.Fatal(err)
				}
				if got, want := done, j == len(bufs)-1; got != want {
					t.Fatalf("buffer %d/%d: got done %v, want %v", j, len(bufs), got, want)
				}
			}
			got := m.Payload()
			if len(payload) == 0 {
				if got, ok := got.([]interface{}); !ok || got == nil || len(got) != 0 {
					t.Errorf("got %#v, want empty aggregate", got)
				}
				continue
			}
			if !reflect.DeepEqual(got, payload) {
				t.Errorf("size %d: got %v, want %v", size, got, payload)
			}
		}
	}
}

func TestMessageKeyed(t *testing.T) {
	payload := []interface{}{
		wire.Tuple{Key: int64(1), Value: "one"},
		wire.Tuple{Key: int64(2), Value: "two"},
		wire.Tuple{Key: int64(-3), Value: ""},
	}
	_, bufs := serialize(t, 40, payload, wire.String, wire.Int64)
	m := assemble(t, bufs, true)
	for _, buf := range bufs {
		m.add(buf)
	}
	done, err := m.deserialize(wire.String, wire.Int64)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("message not done")
	}
	if got, want := m.Payload(), interface{}(payload); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMessageSingleObject(t *testing.T) {
	h, bufs := serialize(t, 32, int64(42), wire.Int64, nil)
	if got, want := h.Tuples, wire.SingleObject; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m := assemble(t, bufs, false)
	for _, buf := range bufs {
		m.add(buf)
	}
	if _, err := m.deserialize(wire.Int64, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Payload(), interface{}(int64(42)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMessageEmptyAggregate(t *testing.T) {
	h, bufs := serialize(t, 32, []interface{}{}, wire.Int64, nil)
	if got, want := h.Tuples, 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !h.Flags.Has(wire.Aggregate) {
		t.Errorf("flags %v: aggregate not set", h.Flags)
	}
	m := assemble(t, bufs, false)
	for _, buf := range bufs {
		m.add(buf)
	}
	if _, err := m.deserialize(wire.Int64, nil); err != nil {
		t.Fatal(err)
	}
	if got, want := m.Payload(), interface{}([]interface{}{}); !reflect.DeepEqual(got, want) {
		t.Errorf("got %#v, want %#v", got, want)
	}

	// Empty messages still carry a nil payload.
	h, bufs = serialize(t, 32, nil, wire.Int64, nil)
	if h.Flags.Has(wire.Aggregate) {
		t.Errorf("flags %v: aggregate set", h.Flags)
	}
	m = assemble(t, bufs, false)
	for _, buf := range bufs {
		m.add(buf)
	}
	if _, err := m.deserialize(wire.Int64, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.Payload(); got != nil {
		t.Errorf("got %#v, want nil", got)
	}
}

func TestMessageTooLong(t *testing.T) {
	save := maxMessageLength
	maxMessageLength = 64
	defer func() { maxMessageLength = save }()

	m := newOutMessage(3, 9, 9, wire.OriginSender, make([]byte, 100), &router.Routing{Destination: 5}, false)
	m.state = SentInternally
	if err := m.encode(wire.Bytes, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	m = newOutMessage(3, 9, 9, wire.OriginSender, []interface{}{make([]byte, 30), make([]byte, 30)}, &router.Routing{Destination: 5}, false)
	m.state = SentInternally
	if err := m.encode(wire.Bytes, nil); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	m = newOutMessage(3, 9, 9, wire.OriginSender, make([]byte, 10), &router.Routing{Destination: 5}, false)
	m.state = SentInternally
	if err := m.encode(wire.Bytes, nil); err != nil {
		t.Error(err)
	}
}

func TestMessageLastBuffer(t *testing.T) {
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, bufs := serialize(t, 64, payload, wire.Bytes, nil)
	if len(bufs) < 3 {
		t.Fatalf("got %d buffers, want at least 3", len(bufs))
	}
	for i, buf := range bufs {
		if got, want := wire.IsLast(buf.Bytes(), i == 0), i == len(bufs)-1; got != want {
			t.Errorf("buffer %d: got last %v, want %v", i, got, want)
		}
	}

	// Setting the flag early truncates the message.
	wire.SetLast(bufs[1].Bytes(), false)
	m := assemble(t, bufs, false)
	if m.add(bufs[0]) {
		t.Fatal("first buffer completed the message")
	}
	if !m.add(bufs[1]) {
		t.Fatal("flagged buffer did not complete the message")
	}
	if got, want := m.State(), Built; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	_, err := m.deserialize(wire.Bytes, nil)
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
	for _, buf := range bufs {
		if buf.Refs() > 1 {
			t.Errorf("buffer retained: %d refs", buf.Refs())
		}
	}
}

func TestMessageReleasesBuffers(t *testing.T) {
	pool := buffer.NewPool(2, 48)
	payload := make([]byte, 300)
	_, bufs := serialize(t, 48, payload, wire.Bytes, nil)
	m := assemble(t, bufs, false)
	for i, src := range bufs {
		buf := pool.Get()
		if buf == nil {
			t.Fatalf("buffer %d: pool exhausted", i)
		}
		buf.SetLen(copy(buf.Data(), src.Bytes()))
		m.add(buf)
		if _, err := m.deserialize(wire.Bytes, nil); err != nil {
			t.Fatal(err)
		}
		if got, want := pool.Available(), 2; got != want {
			t.Fatalf("buffer %d: got %v available, want %v", i, got, want)
		}
	}
	if got, want := m.Payload(), interface{}(payload); !reflect.DeepEqual(got, want) {
		t.Errorf("payload mismatch")
	}
}

func TestSendStateTransitions(t *testing.T) {
	var s SendState
	s.advance(SentInternally)
	s.advance(Finished)
	if got, want := s.String(), "FINISHED"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	s = SendInit
	s.advance(Serialized)
}

func TestTracker(t *testing.T) {
	tr := newTracker()
	for _, id := range []int{1, 2, 3} {
		tr.add(id)
	}
	tr.add(2)
	if got, want := tr.len(), 3; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var order []int
	tr.each(func(id int) bool {
		order = append(order, id)
		return id != 2
	})
	if got, want := order, []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	order = nil
	tr.each(func(id int) bool {
		order = append(order, id)
		return true
	})
	if got, want := order, []int{3, 1}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}
