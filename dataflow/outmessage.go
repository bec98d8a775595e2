// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/wire"
)

// SerializeState is the serialization cursor of an OutMessage.
type SerializeState struct {
	// Object is the index of the object being written.
	Object int
	// Written is the number of bytes of the current object (including
	// its length prefixes) already written.
	Written int
	// Mid tells whether the current object spans buffers.
	Mid bool
}

// An OutMessage is the send-side state of one logical message. It
// is created by Send or SendPartial and retired once every internal
// destination accepted it and every external process accepted every
// one of its buffers.
type OutMessage struct {
	Source, Edge, Path int
	Flags              wire.Flags
	Payload            interface{}
	Routing            *router.Routing

	state SendState
	// partial is set for messages sent by a partial receiver; their
	// internal deliveries go to the final receiver.
	partial bool
	// internalAccepted counts internal destinations that accepted
	// the message.
	internalAccepted int

	header wire.Header
	// objects holds the encoded objects, length prefixes included.
	objects [][]byte
	cursor  SerializeState
	nbuf    int

	// pending holds filled buffers that some process has not yet
	// accepted; pending[0] is buffer number base.
	pending []*buffer.Buffer
	base    int
	// accepted counts, per external process (in the order of
	// Routing.Processes), the buffers the transport accepted.
	accepted []int
}

func newOutMessage(source, edge, path int, flags wire.Flags, payload interface{}, r *router.Routing, partial bool) *OutMessage {
	return &OutMessage{
		Source:   source,
		Edge:     edge,
		Path:     path,
		Flags:    flags,
		Payload:  payload,
		Routing:  r,
		partial:  partial,
		accepted: make([]int, len(r.Processes())),
	}
}

// State returns the message's state.
func (m *OutMessage) State() SendState { return m.state }

// Cursor returns the message's serialization cursor.
func (m *OutMessage) Cursor() SerializeState { return m.cursor }

// maxMessageLength bounds the encoded body of a message. Headers
// carry the length as a 32-bit signed integer.
var maxMessageLength int64 = math.MaxInt32

// encode builds the header and encodes the payload.
func (m *OutMessage) encode(dataType, keyType wire.Type) error {
	h := wire.Header{
		Source:      m.Source,
		Destination: m.Routing.Destination,
		Edge:        m.Edge,
		Flags:       m.Flags,
		Tuples:      wire.SingleObject,
	}
	switch payload := m.Payload.(type) {
	case nil:
		h.Tuples = 0
	case []interface{}:
		h.Tuples = len(payload)
		h.Flags |= wire.Aggregate
		m.objects = make([][]byte, len(payload))
		for i, v := range payload {
			p, err := encodeObject(v, dataType, keyType)
			if err != nil {
				return err
			}
			m.objects[i] = p
		}
	default:
		p, err := encodeObject(payload, dataType, keyType)
		if err != nil {
			return err
		}
		m.objects = [][]byte{p}
	}
	var n int64
	for _, p := range m.objects {
		n += int64(len(p))
	}
	if n > maxMessageLength {
		m.objects = nil
		return errors.E(errors.Invalid, fmt.Sprintf("dataflow: edge %d: %d-byte message exceeds the maximum length %d", m.Edge, n, maxMessageLength))
	}
	h.Length = int(n)
	m.header = h
	m.state.advance(HeaderBuilt)
	return nil
}

// encodeObject returns the length-prefixed encoding of v, keyed
// when keyType is not nil.
func encodeObject(v interface{}, dataType, keyType wire.Type) ([]byte, error) {
	if keyType == nil {
		p, err := dataType.Pack(v)
		if err != nil {
			return nil, err
		}
		return prefixed(nil, p), nil
	}
	t, ok := v.(wire.Tuple)
	if !ok {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dataflow: keyed operation cannot send %T", v))
	}
	k, err := keyType.Pack(t.Key)
	if err != nil {
		return nil, err
	}
	p, err := dataType.Pack(t.Value)
	if err != nil {
		return nil, err
	}
	return prefixed(prefixed(make([]byte, 0, 2*wire.LengthSize+len(k)+len(p)), k), p), nil
}

func prefixed(dst, p []byte) []byte {
	var n [wire.LengthSize]byte
	wire.PutLength(n[:], len(p))
	return append(append(dst, n[:]...), p...)
}

// serialized tells whether every byte of the message is in a
// buffer.
func (m *OutMessage) serialized() bool {
	return m.nbuf > 0 && m.cursor.Object == len(m.objects)
}

// fill writes the next buffer of the message into buf.
func (m *OutMessage) fill(buf *buffer.Buffer) {
	var (
		first = m.nbuf == 0
		p     = buf.Data()
		off   = wire.BodyOffset(first)
	)
	if first {
		m.header.Encode(p)
	} else {
		wire.EncodeShort(p, m.Source)
	}
	for off < len(p) && m.cursor.Object < len(m.objects) {
		obj := m.objects[m.cursor.Object]
		n := copy(p[off:], obj[m.cursor.Written:])
		off += n
		m.cursor.Written += n
		if m.cursor.Written == len(obj) {
			m.cursor.Object++
			m.cursor.Written = 0
			m.cursor.Mid = false
		} else {
			m.cursor.Mid = true
		}
	}
	buf.SetLen(off)
	m.nbuf++
	if m.cursor.Object == len(m.objects) {
		wire.SetLast(p, first)
	}
	m.pending = append(m.pending, buf)
}

// trim releases the buffers every external process has accepted.
func (m *OutMessage) trim() {
	min := m.base + len(m.pending)
	for _, n := range m.accepted {
		if n < min {
			min = n
		}
	}
	for m.base < min {
		m.pending[0].Release()
		m.pending[0] = nil
		m.pending = m.pending[1:]
		m.base++
	}
}

// sent tells whether every process accepted every buffer.
func (m *OutMessage) sent() bool {
	for _, n := range m.accepted {
		if n < m.nbuf {
			return false
		}
	}
	return true
}

// release drops the message's buffers.
func (m *OutMessage) release() {
	for _, buf := range m.pending {
		buf.Release()
	}
	m.pending = nil
}
