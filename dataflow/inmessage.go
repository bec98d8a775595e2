// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/wire"
)

// Stages of the body parser.
const (
	stageKeyLength = iota
	stageKey
	stageLength
	stageValue
)

// An InMessage is the receive-side state of one logical message
// arriving from a process. Buffers are unpacked as they arrive and
// released as soon as their bytes are consumed.
type InMessage struct {
	// Proc is the originating process.
	Proc   int
	Header wire.Header

	state ReceiveState
	keyed bool
	// buffers holds received buffers not yet unpacked.
	buffers []*buffer.Buffer
	// received counts buffers accepted; unpacked counts buffers
	// fully consumed.
	received, unpacked int

	// Deserialization cursors.
	stage   int
	objLen  int
	keyLen  int
	field   []byte
	key     interface{}
	read    int
	objects []interface{}
}

func newInMessage(proc int, h wire.Header, keyed bool) *InMessage {
	m := &InMessage{Proc: proc, Header: h, keyed: keyed, stage: stageLength}
	if keyed {
		m.stage = stageKeyLength
	}
	return m
}

// State returns the message's state.
func (m *InMessage) State() ReceiveState { return m.state }

// add appends a received buffer. It returns true when buf carries
// the last-buffer flag, which completes the message regardless of
// its byte count.
func (m *InMessage) add(buf *buffer.Buffer) bool {
	first := m.received == 0
	m.received++
	m.buffers = append(m.buffers, buf)
	last := wire.IsLast(buf.Bytes(), first)
	switch {
	case last:
		m.state.advance(Built)
	case first:
		m.state.advance(Building)
	}
	return last
}

// expected returns the number of objects the header declares.
func (m *InMessage) expected() int {
	if m.Header.Tuples == wire.SingleObject {
		return 1
	}
	return m.Header.Tuples
}

// complete tells whether every declared object was unpacked.
func (m *InMessage) complete() bool {
	return len(m.objects) == m.expected() && m.read == m.Header.Length
}

// deserialize unpacks the bytes of all buffers received so far and
// releases them. It returns true once the message is built and
// fully unpacked.
func (m *InMessage) deserialize(dataType, keyType wire.Type) (bool, error) {
	for len(m.buffers) > 0 {
		buf := m.buffers[0]
		body := buf.Bytes()[wire.BodyOffset(m.unpacked == 0):]
		err := m.unpack(body, dataType, keyType)
		buf.Release()
		m.buffers[0] = nil
		m.buffers = m.buffers[1:]
		m.unpacked++
		if err != nil {
			m.release()
			return false, err
		}
	}
	if m.state != Built {
		return false, nil
	}
	if !m.complete() {
		return false, errors.E(errors.Integrity,
			fmt.Sprintf("dataflow: truncated message from process %d: %d/%d bytes, %d/%d objects",
				m.Proc, m.read, m.Header.Length, len(m.objects), m.expected()))
	}
	m.state.advance(Receive)
	return true, nil
}

// unpack consumes body bytes, materializing objects as their last
// byte arrives.
func (m *InMessage) unpack(body []byte, dataType, keyType wire.Type) error {
	for {
		if m.complete() {
			if len(body) > 0 {
				return errors.E(errors.Integrity, fmt.Sprintf("dataflow: %d trailing bytes in message from process %d", len(body), m.Proc))
			}
			return nil
		}
		want := wire.LengthSize
		switch m.stage {
		case stageKey:
			want = m.keyLen
		case stageValue:
			want = m.objLen
		}
		if len(m.field) < want {
			if len(body) == 0 {
				return nil
			}
			n := want - len(m.field)
			if n > len(body) {
				n = len(body)
			}
			m.field = append(m.field, body[:n]...)
			body = body[n:]
			m.read += n
			if len(m.field) < want {
				return nil
			}
		}
		if m.read > m.Header.Length {
			return errors.E(errors.Integrity, fmt.Sprintf("dataflow: message from process %d overruns its length %d", m.Proc, m.Header.Length))
		}
		switch m.stage {
		case stageKeyLength:
			m.keyLen = wire.Length(m.field)
			m.stage = stageKey
		case stageKey:
			k, err := keyType.Unpack(m.field)
			if err != nil {
				return err
			}
			m.key = k
			m.stage = stageLength
		case stageLength:
			m.objLen = wire.Length(m.field)
			m.stage = stageValue
		case stageValue:
			v, err := dataType.Unpack(m.field)
			if err != nil {
				return err
			}
			if m.keyed {
				v = wire.Tuple{Key: m.key, Value: v}
				m.key = nil
				m.stage = stageKeyLength
			} else {
				m.stage = stageLength
			}
			m.objects = append(m.objects, v)
		}
		m.field = m.field[:0]
	}
}

// Payload returns the deserialized payload: nil for an empty
// message, the object for a single-object message, and the objects
// for an aggregate. An empty aggregate is a non-nil empty slice.
func (m *InMessage) Payload() interface{} {
	switch {
	case m.Header.Tuples == wire.SingleObject:
		return m.objects[0]
	case m.Header.Flags.Has(wire.Aggregate) && m.objects == nil:
		return []interface{}{}
	case len(m.objects) == 0:
		return nil
	default:
		return m.objects
	}
}

// release drops any buffers still held.
func (m *InMessage) release() {
	for _, buf := range m.buffers {
		buf.Release()
	}
	m.buffers = nil
}
