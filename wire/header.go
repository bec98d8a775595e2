// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire defines the buffer layout shared by the two peers of
// a transport edge: the full header carried by the first buffer of
// a message, the short header carried by every subsequent buffer,
// and the packers that turn application values into bytes.
//
// Full header, little endian:
//
//	offset  size  field
//	0       4     source task
//	4       4     destination identifier
//	8       4     edge
//	12      4     flags
//	16      4     tuple count (-1: a single object)
//	20      4     total body length
//	24      1     last-buffer flag
//
// Short header:
//
//	0       4     source task
//	4       1     last-buffer flag
//
// The rest of each buffer is body. Body bytes form one stream
// across the buffers of a message; every object in it is prefixed
// by its 4-byte length, and keyed objects carry a length-prefixed
// key before the value.
package wire

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

const (
	// HeaderSize is the size of the full header.
	HeaderSize = 25
	// ShortHeaderSize is the size of the short header.
	ShortHeaderSize = 5
	// LengthSize is the size of an object or key length prefix.
	LengthSize = 4
)

// SingleObject is the tuple count of a message that carries one
// object rather than an aggregate.
const SingleObject = -1

var endian = binary.LittleEndian

// Flags is the flag bitset carried by a message header.
type Flags uint32

const (
	// End marks the empty message that ends a source's stream.
	End Flags = 1 << iota
	// OriginSender marks messages sent by a source task.
	OriginSender
	// OriginPartial marks messages forwarded by a partial receiver.
	OriginPartial
	// Forwarded marks messages relayed by an intermediate process.
	Forwarded
	// Local marks messages handed to a receiver in the sending
	// process. Their payloads were never serialized. Local is never
	// transmitted.
	Local
	// Aggregate marks messages whose payload is a slice of objects,
	// so that an empty aggregate is told apart from an empty message.
	Aggregate
)

var flagNames = []string{"End", "OriginSender", "OriginPartial", "Forwarded", "Local", "Aggregate"}

// Has tells whether all of the flags in g are set in f.
func (f Flags) Has(g Flags) bool {
	return f&g == g
}

// String returns a '|'-separated list of the set flags.
func (f Flags) String() string {
	var names []string
	for i, name := range flagNames {
		if f&(1<<uint(i)) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// Header is the routing metadata of a message. It is immutable once
// it has been written into a buffer.
type Header struct {
	Source      int
	Destination int
	Edge        int
	Flags       Flags
	// Tuples is SingleObject or the number of aggregated objects.
	Tuples int
	// Length is the total number of body bytes across all buffers.
	Length int
}

// Encode writes the header into p, which must hold at least
// HeaderSize bytes. The last-buffer flag is cleared.
func (h Header) Encode(p []byte) {
	_ = p[HeaderSize-1]
	endian.PutUint32(p[0:], uint32(int32(h.Source)))
	endian.PutUint32(p[4:], uint32(int32(h.Destination)))
	endian.PutUint32(p[8:], uint32(int32(h.Edge)))
	endian.PutUint32(p[12:], uint32(h.Flags))
	endian.PutUint32(p[16:], uint32(int32(h.Tuples)))
	endian.PutUint32(p[20:], uint32(int32(h.Length)))
	p[HeaderSize-1] = 0
}

// DecodeHeader reads a full header from p.
func DecodeHeader(p []byte) (Header, error) {
	if len(p) < HeaderSize {
		return Header{}, errors.E(errors.Invalid, fmt.Sprintf("wire: short header: %d bytes", len(p)))
	}
	h := Header{
		Source:      int(int32(endian.Uint32(p[0:]))),
		Destination: int(int32(endian.Uint32(p[4:]))),
		Edge:        int(int32(endian.Uint32(p[8:]))),
		Flags:       Flags(endian.Uint32(p[12:])),
		Tuples:      int(int32(endian.Uint32(p[16:]))),
		Length:      int(int32(endian.Uint32(p[20:]))),
	}
	if h.Tuples < SingleObject || h.Length < 0 {
		return Header{}, errors.E(errors.Invalid, fmt.Sprintf("wire: corrupt header %+v", h))
	}
	return h, nil
}

// EncodeShort writes a short header for the given source into p.
// The last-buffer flag is cleared.
func EncodeShort(p []byte, source int) {
	_ = p[ShortHeaderSize-1]
	endian.PutUint32(p, uint32(int32(source)))
	p[ShortHeaderSize-1] = 0
}

// DecodeShort reads the source task from a short header.
func DecodeShort(p []byte) (source int, err error) {
	if len(p) < ShortHeaderSize {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("wire: short trailer header: %d bytes", len(p)))
	}
	return int(int32(endian.Uint32(p))), nil
}

// lastOffset returns the offset of the last-buffer flag.
func lastOffset(first bool) int {
	if first {
		return HeaderSize - 1
	}
	return ShortHeaderSize - 1
}

// SetLast sets the last-buffer flag of a buffer whose contents p
// start with a full header (first) or a short header.
func SetLast(p []byte, first bool) {
	p[lastOffset(first)] = 1
}

// IsLast tells whether the last-buffer flag is set.
func IsLast(p []byte, first bool) bool {
	off := lastOffset(first)
	return len(p) > off && p[off] != 0
}

// BodyOffset returns the offset of the body in a first or
// subsequent buffer.
func BodyOffset(first bool) int {
	if first {
		return HeaderSize
	}
	return ShortHeaderSize
}

// PutLength writes a length prefix.
func PutLength(p []byte, n int) {
	endian.PutUint32(p, uint32(n))
}

// Length reads a length prefix.
func Length(p []byte) int {
	return int(endian.Uint32(p))
}
