// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigcomm/wire"
)

// Part files are sequences of batches. Each batch is
//
//	[4] payload length
//	[4] IEEE crc32 of the payload
//	[n] payload: records, each [4]klen [klen]key [4]vlen [vlen]value
//
// Batches let readers resume at a batch boundary without rereading
// the file.

const (
	batchHeaderSize = 8
	// batchSize is the payload size at which a writer closes a
	// batch.
	batchSize = 64 << 10
)

// maxBatchSize bounds the payload of any batch. Only a batch holding
// a single large record exceeds batchSize.
var maxBatchSize = 256 << 20

var endian = binary.LittleEndian

// A record is one key-value pair. Value holds packed bytes until the
// record is deserialized.
type record struct {
	key   interface{}
	value interface{}
}

type encoder struct {
	w       io.Writer
	keyType wire.Type
	batch   []byte
	// n counts the bytes written to w.
	n int64
}

func newEncoder(w io.Writer, keyType wire.Type) *encoder {
	return &encoder{w: w, keyType: keyType}
}

// Encode appends a record to the current batch, flushing it when it
// is full.
func (e *encoder) Encode(key interface{}, value []byte) error {
	k, err := e.keyType.Pack(key)
	if err != nil {
		return err
	}
	size := 8 + len(k) + len(value)
	if size > maxBatchSize {
		return errors.E(errors.Invalid, fmt.Sprintf("shuffle: %d-byte record exceeds the maximum batch size", size))
	}
	if len(e.batch) > 0 && len(e.batch)+size > batchSize {
		if err := e.Flush(); err != nil {
			return err
		}
	}
	var n [4]byte
	endian.PutUint32(n[:], uint32(len(k)))
	e.batch = append(e.batch, n[:]...)
	e.batch = append(e.batch, k...)
	endian.PutUint32(n[:], uint32(len(value)))
	e.batch = append(e.batch, n[:]...)
	e.batch = append(e.batch, value...)
	if len(e.batch) >= batchSize {
		return e.Flush()
	}
	return nil
}

// Flush writes the current batch.
func (e *encoder) Flush() error {
	if len(e.batch) == 0 {
		return nil
	}
	var hdr [batchHeaderSize]byte
	endian.PutUint32(hdr[0:], uint32(len(e.batch)))
	endian.PutUint32(hdr[4:], crc32.ChecksumIEEE(e.batch))
	if _, err := e.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := e.w.Write(e.batch); err != nil {
		return err
	}
	e.n += int64(batchHeaderSize + len(e.batch))
	e.batch = e.batch[:0]
	return nil
}

type decoder struct {
	r                  *bufio.Reader
	keyType, valueType wire.Type
	// off is the offset of the next batch.
	off int64
}

func newDecoder(r io.Reader, off int64, keyType, valueType wire.Type) *decoder {
	return &decoder{r: bufio.NewReader(r), off: off, keyType: keyType, valueType: valueType}
}

// Decode reads the next batch. It returns io.EOF at the end of the
// file.
func (d *decoder) Decode() ([]record, error) {
	var hdr [batchHeaderSize]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Integrity, "shuffle: truncated batch header", err)
		}
		return nil, err
	}
	var (
		n   = endian.Uint32(hdr[0:])
		sum = endian.Uint32(hdr[4:])
	)
	if int64(n) > int64(maxBatchSize) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("shuffle: batch length %d at offset %d exceeds %d", n, d.off, maxBatchSize))
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		return nil, errors.E(errors.Integrity, "shuffle: truncated batch", err)
	}
	if got := crc32.ChecksumIEEE(p); got != sum {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("shuffle: computed checksum %x but expected checksum %x", got, sum))
	}
	d.off += int64(batchHeaderSize) + int64(n)
	var recs []record
	for len(p) > 0 {
		k, rest, err := field(p)
		if err != nil {
			return nil, err
		}
		v, rest, err := field(rest)
		if err != nil {
			return nil, err
		}
		p = rest
		key, err := d.keyType.Unpack(k)
		if err != nil {
			return nil, err
		}
		var value interface{} = v
		if d.valueType != nil {
			if value, err = d.valueType.Unpack(v); err != nil {
				return nil, err
			}
		}
		recs = append(recs, record{key, value})
	}
	return recs, nil
}

func field(p []byte) (f, rest []byte, err error) {
	if len(p) < 4 {
		return nil, nil, errors.E(errors.Integrity, "shuffle: truncated record")
	}
	n := int(endian.Uint32(p))
	p = p[4:]
	if len(p) < n {
		return nil, nil, errors.E(errors.Integrity, "shuffle: truncated record")
	}
	return p[:n], p[n:], nil
}
