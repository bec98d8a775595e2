// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// A Type packs values of one application type to bytes and back.
// Packed values are self-contained: Unpack receives exactly the
// bytes Pack produced.
type Type interface {
	// Name identifies the type in errors and logs.
	Name() string
	// Pack returns the encoding of v.
	Pack(v interface{}) ([]byte, error)
	// Unpack decodes a value from p. The returned value does not
	// alias p.
	Unpack(p []byte) (interface{}, error)
}

// A Tuple is a keyed value.
type Tuple struct {
	Key, Value interface{}
}

func (t Tuple) String() string {
	return fmt.Sprintf("(%v, %v)", t.Key, t.Value)
}

var (
	// Int32 packs int32 values.
	Int32 Type = int32Type{}
	// Int64 packs int64 values.
	Int64 Type = int64Type{}
	// Int packs int values as 64-bit integers.
	Int Type = intType{}
	// Float64 packs float64 values.
	Float64 Type = float64Type{}
	// String packs string values.
	String Type = stringType{}
	// Bytes packs []byte values.
	Bytes Type = bytesType{}
	// Int64s packs []int64 values.
	Int64s Type = int64sType{}
	// Float64s packs []float64 values.
	Float64s Type = float64sType{}
	// Object packs arbitrary values with encoding/gob. Concrete types
	// carried as interface values must be registered with
	// gob.Register.
	Object Type = objectType{}
)

func typeError(t Type, v interface{}) error {
	return errors.E(errors.Invalid, fmt.Sprintf("wire: %s: cannot pack value of type %T", t.Name(), v))
}

func sizeError(t Type, n int) error {
	return errors.E(errors.Invalid, fmt.Sprintf("wire: %s: bad encoding length %d", t.Name(), n))
}

type int32Type struct{}

func (int32Type) Name() string { return "int32" }

func (t int32Type) Pack(v interface{}) ([]byte, error) {
	x, ok := v.(int32)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 4)
	endian.PutUint32(p, uint32(x))
	return p, nil
}

func (t int32Type) Unpack(p []byte) (interface{}, error) {
	if len(p) != 4 {
		return nil, sizeError(t, len(p))
	}
	return int32(endian.Uint32(p)), nil
}

type int64Type struct{}

func (int64Type) Name() string { return "int64" }

func (t int64Type) Pack(v interface{}) ([]byte, error) {
	x, ok := v.(int64)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 8)
	endian.PutUint64(p, uint64(x))
	return p, nil
}

func (t int64Type) Unpack(p []byte) (interface{}, error) {
	if len(p) != 8 {
		return nil, sizeError(t, len(p))
	}
	return int64(endian.Uint64(p)), nil
}

type intType struct{}

func (intType) Name() string { return "int" }

func (t intType) Pack(v interface{}) ([]byte, error) {
	x, ok := v.(int)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 8)
	endian.PutUint64(p, uint64(x))
	return p, nil
}

func (t intType) Unpack(p []byte) (interface{}, error) {
	if len(p) != 8 {
		return nil, sizeError(t, len(p))
	}
	return int(int64(endian.Uint64(p))), nil
}

type float64Type struct{}

func (float64Type) Name() string { return "float64" }

func (t float64Type) Pack(v interface{}) ([]byte, error) {
	x, ok := v.(float64)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 8)
	endian.PutUint64(p, math.Float64bits(x))
	return p, nil
}

func (t float64Type) Unpack(p []byte) (interface{}, error) {
	if len(p) != 8 {
		return nil, sizeError(t, len(p))
	}
	return math.Float64frombits(endian.Uint64(p)), nil
}

type stringType struct{}

func (stringType) Name() string { return "string" }

func (t stringType) Pack(v interface{}) ([]byte, error) {
	x, ok := v.(string)
	if !ok {
		return nil, typeError(t, v)
	}
	return []byte(x), nil
}

func (stringType) Unpack(p []byte) (interface{}, error) {
	return string(p), nil
}

type bytesType struct{}

func (bytesType) Name() string { return "bytes" }

func (t bytesType) Pack(v interface{}) ([]byte, error) {
	x, ok := v.([]byte)
	if !ok {
		return nil, typeError(t, v)
	}
	return x, nil
}

func (bytesType) Unpack(p []byte) (interface{}, error) {
	return append([]byte(nil), p...), nil
}

type int64sType struct{}

func (int64sType) Name() string { return "[]int64" }

func (t int64sType) Pack(v interface{}) ([]byte, error) {
	x, ok := v.([]int64)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 8*len(x))
	for i, n := range x {
		endian.PutUint64(p[8*i:], uint64(n))
	}
	return p, nil
}

func (t int64sType) Unpack(p []byte) (interface{}, error) {
	if len(p)%8 != 0 {
		return nil, sizeError(t, len(p))
	}
	x := make([]int64, len(p)/8)
	for i := range x {
		x[i] = int64(endian.Uint64(p[8*i:]))
	}
	return x, nil
}

type float64sType struct{}

func (float64sType) Name() string { return "[]float64" }

func (t float64sType) Pack(v interface{}) ([]byte, error) {
	x, ok := v.([]float64)
	if !ok {
		return nil, typeError(t, v)
	}
	p := make([]byte, 8*len(x))
	for i, f := range x {
		endian.PutUint64(p[8*i:], math.Float64bits(f))
	}
	return p, nil
}

func (t float64sType) Unpack(p []byte) (interface{}, error) {
	if len(p)%8 != 0 {
		return nil, sizeError(t, len(p))
	}
	x := make([]float64, len(p)/8)
	for i := range x {
		x[i] = math.Float64frombits(endian.Uint64(p[8*i:]))
	}
	return x, nil
}

type objectType struct{}

func (objectType) Name() string { return "object" }

func (objectType) Pack(v interface{}) ([]byte, error) {
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&v); err != nil {
		return nil, errors.E(errors.Invalid, "wire: object", err)
	}
	return b.Bytes(), nil
}

func (objectType) Unpack(p []byte) (interface{}, error) {
	var v interface{}
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&v); err != nil {
		return nil, errors.E(errors.Integrity, "wire: object", err)
	}
	return v, nil
}
