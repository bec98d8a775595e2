// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package shuffle

import (
	"bytes"
	"strings"

	"github.com/grailbio/base/log"
)

// A CompareFunc returns a negative number, zero, or a positive
// number when a sorts before, with, or after b. It must define a
// strict weak ordering; keys that compare equal form one group.
type CompareFunc func(a, b interface{}) int

// Compare orders keys of the built-in wire types: integers, floats,
// strings and byte slices. It panics on other types.
func Compare(a, b interface{}) int {
	switch a := a.(type) {
	case int:
		return compareInt64(int64(a), int64(b.(int)))
	case int32:
		return compareInt64(int64(a), int64(b.(int32)))
	case int64:
		return compareInt64(a, b.(int64))
	case float64:
		b := b.(float64)
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		}
		return 0
	case string:
		return strings.Compare(a, b.(string))
	case []byte:
		return bytes.Compare(a, b.([]byte))
	}
	log.Panicf("shuffle: cannot compare keys of type %T", a)
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
