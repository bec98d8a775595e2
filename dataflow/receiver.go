// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

import "github.com/grailbio/bigcomm/wire"

// A Receiver consumes messages delivered by an Operation. Partial
// receivers see messages sent by local sources; final receivers see
// messages forwarded by partial receivers and every message that
// arrives from another process.
type Receiver interface {
	// OnMessage offers a message from source to target. Path is the
	// operation's edge. OnMessage returns false to refuse the message
	// for now; the operation offers it again on a later Progress.
	// Messages with the End flag carry no payload and mark the end
	// of source's stream toward target. Messages handed over within
	// the process carry the Local flag.
	OnMessage(source, path, target int, flags wire.Flags, payload interface{}) bool
	// Progress lets the receiver do deferred work, such as flushing
	// batches or handing completed targets to the application. It is
	// called once per Operation.Progress.
	Progress() error
}
