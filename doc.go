// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigcomm implements the data movement core of a distributed
	data-flow engine: a buffer-pooled, non-blocking transport that
	carries collective operations (broadcast, reduce, gather,
	partition, keyed partition and join) between worker processes,
	and a disk-spilling sort/merge engine used by keyed operations
	whose working set exceeds memory.

	The transport is driven cooperatively. Operations never block on
	network or disk I/O: sends return false when a queue is full, and
	the owner of an operation calls Progress in a loop until the
	operation reports completion. Package dataflow implements the
	progress engine; package collective composes it into the
	collective patterns; package shuffle implements the external
	sort/merge.

	Peers are reached through a channel.Channel. Package channel
	provides an in-process network, used in tests and by the
	commbench tool, and a bigmachine-backed transport in which every
	process exposes a "Comms" service.

	Operations are configured with Options at construction time.
	Package commconfig registers the options with
	github.com/grailbio/base/config so that they may be provisioned
	from a profile.
*/
package bigcomm
