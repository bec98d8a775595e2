// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dataflow implements the engine that moves the messages of
// one operation between tasks. Messages to tasks in this process
// are handed directly to a receiver; messages to tasks in other
// processes are serialized into pooled buffers and transmitted once
// per process over a channel. The engine never blocks: sends are
// refused when a source's queue is full, and all work happens in
// Progress, which the owner calls in a loop.
package dataflow

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigcomm/channel"
	"github.com/grailbio/bigcomm/metrics"
	"github.com/grailbio/bigcomm/router"
	"github.com/grailbio/bigcomm/stats"
	"github.com/grailbio/bigcomm/wire"
)

// Config configures an Operation.
type Config struct {
	// Channel is the process's transport.
	Channel channel.Channel
	// Edge tags the operation's messages on the channel.
	Edge int
	// Router supplies the plan and the processes the operation
	// receives from.
	Router router.Router
	// Type and KeyType encode outgoing payloads. KeyType is nil for
	// operations that do not carry keys.
	Type, KeyType wire.Type
	// ReceiveType and ReceiveKeyType decode incoming payloads. They
	// default to Type and KeyType.
	ReceiveType, ReceiveKeyType wire.Type
	// Partial receives the messages of local sources. If nil, they go
	// to Final.
	Partial Receiver
	// Final receives forwarded and remote messages.
	Final Receiver
	// Options tunes buffer sizes, queue depths and batching.
	Options bigcomm.Options
}

// queue is the FIFO of pending messages of one source. Partial
// sends use a queue of their own.
type queue struct {
	id   int
	msgs []*OutMessage
}

// An Operation is the data-flow engine of one operation instance
// in one process. Operations are not safe for concurrent use: a
// single goroutine owns Send, SendPartial, Progress and Close.
type Operation struct {
	config Config
	ch     channel.Channel
	nproc  int

	sendPool, recvPool *buffer.Pool

	// queues are indexed by source task; partials by the source of
	// the partial receiver's sends.
	queues, partials []*queue
	sendTracker      *tracker

	// streams[proc] is the message currently transmitting to proc.
	// A message claims all of its processes at once, so buffers of
	// different messages never interleave on a process stream.
	streams []*OutMessage

	// current[proc] is the message being assembled from proc.
	current []*InMessage
	// receiving holds messages whose buffers are being unpacked, in
	// order of arrival.
	receiving []*InMessage
	// ready[proc] holds unpacked messages from proc awaiting
	// delivery.
	ready        [][]*InMessage
	readyTracker *tracker

	err     error
	sendErr error
	closed  bool

	stats      *stats.Map
	msgsSent   *stats.Int
	msgsRecv   *stats.Int
	bufsSent   *stats.Int
	bufsRecv   *stats.Int
	bytesSent  *stats.Int
	delivered  *stats.Int
	sendFailed *stats.Int
	// queueMax is the deepest any send queue has been.
	queueMax *stats.Int
}

// New returns a new operation that listens on config.Edge.
func New(config Config) (*Operation, error) {
	if err := config.Options.Validate(); err != nil {
		return nil, err
	}
	if config.Channel == nil || config.Router == nil || config.Final == nil || config.Type == nil {
		return nil, errors.E(errors.Invalid, "dataflow: channel, router, final receiver and type are required")
	}
	if config.ReceiveType == nil {
		config.ReceiveType = config.Type
		config.ReceiveKeyType = config.KeyType
	}
	p := config.Router.Plan()
	if p.Self() != config.Channel.Self() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dataflow: plan is for process %d, channel for process %d", p.Self(), config.Channel.Self()))
	}
	recvProcs := config.Router.ReceiveProcesses()
	nrecv := len(recvProcs)
	if nrecv == 0 {
		nrecv = 1
	}
	op := &Operation{
		config:       config,
		ch:           config.Channel,
		nproc:        p.NumProcesses(),
		sendPool:     buffer.NewPool(config.Options.SendBufferCount, config.Options.BufferSize),
		recvPool:     buffer.NewPool(config.Options.ReceiveBufferCount*nrecv, config.Options.BufferSize),
		queues:       make([]*queue, p.NumTasks()),
		partials:     make([]*queue, p.NumTasks()),
		sendTracker:  newTracker(),
		streams:      make([]*OutMessage, p.NumProcesses()),
		current:      make([]*InMessage, p.NumProcesses()),
		ready:        make([][]*InMessage, p.NumProcesses()),
		readyTracker: newTracker(),
		stats:        stats.NewMap(),
	}
	op.msgsSent = op.stats.Int("messages.sent")
	op.msgsRecv = op.stats.Int("messages.received")
	op.bufsSent = op.stats.Int("buffers.sent")
	op.bufsRecv = op.stats.Int("buffers.received")
	op.bytesSent = op.stats.Int("bytes.sent")
	op.delivered = op.stats.Int("internal.delivered")
	op.sendFailed = op.stats.Int("send.failed")
	op.queueMax = op.stats.Int("queue.max")
	if err := op.ch.Listen(config.Edge, recvProcs, op.recvPool, op); err != nil {
		return nil, err
	}
	return op, nil
}

// Edge returns the operation's edge.
func (op *Operation) Edge() int { return op.config.Edge }

// Stats returns the operation's stats.
func (op *Operation) Stats() stats.Values { return op.stats.Snapshot() }

// Metrics merges the metrics of the operation's send and receive
// buffer pools into scope.
func (op *Operation) Metrics(scope *metrics.Scope) {
	scope.Merge(op.sendPool.Scope())
	scope.Merge(op.recvPool.Scope())
}

// Send queues a message from a local source along r. Its internal
// destinations are offered to the partial receiver, or to the
// final receiver if the operation has none. Send returns false if
// the source's queue is full; the caller should call Progress and
// try again.
func (op *Operation) Send(source int, r *router.Routing, flags wire.Flags, payload interface{}) bool {
	return op.enqueue(op.queues, source, source, r, flags|wire.OriginSender, payload, false)
}

// SendPartial queues a message from a partial receiver on behalf of
// source. Its internal destinations are offered to the final
// receiver. Partial sends are queued separately from source's own
// sends.
func (op *Operation) SendPartial(source int, r *router.Routing, flags wire.Flags, payload interface{}) bool {
	return op.enqueue(op.partials, -1-source, source, r, flags|wire.OriginPartial, payload, true)
}

func (op *Operation) enqueue(queues []*queue, id, source int, r *router.Routing, flags wire.Flags, payload interface{}, partial bool) bool {
	if op.closed || op.err != nil {
		return false
	}
	if source < 0 || source >= len(queues) {
		op.fail(errors.E(errors.Fatal, fmt.Sprintf("dataflow: edge %d: invalid source %d", op.config.Edge, source)))
		return false
	}
	q := queues[source]
	if q == nil {
		q = &queue{id: id}
		queues[source] = q
	}
	if len(q.msgs) >= op.config.Options.SendQueueDepth {
		return false
	}
	q.msgs = append(q.msgs, newOutMessage(source, op.config.Edge, op.config.Edge, flags, payload, r, partial))
	op.queueMax.Max(int64(len(q.msgs)))
	op.sendTracker.add(id)
	return true
}

func (op *Operation) queue(id int) *queue {
	if id < 0 {
		return op.partials[-1-id]
	}
	return op.queues[id]
}

// Progress performs a bounded amount of work: it polls the channel,
// advances the head messages of the send queues, unpacks received
// buffers and delivers unpacked messages to the final receiver.
// Routing errors are fatal: they are returned by this and every
// later call. A transport delivery failure is returned once.
func (op *Operation) Progress() error {
	if op.closed {
		return errors.E(errors.Invalid, fmt.Sprintf("dataflow: edge %d: operation is closed", op.config.Edge))
	}
	if op.err != nil {
		return op.err
	}
	if err := op.ch.Progress(); err != nil {
		op.fail(err)
		return op.err
	}
	op.sendPhase()
	op.deserializePhase()
	op.deliverPhase()
	if op.err == nil && op.config.Partial != nil {
		if err := op.config.Partial.Progress(); err != nil {
			op.fail(err)
		}
	}
	if op.err == nil {
		if err := op.config.Final.Progress(); err != nil {
			op.fail(err)
		}
	}
	if op.err != nil {
		return op.err
	}
	if err := op.sendErr; err != nil {
		op.sendErr = nil
		return err
	}
	return nil
}

func (op *Operation) fail(err error) {
	if op.err == nil {
		log.Error.Printf("dataflow: edge %d: %v", op.config.Edge, err)
		op.err = err
	}
}

// sendPhase advances the head of every active queue, retiring up
// to ProgressBatch messages per queue.
func (op *Operation) sendPhase() {
	op.sendTracker.each(func(id int) bool {
		q := op.queue(id)
		for n := 0; n < op.config.Options.ProgressBatch && len(q.msgs) > 0 && op.err == nil; n++ {
			if !op.advance(q.msgs[0]) {
				break
			}
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			op.msgsSent.Add(1)
		}
		return len(q.msgs) > 0
	})
}

// advance moves m as far as it can go. It returns true once m is
// finished.
func (op *Operation) advance(m *OutMessage) bool {
	if m.state == SendInit {
		if !op.sendInternally(m) {
			return false
		}
		m.state.advance(SentInternally)
	}
	if m.state == SentInternally {
		if len(m.Routing.Processes()) == 0 {
			m.state.advance(Finished)
			return true
		}
		if !op.claim(m) {
			return false
		}
		if err := m.encode(op.config.Type, op.config.KeyType); err != nil {
			op.fail(err)
			return false
		}
	}
	return op.transmit(m)
}

// sendInternally offers m to each internal destination that has not
// yet accepted it.
func (op *Operation) sendInternally(m *OutMessage) bool {
	recv := op.config.Final
	if !m.partial && op.config.Partial != nil {
		recv = op.config.Partial
	}
	for m.internalAccepted < len(m.Routing.Internal) {
		target := m.Routing.Internal[m.internalAccepted]
		if recv != op.config.Final {
			// Partial receivers are offered the final target.
			target = m.Routing.Destination
		}
		if !recv.OnMessage(m.Source, m.Path, target, m.Flags|wire.Local, m.Payload) {
			return false
		}
		m.internalAccepted++
		op.delivered.Add(1)
	}
	return true
}

// claim takes the streams of all of m's processes, or none.
func (op *Operation) claim(m *OutMessage) bool {
	for _, proc := range m.Routing.Processes() {
		if proc >= len(op.streams) {
			op.fail(errors.E(errors.Fatal, fmt.Sprintf("dataflow: edge %d: no process %d", op.config.Edge, proc)))
			return false
		}
		if owner := op.streams[proc]; owner != nil && owner != m {
			return false
		}
	}
	for _, proc := range m.Routing.Processes() {
		op.streams[proc] = m
	}
	return true
}

// transmit fills buffers for m and hands them to the channel until
// the channel or the send pool pushes back.
func (op *Operation) transmit(m *OutMessage) bool {
	procs := m.Routing.Processes()
	for {
		for i, proc := range procs {
			for m.accepted[i] < m.base+len(m.pending) {
				buf := m.pending[m.accepted[i]-m.base]
				if !op.ch.Send(proc, op.config.Edge, buf, op) {
					break
				}
				m.accepted[i]++
				op.bufsSent.Add(1)
				op.bytesSent.Add(int64(buf.Len()))
			}
			if m.serialized() && m.accepted[i] == m.nbuf && op.streams[proc] == m {
				op.streams[proc] = nil
			}
		}
		m.trim()
		if m.serialized() {
			if !m.sent() {
				return false
			}
			m.state.advance(Finished)
			return true
		}
		if len(m.pending) > 0 {
			return false
		}
		buf := op.sendPool.Get()
		if buf == nil {
			return false
		}
		m.fill(buf)
		switch {
		case m.serialized():
			m.state.advance(Serialized)
		case m.state == HeaderBuilt:
			m.state.advance(PartiallySerialized)
		}
	}
}

// OnSendComplete implements channel.SendListener.
func (op *Operation) OnSendComplete(proc, edge int, buf *buffer.Buffer) {}

// OnSendFailed implements channel.SendListener.
func (op *Operation) OnSendFailed(proc, edge int, buf *buffer.Buffer, err error) {
	op.sendFailed.Add(1)
	if op.sendErr == nil {
		op.sendErr = errors.E(errors.Net, fmt.Sprintf("dataflow: edge %d: delivery to process %d failed", edge, proc), err)
	}
}

// OnReceive implements channel.ReceiveListener. It assembles
// buffers into messages; a message is complete when a buffer
// carries the last-buffer flag.
func (op *Operation) OnReceive(proc, edge int, buf *buffer.Buffer) {
	op.bufsRecv.Add(1)
	if op.err != nil || proc < 0 || proc >= len(op.current) {
		buf.Release()
		if op.err == nil {
			op.fail(errors.E(errors.Fatal, fmt.Sprintf("dataflow: edge %d: buffer from unknown process %d", edge, proc)))
		}
		return
	}
	m := op.current[proc]
	if m == nil {
		h, err := wire.DecodeHeader(buf.Bytes())
		if err != nil {
			buf.Release()
			op.fail(errors.E(errors.Integrity, fmt.Sprintf("dataflow: edge %d: process %d", edge, proc), err))
			return
		}
		m = newInMessage(proc, h, op.config.ReceiveKeyType != nil)
		op.current[proc] = m
		op.receiving = append(op.receiving, m)
	} else {
		src, err := wire.DecodeShort(buf.Bytes())
		if err == nil && src != m.Header.Source {
			err = errors.E(errors.Integrity, fmt.Sprintf("buffer of source %d inside message of source %d", src, m.Header.Source))
		}
		if err != nil {
			buf.Release()
			op.fail(errors.E(errors.Integrity, fmt.Sprintf("dataflow: edge %d: process %d", edge, proc), err))
			return
		}
	}
	if m.add(buf) {
		op.current[proc] = nil
	}
}

// deserializePhase unpacks the buffers received so far, releasing
// them to the receive pool, and moves fully unpacked messages to
// their process's delivery queue.
func (op *Operation) deserializePhase() {
	if op.err != nil {
		return
	}
	keep := op.receiving[:0]
	for _, m := range op.receiving {
		done, err := m.deserialize(op.config.ReceiveType, op.config.ReceiveKeyType)
		if err != nil {
			op.fail(err)
			return
		}
		if !done {
			keep = append(keep, m)
			continue
		}
		op.msgsRecv.Add(1)
		op.ready[m.Proc] = append(op.ready[m.Proc], m)
		op.readyTracker.add(m.Proc)
	}
	for i := len(keep); i < len(op.receiving); i++ {
		op.receiving[i] = nil
	}
	op.receiving = keep
}

// deliverPhase offers up to ProgressBatch unpacked messages per
// process to the final receiver, stopping at a process's first
// refusal.
func (op *Operation) deliverPhase() {
	op.readyTracker.each(func(proc int) bool {
		q := op.ready[proc]
		for n := 0; n < op.config.Options.ProgressBatch && len(q) > 0 && op.err == nil; n++ {
			m := q[0]
			if !op.config.Final.OnMessage(m.Header.Source, m.Header.Edge, m.Header.Destination, m.Header.Flags, m.Payload()) {
				break
			}
			m.state.advance(Done)
			q[0] = nil
			q = q[1:]
		}
		op.ready[proc] = q
		return len(q) > 0
	})
}

// IsComplete tells whether the operation has no pending work: all
// send queues are empty, every transmitted buffer was returned by
// the channel, and every received message was delivered.
func (op *Operation) IsComplete() bool {
	if op.sendTracker.len() > 0 || op.readyTracker.len() > 0 || len(op.receiving) > 0 {
		return false
	}
	for _, m := range op.current {
		if m != nil {
			return false
		}
	}
	return op.sendPool.Available() == op.sendPool.Total()
}

// Close releases the operation's buffers and removes its channel
// registration. Pending messages are dropped.
func (op *Operation) Close() {
	if op.closed {
		return
	}
	op.closed = true
	op.ch.Unlisten(op.config.Edge)
	for _, queues := range [][]*queue{op.queues, op.partials} {
		for _, q := range queues {
			if q == nil {
				continue
			}
			for _, m := range q.msgs {
				m.release()
			}
			q.msgs = nil
		}
	}
	for _, m := range op.receiving {
		m.release()
	}
	op.receiving = nil
	op.sendPool.Close()
	op.recvPool.Close()
}
