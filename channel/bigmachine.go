// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package channel

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigcomm/buffer"
	"github.com/grailbio/bigmachine"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&Service{})
}

// ServiceName is the name under which the Comms service is
// registered on each machine.
const ServiceName = "Comms"

// A Frame is the unit shipped between machines: the used bytes of
// one buffer.
type Frame struct {
	Source, Edge int
	Data         []byte
}

// Peers tells a machine its process id and the addresses of all
// processes, indexed by process id.
type Peers struct {
	Self  int
	Addrs []string
}

// Service is the bigmachine service through which processes
// exchange buffers. Each machine runs one instance; the driver
// assigns process ids with Connect.
type Service struct {
	// Capacity bounds the number of outstanding sends per peer and
	// the number of frames queued on the receiving side.
	Capacity int
	// MaxRPCs bounds the number of concurrent outgoing calls.
	MaxRPCs int

	transport *Bigmachine
}

// Init implements bigmachine's service initialization.
func (s *Service) Init(b *bigmachine.B) error {
	s.transport = newBigmachine(b, s.Capacity, s.MaxRPCs)
	return nil
}

// Connect assigns the machine its process id and peer addresses.
func (s *Service) Connect(ctx context.Context, peers Peers, _ *struct{}) error {
	return s.transport.connect(peers)
}

// Deliver queues a frame from a peer. Deliver blocks while the
// receiving queue is full.
func (s *Service) Deliver(ctx context.Context, f Frame, _ *struct{}) error {
	return s.transport.deliver(ctx, f)
}

// Close stops the machine's transport. Later sends are refused.
func (s *Service) Close(ctx context.Context, _ struct{}, _ *struct{}) error {
	s.transport.Close()
	return nil
}

var (
	registryMu sync.Mutex
	registry   = make(map[int]*Bigmachine)
)

// Transport returns the bigmachine transport of process proc
// running in this binary.
func Transport(proc int) (*Bigmachine, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	t, ok := registry[proc]
	return t, ok
}

// Start starts n machines running the Comms service and connects
// them: machine i becomes process i.
func Start(ctx context.Context, b *bigmachine.B, n int, svc *Service, params ...bigmachine.Param) ([]*bigmachine.Machine, error) {
	params = append([]bigmachine.Param{bigmachine.Services{ServiceName: svc}}, params...)
	machines, err := b.Start(ctx, n, params...)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, len(machines))
	for i, m := range machines {
		<-m.Wait(bigmachine.Running)
		if err := m.Err(); err != nil {
			return nil, errors.E(errors.Net, fmt.Sprintf("machine %d failed to start", i), err)
		}
		addrs[i] = m.Addr
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range machines {
		i, m := i, m
		g.Go(func() error {
			return m.RetryCall(gctx, ServiceName+".Connect", Peers{Self: i, Addrs: addrs}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Printf("channel: started %d comms machines", n)
	return machines, nil
}

// Bigmachine is a Channel whose peers are bigmachine machines.
// Buffers are shipped with "Comms.Deliver" calls; each accepted
// send is one call.
type Bigmachine struct {
	core
	b       *bigmachine.B
	limiter *limiter.Limiter

	// ctx is canceled by Close; it aborts calls in flight.
	ctx    context.Context
	cancel func()
	// senders counts the running per-process senders.
	senders sync.WaitGroup

	addrMu   sync.Mutex
	addrs    []string
	machines map[int]*bigmachine.Machine
	queues   map[int]chan outbound
	closed   bool

	// maxInbound bounds the inbound queue; it is guarded by mu.
	maxInbound int
}

var _ Channel = (*Bigmachine)(nil)

func newBigmachine(b *bigmachine.B, capacity, maxRPCs int) *Bigmachine {
	if capacity < 1 {
		capacity = 16
	}
	if maxRPCs < 1 {
		maxRPCs = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Bigmachine{
		ctx:      ctx,
		cancel:   cancel,
		b:        b,
		limiter:  limiter.New(),
		machines: make(map[int]*bigmachine.Machine),
		queues:   make(map[int]chan outbound),
	}
	t.init(-1, capacity)
	t.maxInbound = capacity
	t.limiter.Release(maxRPCs)
	return t
}

func (t *Bigmachine) connect(peers Peers) error {
	if peers.Self < 0 || peers.Self >= len(peers.Addrs) {
		return errors.E(errors.Invalid, fmt.Sprintf("channel: process %d out of range", peers.Self))
	}
	t.mu.Lock()
	t.self = peers.Self
	t.maxInbound = t.capacity * len(peers.Addrs)
	t.mu.Unlock()
	t.addrMu.Lock()
	t.addrs = peers.Addrs
	t.addrMu.Unlock()
	registryMu.Lock()
	registry[peers.Self] = t
	registryMu.Unlock()
	return nil
}

func (t *Bigmachine) machine(ctx context.Context, proc int) (*bigmachine.Machine, error) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if m := t.machines[proc]; m != nil {
		return m, nil
	}
	if proc < 0 || proc >= len(t.addrs) {
		return nil, errors.E(errors.Fatal, fmt.Sprintf("channel %d: no address for process %d", t.self, proc))
	}
	m, err := t.b.Dial(ctx, t.addrs[proc])
	if err != nil {
		return nil, err
	}
	t.machines[proc] = m
	return m, nil
}

// Send implements Channel. Frames to a process are shipped in
// order by a per-process sender; the outcome of each is reported to
// l by a later Progress. Send returns false once the transport is
// closed.
func (t *Bigmachine) Send(proc, edge int, buf *buffer.Buffer, l SendListener) bool {
	if !t.reserve(proc) {
		return false
	}
	f := Frame{Source: t.self, Edge: edge, Data: append([]byte(nil), buf.Bytes()...)}
	buf.Retain()
	if !t.enqueue(proc, outbound{f, completion{proc: proc, edge: edge, buf: buf, l: l}}) {
		buf.Release()
		t.unreserve(proc)
		return false
	}
	return true
}

// Close stops the per-process senders. Frames already queued are
// reported as failed unless their calls completed. Close waits for
// the senders to exit.
func (t *Bigmachine) Close() {
	t.addrMu.Lock()
	if t.closed {
		t.addrMu.Unlock()
		return
	}
	t.closed = true
	t.cancel()
	for proc, q := range t.queues {
		close(q)
		delete(t.queues, proc)
	}
	t.addrMu.Unlock()
	t.senders.Wait()
	registryMu.Lock()
	if registry[t.self] == t {
		delete(registry, t.self)
	}
	registryMu.Unlock()
}

type outbound struct {
	frame Frame
	comp  completion
}

// enqueue queues out on the queue of process proc, starting its
// sender if needed. It returns false if the transport is closed.
// The queue never blocks: reserve bounds the number of frames in
// flight to capacity.
func (t *Bigmachine) enqueue(proc int, out outbound) bool {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if t.closed {
		return false
	}
	q := t.queues[proc]
	if q == nil {
		q = make(chan outbound, t.capacity)
		t.queues[proc] = q
		t.senders.Add(1)
		go t.ship(proc, q)
	}
	q <- out
	return true
}

// ship delivers the frames queued for proc until the queue is
// closed.
func (t *Bigmachine) ship(proc int, q <-chan outbound) {
	defer t.senders.Done()
	ctx := t.ctx
	for out := range q {
		err := t.limiter.Acquire(ctx, 1)
		if err == nil {
			var m *bigmachine.Machine
			if m, err = t.machine(ctx, proc); err == nil {
				err = m.Call(ctx, ServiceName+".Deliver", out.frame, nil)
			}
			t.limiter.Release(1)
		}
		if err != nil {
			log.Error.Printf("channel %d: send to process %d failed: %v", t.self, proc, err)
			out.comp.err = errors.E(errors.Net, fmt.Sprintf("channel %d: deliver to process %d", t.self, proc), err)
		}
		t.complete(out.comp)
	}
}

func (t *Bigmachine) deliver(ctx context.Context, f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.inbound) >= t.maxInbound {
		if err := t.cond.Wait(ctx); err != nil {
			return err
		}
	}
	t.inbound = append(t.inbound, frame{src: f.Source, edge: f.Edge, data: f.Data})
	return nil
}

// Progress implements Channel.
func (t *Bigmachine) Progress() error {
	return t.progress()
}
