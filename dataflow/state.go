// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dataflow

import "github.com/grailbio/base/log"

// SendState is the state of an OutMessage. SendState values are
// defined so that their magnitudes correspond with progression.
type SendState int

const (
	// SendInit is the state of a freshly queued message.
	SendInit SendState = iota
	// SentInternally indicates that every internal destination
	// accepted the message.
	SentInternally
	// HeaderBuilt indicates that the message header is built and the
	// payload encoded, but no buffer has been filled.
	HeaderBuilt
	// PartiallySerialized indicates that some, but not all, of the
	// message's buffers have been filled.
	PartiallySerialized
	// Serialized indicates that every buffer of the message has been
	// filled.
	Serialized
	// Finished indicates that every external destination accepted
	// every buffer. The message is retired.
	Finished

	maxSendState
)

var sendStates = [...]string{
	SendInit:            "INIT",
	SentInternally:      "SENT_INTERNALLY",
	HeaderBuilt:         "HEADER_BUILT",
	PartiallySerialized: "PARTIALLY_SERIALIZED",
	Serialized:          "SERIALIZED",
	Finished:            "FINISHED",
}

func (s SendState) String() string {
	return sendStates[s]
}

// sendTransitions lists the legal successors of each state.
var sendTransitions = [maxSendState][]SendState{
	SendInit:            {SentInternally},
	SentInternally:      {HeaderBuilt, Finished},
	HeaderBuilt:         {PartiallySerialized, Serialized},
	PartiallySerialized: {Serialized},
	Serialized:          {Finished},
}

// advance moves s to next, panicking on an illegal transition.
func (s *SendState) advance(next SendState) {
	for _, legal := range sendTransitions[*s] {
		if legal == next {
			*s = next
			return
		}
	}
	log.Panicf("dataflow: illegal send transition %s -> %s", *s, next)
}

// ReceiveState is the state of an InMessage.
type ReceiveState int

const (
	// ReceiveInit is the state of a message whose first buffer has
	// not been accepted.
	ReceiveInit ReceiveState = iota
	// Building indicates that buffers are arriving.
	Building
	// Built indicates that the last buffer arrived.
	Built
	// Receive indicates that the message is deserialized and waits
	// for delivery.
	Receive
	// Done indicates that the receiver accepted the message.
	Done

	maxReceiveState
)

var receiveStates = [...]string{
	ReceiveInit: "INIT",
	Building:    "BUILDING",
	Built:       "BUILT",
	Receive:     "RECEIVE",
	Done:        "DONE",
}

func (s ReceiveState) String() string {
	return receiveStates[s]
}

var receiveTransitions = [maxReceiveState][]ReceiveState{
	ReceiveInit: {Building, Built},
	Building:    {Built},
	Built:       {Receive},
	Receive:     {Done},
}

func (s *ReceiveState) advance(next ReceiveState) {
	for _, legal := range receiveTransitions[*s] {
		if legal == next {
			*s = next
			return
		}
	}
	log.Panicf("dataflow: illegal receive transition %s -> %s", *s, next)
}
