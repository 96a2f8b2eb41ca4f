// Package routingtest provides in-memory neighbours for tests.
package routingtest

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/invoker"
	"Spindle/internal/wire"
)

// ErrClosed is returned by Send on a closed neighbour.
var ErrClosed = errors.New("neighbour closed")

// DeliverFunc receives a message sent by from.
type DeliverFunc func(from uuid.UUID, msg wire.Message)

// Link is one direction of an in-memory connection. Messages are delivered
// on an invoker, so sends never block and never re-enter the sender.
type Link struct {
	from    uuid.UUID // from is the sending node
	to      uuid.UUID // to is the receiving node
	inv     *invoker.Invoker
	deliver DeliverFunc // deliver hands messages to the receiving node

	mu     sync.Mutex
	closed bool
	sent   int
}

// NewLink creates a link from one node to another.
func NewLink(from, to uuid.UUID, inv *invoker.Invoker, deliver DeliverFunc) *Link {
	return &Link{from: from, to: to, inv: inv, deliver: deliver}
}

// ID returns the receiving node identifier.
func (l *Link) ID() uuid.UUID {
	return l.to
}

// Open reports whether the link accepts messages.
func (l *Link) Open() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return !l.closed
}

// Send schedules delivery of msg.
func (l *Link) Send(msg wire.Message) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.sent++
	l.mu.Unlock()

	l.inv.Submit(func() {
		if l.Open() {
			l.deliver(l.from, msg)
		}
	})

	return nil
}

// Sent returns the number of messages accepted so far.
func (l *Link) Sent() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.sent
}

// Close stops delivery.
func (l *Link) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Recorder is a neighbour that keeps every message sent to it.
type Recorder struct {
	id uuid.UUID

	mu     sync.Mutex
	closed bool
	msgs   []wire.Message
}

// NewRecorder creates a recorder standing for the node id.
func NewRecorder(id uuid.UUID) *Recorder {
	return &Recorder{id: id}
}

// ID returns the node identifier.
func (r *Recorder) ID() uuid.UUID {
	return r.id
}

// Open reports whether the recorder accepts messages.
func (r *Recorder) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return !r.closed
}

// Send stores msg.
func (r *Recorder) Send(msg wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	r.msgs = append(r.msgs, msg)

	return nil
}

// Close makes the recorder refuse further messages.
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Messages returns the stored messages.
func (r *Recorder) Messages() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]wire.Message(nil), r.msgs...)
}

// Take returns and clears the stored messages.
func (r *Recorder) Take() []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.msgs
	r.msgs = nil

	return msgs
}

// Last returns the last stored message of the given code, or nil.
func (r *Recorder) Last(code wire.Code) wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.msgs) - 1; i >= 0; i-- {
		if r.msgs[i].Code() == code {
			return r.msgs[i]
		}
	}

	return nil
}

// Count returns the number of stored messages of the given code.
func (r *Recorder) Count(code wire.Code) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, m := range r.msgs {
		if m.Code() == code {
			n++
		}
	}

	return n
}

// IDWithBits returns an identifier with the given bits set, bit 0 being the
// most significant.
func IDWithBits(set ...int) uuid.UUID {
	var id uuid.UUID
	for _, i := range set {
		id[i/8] |= 0x80 >> (uint(i) % 8)
	}

	return id
}
