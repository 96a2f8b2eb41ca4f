package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
)

var (
	// ErrUnknownMessage is returned for an unassigned message code.
	ErrUnknownMessage = errors.New("unknown message code")

	// ErrTruncated is returned when a frame ends before its fields do.
	ErrTruncated = errors.New("message truncated")
)

// maxListLen bounds decoded list lengths against corrupt frames.
const maxListLen = 1 << 20

// Encode serializes a message.
// Format: [1B code] [body], see the per-variant encoders for body layouts.
func Encode(m Message) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	e.u8(byte(m.Code()))

	switch msg := m.(type) {
	case *ClosestNode:
		// [16B origin] [8B seq] [16B target] [4B len] [address]
		e.header(msg.Header)
		e.id(msg.Target)
		e.str(msg.Address)

	case *ClosestNodeResponse:
		// [header] [16B target] [8B answered] [16B node] [4B len] [address]
		e.header(msg.Header)
		e.id(msg.Target)
		e.u64(msg.Answered)
		e.id(msg.Node)
		e.str(msg.Address)

	case *ComplementingInvitation:
		// [header] [1B slot] [4B len] [address]
		e.header(msg.Header)
		e.u8(byte(msg.Slot))
		e.str(msg.Address)

	case *BeltConnect:
		// [header] [1B side] [4B len] [address]
		e.header(msg.Header)
		e.u8(byte(msg.Side))
		e.str(msg.Address)

	case *LocateResource:
		// [header] [16B resource]
		e.header(msg.Header)
		e.id(msg.Resource)

	case *FoundLocateResourceResponse:
		// [header] [16B target] [8B answered] [16B resource] [16B location] [4B len] [metadata]
		e.header(msg.Header)
		e.id(msg.Target)
		e.u64(msg.Answered)
		e.id(msg.Resource)
		e.id(msg.Location)
		e.bytes(msg.Metadata)

	case *NotFoundLocateResourceResponse:
		// [header] [16B target] [8B answered] [16B resource]
		e.header(msg.Header)
		e.id(msg.Target)
		e.u64(msg.Answered)
		e.id(msg.Resource)

	case *ResourceMetadata:
		// [header] [16B target] [16B resource]
		e.header(msg.Header)
		e.id(msg.Target)
		e.id(msg.Resource)

	case *ResourceMetadataResponse:
		// [header] [16B target] [8B answered] [16B resource] [1B found] [4B len] [metadata]
		e.header(msg.Header)
		e.id(msg.Target)
		e.u64(msg.Answered)
		e.id(msg.Resource)
		e.bool(msg.Found)
		e.bytes(msg.Metadata)

	case *DeferredDelivery:
		// [header] [16B target] [16B recipient] [4B count] [messages]
		e.header(msg.Header)
		e.id(msg.Target)
		e.id(msg.Recipient)
		e.deferred(msg.Messages)

	case *Hello:
		// [1B phase] [4B len] [address]
		e.u8(byte(msg.Phase))
		e.str(msg.Address)

	case *RouterSet:
		// [4B count] ([4B distance] [4B count] [16B ids]...)... [4B count] [16B clearing]...
		e.u32(uint32(len(msg.Routers)))
		for _, r := range msg.Routers {
			e.u32(r.Distance)
			e.ids(r.Spindle)
		}
		e.ids(msg.Clearing)

	case *ResourceActions:
		// [4B count] ([1B kind] [16B resource] [4B distance] [16B location] [4B len] [metadata])...
		e.u32(uint32(len(msg.Actions)))
		for _, a := range msg.Actions {
			e.u8(byte(a.Kind))
			e.id(a.Resource)
			e.u32(a.Distance)
			e.id(a.Location)
			e.bytes(a.Metadata)
		}

	case *CumulationValue:
		// [1B kind] [1B level] [1B empty] [8B count]
		e.u8(msg.Kind)
		e.u8(byte(msg.Level))
		e.bool(msg.Empty)
		e.u64(math.Float64bits(msg.Count))

	case *CumulationRequest:
		// [1B kind] [1B level]
		e.u8(msg.Kind)
		e.u8(byte(msg.Level))

	case *DeferredDistance:
		// [16B recipient] [4B distance]
		e.id(msg.Recipient)
		e.u32(uint32(msg.Distance))

	case *DeferredMessages:
		// [4B count] [messages]
		e.deferred(msg.Messages)

	case *DeferredRemoval:
		// [16B recipient] [4B count] [16B ids]...
		e.id(msg.Recipient)
		e.ids(msg.IDs)

	default:
		panic(fmt.Sprintf("wire: encode unhandled message %T", m))
	}

	return e.buf
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty frame:\n%w", ErrTruncated)
	}

	d := &decoder{data: data, off: 1}
	code := Code(data[0])

	var m Message

	switch code {
	case CodeClosestNode:
		msg := &ClosestNode{Header: d.header()}
		msg.Target = d.id()
		msg.Address = d.str()
		m = msg

	case CodeClosestNodeResponse:
		msg := &ClosestNodeResponse{Header: d.header()}
		msg.Target = d.id()
		msg.Answered = d.u64()
		msg.Node = d.id()
		msg.Address = d.str()
		m = msg

	case CodeComplementingInvitation:
		msg := &ComplementingInvitation{Header: d.header()}
		msg.Slot = int(d.u8())
		msg.Address = d.str()
		m = msg

	case CodeBeltConnect:
		msg := &BeltConnect{Header: d.header()}
		msg.Side = nodeid.Side(d.u8())
		msg.Address = d.str()
		m = msg

	case CodeLocateResource:
		msg := &LocateResource{Header: d.header()}
		msg.Resource = d.id()
		m = msg

	case CodeFoundLocateResourceResponse:
		msg := &FoundLocateResourceResponse{Header: d.header()}
		msg.Target = d.id()
		msg.Answered = d.u64()
		msg.Resource = d.id()
		msg.Location = d.id()
		msg.Metadata = d.bytes()
		m = msg

	case CodeNotFoundLocateResourceResponse:
		msg := &NotFoundLocateResourceResponse{Header: d.header()}
		msg.Target = d.id()
		msg.Answered = d.u64()
		msg.Resource = d.id()
		m = msg

	case CodeResourceMetadata:
		msg := &ResourceMetadata{Header: d.header()}
		msg.Target = d.id()
		msg.Resource = d.id()
		m = msg

	case CodeResourceMetadataResponse:
		msg := &ResourceMetadataResponse{Header: d.header()}
		msg.Target = d.id()
		msg.Answered = d.u64()
		msg.Resource = d.id()
		msg.Found = d.bool()
		msg.Metadata = d.bytes()
		m = msg

	case CodeDeferredDelivery:
		msg := &DeferredDelivery{Header: d.header()}
		msg.Target = d.id()
		msg.Recipient = d.id()
		msg.Messages = d.deferred()
		m = msg

	case CodeHello:
		m = &Hello{Phase: Phase(d.u8()), Address: d.str()}

	case CodeRouterSet:
		msg := &RouterSet{}
		n := d.count(8)
		for i := 0; i < n && d.err == nil; i++ {
			msg.Routers = append(msg.Routers, Router{Distance: d.u32(), Spindle: d.ids()})
		}
		msg.Clearing = d.ids()
		m = msg

	case CodeResourceActions:
		msg := &ResourceActions{}
		n := d.count(41)
		for i := 0; i < n && d.err == nil; i++ {
			msg.Actions = append(msg.Actions, ResourceAction{
				Kind:     ActionKind(d.u8()),
				Resource: d.id(),
				Distance: d.u32(),
				Location: d.id(),
				Metadata: d.bytes(),
			})
		}
		m = msg

	case CodeCumulationValue:
		m = &CumulationValue{
			Kind:  d.u8(),
			Level: int(d.u8()),
			Empty: d.bool(),
			Count: math.Float64frombits(d.u64()),
		}

	case CodeCumulationRequest:
		m = &CumulationRequest{Kind: d.u8(), Level: int(d.u8())}

	case CodeDeferredDistance:
		m = &DeferredDistance{Recipient: d.id(), Distance: int32(d.u32())}

	case CodeDeferredMessages:
		m = &DeferredMessages{Messages: d.deferred()}

	case CodeDeferredRemoval:
		m = &DeferredRemoval{Recipient: d.id(), IDs: d.ids()}

	default:
		return nil, fmt.Errorf("decode code 0x%02x:\n%w", byte(code), ErrUnknownMessage)
	}

	if d.err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", code, d.err)
	}

	if d.off != len(data) {
		return nil, fmt.Errorf("decode %s: %d trailing bytes", code, len(data)-d.off)
	}

	return m, nil
}

// PeekCode returns the code of an encoded frame without decoding it.
func PeekCode(data []byte) (Code, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty frame:\n%w", ErrTruncated)
	}

	return Code(data[0]), nil
}

// encoder appends big-endian fields to a buffer.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v byte) {
	e.buf = append(e.buf, v)
}

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) id(v uuid.UUID) {
	e.buf = append(e.buf, v[:]...)
}

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) ids(v []uuid.UUID) {
	e.u32(uint32(len(v)))
	for _, id := range v {
		e.id(id)
	}
}

func (e *encoder) header(h Header) {
	e.id(h.Origin)
	e.u64(h.Seq)
}

// deferred writes [4B count] ([16B id] [16B recipient] [8B unix millis] [4B len] [body])...
func (e *encoder) deferred(msgs []DeferredMessage) {
	e.u32(uint32(len(msgs)))
	for _, m := range msgs {
		e.id(m.ID)
		e.id(m.Recipient)
		e.u64(uint64(m.Date.UnixMilli()))
		e.bytes(m.Body)
	}
}

// decoder reads big-endian fields and remembers the first error.
type decoder struct {
	data []byte
	off  int
	err  error
}

// take returns the next n bytes, or nil once the frame is exhausted.
func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if n < 0 || len(d.data)-d.off < n {
		d.err = fmt.Errorf("need %d bytes at offset %d, have %d:\n%w", n, d.off, len(d.data)-d.off, ErrTruncated)
		return nil
	}

	b := d.data[d.off : d.off+n]
	d.off += n

	return b
}

func (d *decoder) u8() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

func (d *decoder) bool() bool {
	return d.u8() != 0
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

func (d *decoder) id() uuid.UUID {
	var id uuid.UUID
	if b := d.take(16); b != nil {
		copy(id[:], b)
	}

	return id
}

// count reads a list length and rejects absurd values, and lengths whose
// items of at least size bytes each cannot fit in the rest of the frame.
func (d *decoder) count(size int) int {
	n := d.u32()
	if d.err != nil {
		return 0
	}

	if n > maxListLen {
		d.err = fmt.Errorf("list length %d exceeds %d:\n%w", n, maxListLen, ErrTruncated)
		return 0
	}

	if rest := len(d.data) - d.off; int(n)*size > rest {
		d.err = fmt.Errorf("list of %d items needs %d bytes at offset %d, have %d:\n%w", n, int(n)*size, d.off, rest, ErrTruncated)
		return 0
	}

	return int(n)
}

func (d *decoder) bytes() []byte {
	n := d.count(1)
	b := d.take(n)
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

func (d *decoder) str() string {
	return string(d.take(d.count(1)))
}

func (d *decoder) ids() []uuid.UUID {
	n := d.count(16)
	if n == 0 {
		return nil
	}

	out := make([]uuid.UUID, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.id())
	}

	return out
}

func (d *decoder) header() Header {
	return Header{Origin: d.id(), Seq: d.u64()}
}

func (d *decoder) deferred() []DeferredMessage {
	n := d.count(44)
	if n == 0 {
		return nil
	}

	out := make([]DeferredMessage, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, DeferredMessage{
			ID:        d.id(),
			Recipient: d.id(),
			Date:      time.UnixMilli(int64(d.u64())),
			Body:      d.bytes(),
		})
	}

	return out
}
