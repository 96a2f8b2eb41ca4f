package deferred

import (
	"errors"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/google/uuid"
)

// ErrCorruptRecord is returned for stored records that cannot be decoded.
var ErrCorruptRecord = errors.New("corrupt deferred record")

// Record field slots.
const (
	recordID        = 0 // recordID is the message id, a 16-byte vector
	recordRecipient = 1 // recordRecipient is the recipient id, a 16-byte vector
	recordDate      = 2 // recordDate is the deferral date in unix millis
	recordBody      = 3 // recordBody is the zstd compressed body
	recordRawSize   = 4 // recordRawSize is the uncompressed body length
	recordFields    = 5
)

// record is the flatbuffers table persisted for each deferred message.
type record struct {
	tab flatbuffers.Table
}

// buildRecord serializes a record. body must already be compressed.
func buildRecord(id, recipient uuid.UUID, date time.Time, body []byte, rawSize int) []byte {
	builder := flatbuffers.NewBuilder(64 + len(body))

	idOffset := builder.CreateByteVector(id[:])
	recipientOffset := builder.CreateByteVector(recipient[:])
	bodyOffset := builder.CreateByteVector(body)

	builder.StartObject(recordFields)
	builder.PrependInt64Slot(recordDate, date.UnixMilli(), 0)
	builder.PrependUOffsetTSlot(recordID, idOffset, 0)
	builder.PrependUOffsetTSlot(recordRecipient, recipientOffset, 0)
	builder.PrependUOffsetTSlot(recordBody, bodyOffset, 0)
	builder.PrependUint32Slot(recordRawSize, uint32(rawSize), 0)
	builder.Finish(builder.EndObject())

	return builder.FinishedBytes()
}

// readRecord wraps a serialized record.
func readRecord(buf []byte) (*record, error) {
	if len(buf) < flatbuffers.SizeUOffsetT {
		return nil, ErrCorruptRecord
	}

	n := flatbuffers.GetUOffsetT(buf)
	if int(n) >= len(buf) {
		return nil, ErrCorruptRecord
	}

	r := &record{}
	r.tab.Bytes = buf
	r.tab.Pos = n

	if len(r.id()) != 16 || len(r.recipient()) != 16 {
		return nil, ErrCorruptRecord
	}

	return r, nil
}

// field returns the absolute position of a field, or 0 if absent.
func (r *record) field(slot int) flatbuffers.UOffsetT {
	o := flatbuffers.UOffsetT(r.tab.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
	if o == 0 {
		return 0
	}

	return o + r.tab.Pos
}

func (r *record) bytes(slot int) []byte {
	if o := r.field(slot); o != 0 {
		return r.tab.ByteVector(o)
	}

	return nil
}

func (r *record) id() []byte        { return r.bytes(recordID) }
func (r *record) recipient() []byte { return r.bytes(recordRecipient) }
func (r *record) body() []byte      { return r.bytes(recordBody) }

func (r *record) date() time.Time {
	if o := r.field(recordDate); o != 0 {
		return time.UnixMilli(r.tab.GetInt64(o))
	}

	return time.UnixMilli(0)
}

func (r *record) rawSize() int {
	if o := r.field(recordRawSize); o != 0 {
		return int(r.tab.GetUint32(o))
	}

	return 0
}
