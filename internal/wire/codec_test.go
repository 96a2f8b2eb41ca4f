package wire

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Spindle/internal/nodeid"
)

// testHeader returns a routed header with a fresh origin.
func testHeader(seq uint64) Header {
	return Header{Origin: uuid.New(), Seq: seq}
}

// TestCodecRoundTrip tests that every variant survives encoding.
func TestCodecRoundTrip(t *testing.T) {
	date := time.UnixMilli(time.Now().UnixMilli())

	messages := []Message{
		&ClosestNode{Header: testHeader(1), Addressed: Addressed{Target: uuid.New()}, Address: "10.0.0.1:4000"},
		&ClosestNodeResponse{Header: testHeader(2), Addressed: Addressed{Target: uuid.New()}, Reply: Reply{Answered: 1}, Node: uuid.New(), Address: "10.0.0.2:4000"},
		&ComplementingInvitation{Header: testHeader(3), Slot: 17, Address: "a"},
		&BeltConnect{Header: testHeader(4), Side: nodeid.Right, Address: "b"},
		&LocateResource{Header: testHeader(5), Resource: uuid.New()},
		&FoundLocateResourceResponse{Header: testHeader(6), Addressed: Addressed{Target: uuid.New()}, Reply: Reply{Answered: 5}, Resource: uuid.New(), Location: uuid.New(), Metadata: []byte("meta")},
		&NotFoundLocateResourceResponse{Header: testHeader(7), Addressed: Addressed{Target: uuid.New()}, Reply: Reply{Answered: 5}, Resource: uuid.New()},
		&ResourceMetadata{Header: testHeader(8), Addressed: Addressed{Target: uuid.New()}, Resource: uuid.New()},
		&ResourceMetadataResponse{Header: testHeader(9), Addressed: Addressed{Target: uuid.New()}, Reply: Reply{Answered: 8}, Resource: uuid.New(), Found: true, Metadata: []byte{1, 2}},
		&DeferredDelivery{Header: testHeader(10), Addressed: Addressed{Target: uuid.New()}, Recipient: uuid.New(), Messages: []DeferredMessage{
			{ID: uuid.New(), Recipient: uuid.New(), Date: date, Body: []byte("hello")},
		}},
		&Hello{Phase: PhaseComplementing, Address: "[::1]:4000"},
		&RouterSet{
			Routers: []Router{
				{Distance: 1, Spindle: []uuid.UUID{uuid.New()}},
				{},
				{Distance: 3, Spindle: []uuid.UUID{uuid.New(), uuid.New()}},
			},
			Clearing: []uuid.UUID{uuid.New()},
		},
		&ResourceActions{Actions: []ResourceAction{
			{Kind: ActionUpdateUpDistance, Resource: uuid.New(), Distance: 2},
			{Kind: ActionUpdateUpClosest, Resource: uuid.New(), Location: uuid.New(), Metadata: []byte("m")},
			{Kind: ActionRemoveUp, Resource: uuid.New()},
		}},
		&CumulationValue{Kind: 1, Level: 5, Count: 12.5},
		&CumulationValue{Kind: 0, Level: 0, Empty: true},
		&CumulationRequest{Kind: 1, Level: 3},
		&DeferredDistance{Recipient: uuid.New(), Distance: -1},
		&DeferredMessages{Messages: []DeferredMessage{
			{ID: uuid.New(), Recipient: uuid.New(), Date: date, Body: []byte("x")},
			{ID: uuid.New(), Recipient: uuid.New(), Date: date},
		}},
		&DeferredRemoval{Recipient: uuid.New(), IDs: []uuid.UUID{uuid.New(), uuid.New()}},
	}

	for _, m := range messages {
		t.Run(m.Code().String(), func(t *testing.T) {
			data := Encode(m)
			assert.Equal(t, byte(m.Code()), data[0])

			got, err := Decode(data)
			require.NoError(t, err)

			if diff := cmp.Diff(m, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// TestRoutedCodes tests the interop numbering of routed messages.
func TestRoutedCodes(t *testing.T) {
	assert.Equal(t, Code(0x00), (&ClosestNode{}).Code())
	assert.Equal(t, Code(0x01), (&ClosestNodeResponse{}).Code())
	assert.Equal(t, Code(0x02), (&ComplementingInvitation{}).Code())
	assert.Equal(t, Code(0x03), (&BeltConnect{}).Code())
	assert.Equal(t, Code(0x04), (&LocateResource{}).Code())
	assert.Equal(t, Code(0x05), (&FoundLocateResourceResponse{}).Code())
	assert.Equal(t, Code(0x06), (&NotFoundLocateResourceResponse{}).Code())
	assert.Equal(t, Code(0x07), (&ResourceMetadata{}).Code())

	assert.True(t, CodeDeferredDelivery.IsRouted())
	assert.False(t, CodeHello.IsRouted())
}

// TestHeaderLayout tests the fixed position of the routed header.
func TestHeaderLayout(t *testing.T) {
	origin := uuid.New()
	data := Encode(&LocateResource{Header: Header{Origin: origin, Seq: 0x0102030405060708}, Resource: uuid.Nil})

	require.Len(t, data, 1+16+8+16)
	assert.Equal(t, origin[:], data[1:17])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data[17:25])
}

// TestDecodeErrors tests malformed frames.
func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{0x3f})
	assert.ErrorIs(t, err, ErrUnknownMessage)

	full := Encode(&ClosestNode{Header: testHeader(1), Address: "somewhere"})
	for cut := 1; cut < len(full); cut++ {
		_, err = Decode(full[:cut])
		assert.ErrorIs(t, err, ErrTruncated, "cut at %d", cut)
	}

	_, err = Decode(append(full, 0))
	assert.Error(t, err)
}

// TestDecodeOversizedList tests that a declared list longer than the frame
// fails without decoding any item.
func TestDecodeOversizedList(t *testing.T) {
	frame := Encode(&DeferredMessages{})
	binary.BigEndian.PutUint32(frame[len(frame)-4:], maxListLen)

	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrTruncated)

	frame = Encode(&DeferredRemoval{Recipient: uuid.New(), IDs: []uuid.UUID{uuid.New()}})
	binary.BigEndian.PutUint32(frame[17:21], 2)

	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrTruncated)

	frame = Encode(&Hello{Address: "x"})
	binary.BigEndian.PutUint32(frame[2:6], 1<<16)

	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrTruncated)
}

// TestPeekCode tests reading the code without decoding.
func TestPeekCode(t *testing.T) {
	code, err := PeekCode(Encode(&Hello{}))
	require.NoError(t, err)
	assert.Equal(t, CodeHello, code)
}
