// Package wire defines the overlay messages and their binary encoding.
//
// Every message is a variant of a tagged union keyed by its one-byte code.
// Routed messages (codes below 0x40) travel hop by hop through the mesh and
// carry a header naming their origin and sequence number. Neighbour messages
// (codes 0x40 and above) are exchanged only between direct neighbours.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
)

// Code identifies a message variant on the wire.
type Code byte

// Routed message codes. These values are the interop contract.
const (
	CodeClosestNode                    Code = 0x00
	CodeClosestNodeResponse            Code = 0x01
	CodeComplementingInvitation        Code = 0x02
	CodeBeltConnect                    Code = 0x03
	CodeLocateResource                 Code = 0x04
	CodeFoundLocateResourceResponse    Code = 0x05
	CodeNotFoundLocateResourceResponse Code = 0x06
	CodeResourceMetadata               Code = 0x07
	CodeResourceMetadataResponse       Code = 0x08
	CodeDeferredDelivery               Code = 0x09
)

// Neighbour message codes.
const (
	CodeHello             Code = 0x40
	CodeRouterSet         Code = 0x41
	CodeResourceActions   Code = 0x42
	CodeCumulationValue   Code = 0x43
	CodeCumulationRequest Code = 0x44
	CodeDeferredDistance  Code = 0x45
	CodeDeferredMessages  Code = 0x46
	CodeDeferredRemoval   Code = 0x47
)

var codeNames = map[Code]string{
	CodeClosestNode:                    "ClosestNode",
	CodeClosestNodeResponse:            "ClosestNodeResponse",
	CodeComplementingInvitation:        "ComplementingInvitation",
	CodeBeltConnect:                    "BeltConnect",
	CodeLocateResource:                 "LocateResource",
	CodeFoundLocateResourceResponse:    "FoundLocateResourceResponse",
	CodeNotFoundLocateResourceResponse: "NotFoundLocateResourceResponse",
	CodeResourceMetadata:               "ResourceMetadata",
	CodeResourceMetadataResponse:       "ResourceMetadataResponse",
	CodeDeferredDelivery:               "DeferredDelivery",
	CodeHello:                          "Hello",
	CodeRouterSet:                      "RouterSet",
	CodeResourceActions:                "ResourceActions",
	CodeCumulationValue:                "CumulationValue",
	CodeCumulationRequest:              "CumulationRequest",
	CodeDeferredDistance:               "DeferredDistance",
	CodeDeferredMessages:               "DeferredMessages",
	CodeDeferredRemoval:                "DeferredRemoval",
}

// String returns the variant name.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Code(0x%02x)", byte(c))
}

// IsRouted reports whether the code belongs to a routed message.
func (c Code) IsRouted() bool {
	return c < CodeHello
}

// Message is any overlay message.
type Message interface {
	Code() Code
}

// Header is carried by every routed message.
type Header struct {
	Origin uuid.UUID // Origin is the node that created the message
	Seq    uint64    // Seq is the origin's sequence number for the message
}

// Head returns the header.
func (h Header) Head() Header {
	return h
}

// Routed is a message forwarded hop by hop.
type Routed interface {
	Message
	Head() Header
}

// Targeted is a routed message addressed to the node closest to a target.
type Targeted interface {
	Routed
	TargetID() uuid.UUID
}

// Response is a targeted message answering an earlier request.
type Response interface {
	Targeted
	AnsweredSeq() uint64
}

// Addressed is embedded by target-addressed messages.
type Addressed struct {
	Target uuid.UUID // Target is the identifier being routed toward
}

// TargetID returns the routing target.
func (t Addressed) TargetID() uuid.UUID {
	return t.Target
}

// Reply is embedded by responses.
type Reply struct {
	Answered uint64 // Answered is the sequence number of the request
}

// AnsweredSeq returns the answered sequence number.
func (a Reply) AnsweredSeq() uint64 {
	return a.Answered
}

// ClosestNode asks for the node closest to Target. The closest node connects
// to Address and answers the origin.
type ClosestNode struct {
	Header
	Addressed
	Address string // Address is where the joining node listens
}

// ClosestNodeResponse names the node closest to Target.
type ClosestNodeResponse struct {
	Header
	Addressed
	Reply
	Node    uuid.UUID // Node is the closest node found
	Address string    // Address is where Node listens
}

// ComplementingInvitation floods the nodes sharing at least Slot leading
// bits with its origin, the joiner, so that nodes missing a neighbour at the
// joiner's slot can connect to it.
type ComplementingInvitation struct {
	Header
	Slot    int    // Slot is the shortest prefix shared with the joiner that is invited
	Address string // Address is where the joining node listens
}

// BeltConnect walks the ring toward Side until it reaches the joiner's ring
// neighbour, which then connects to Address.
type BeltConnect struct {
	Header
	Side    nodeid.Side // Side is the direction being searched, seen from the joiner
	Address string      // Address is where the joining node listens
}

// LocateResource walks toward the resource home until a directory node is found.
type LocateResource struct {
	Header
	Resource uuid.UUID // Resource is the resource being looked up
}

// TargetID returns the resource identifier.
func (m *LocateResource) TargetID() uuid.UUID {
	return m.Resource
}

// FoundLocateResourceResponse reports a location of Resource.
type FoundLocateResourceResponse struct {
	Header
	Addressed
	Reply
	Resource uuid.UUID // Resource is the resource that was looked up
	Location uuid.UUID // Location is the node publishing the resource
	Metadata []byte    // Metadata is the publication payload known to the responder
}

// NotFoundLocateResourceResponse reports that Resource is not published.
type NotFoundLocateResourceResponse struct {
	Header
	Addressed
	Reply
	Resource uuid.UUID // Resource is the resource that was looked up
}

// ResourceMetadata asks the publisher at Target for the current metadata.
type ResourceMetadata struct {
	Header
	Addressed
	Resource uuid.UUID // Resource is the resource whose metadata is requested
}

// ResourceMetadataResponse carries the publisher's current metadata.
type ResourceMetadataResponse struct {
	Header
	Addressed
	Reply
	Resource uuid.UUID // Resource is the resource whose metadata was requested
	Found    bool      // Found is false when the resource is not published at the responder
	Metadata []byte    // Metadata is the publication payload
}

// DeferredDelivery carries a batch of deferred messages to the node
// publishing their recipient resource.
type DeferredDelivery struct {
	Header
	Addressed
	Recipient uuid.UUID         // Recipient is the recipient resource
	Messages  []DeferredMessage // Messages is the delivered batch
}

// Phase is the reason a connection was opened.
type Phase uint8

const (
	PhaseJoining       Phase = 0 // PhaseJoining links a joining node to the mesh
	PhaseComplementing Phase = 1 // PhaseComplementing fills an empty routing slot
	PhaseBelt          Phase = 2 // PhaseBelt links ring neighbours
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseJoining:
		return "joining"
	case PhaseComplementing:
		return "complementing"
	case PhaseBelt:
		return "belt"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Hello is the first frame sent on every connection.
type Hello struct {
	Phase   Phase  // Phase is the reason for the connection
	Address string // Address is where the sender listens
}

// Router is the wire form of one routing level.
type Router struct {
	Distance uint32      // Distance is the hop count, 0 for an empty router
	Spindle  []uuid.UUID // Spindle is the loop-avoidance set
}

// RouterSet announces the sender's routing levels.
type RouterSet struct {
	Routers  []Router    // Routers is indexed by prefix length
	Clearing []uuid.UUID // Clearing lists nodes excluded from the recomputation that produced this set
}

// ActionKind selects a resource tree delta.
type ActionKind uint8

const (
	ActionUpdateUpDistance   ActionKind = 0 // ActionUpdateUpDistance sets the sender's distance as an up entry
	ActionUpdateUpClosest    ActionKind = 1 // ActionUpdateUpClosest sets the sender's closest location as an up entry
	ActionRemoveUp           ActionKind = 2 // ActionRemoveUp removes the sender's up entry
	ActionUpdateNextLocation ActionKind = 3 // ActionUpdateNextLocation sets the location found beyond the sender
	ActionRemoveNextLocation ActionKind = 4 // ActionRemoveNextLocation clears the location found beyond the sender
)

// String returns the action name.
func (k ActionKind) String() string {
	switch k {
	case ActionUpdateUpDistance:
		return "UpdateUpDistance"
	case ActionUpdateUpClosest:
		return "UpdateUpClosest"
	case ActionRemoveUp:
		return "RemoveUp"
	case ActionUpdateNextLocation:
		return "UpdateNextLocation"
	case ActionRemoveNextLocation:
		return "RemoveNextLocation"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// ResourceAction is one resource tree delta.
type ResourceAction struct {
	Kind     ActionKind // Kind selects the delta
	Resource uuid.UUID  // Resource is the resource concerned
	Distance uint32     // Distance is set for distance and next-location updates
	Location uuid.UUID  // Location is set for closest and next-location updates
	Metadata []byte     // Metadata accompanies Location
}

// ResourceActions is a batch of deltas for one neighbour.
type ResourceActions struct {
	Actions []ResourceAction
}

// CumulationValue carries a per-level aggregate to a neighbour.
type CumulationValue struct {
	Kind  uint8   // Kind is the cumulation kind
	Level int     // Level is the receiver's routing level the value belongs to
	Empty bool    // Empty withdraws a previously sent value
	Count float64 // Count is the aggregate
}

// CumulationRequest asks a neighbour to resend a value.
type CumulationRequest struct {
	Kind  uint8 // Kind is the cumulation kind
	Level int   // Level is the requester's level needing the value
}

// DeferredDistance announces the sender's distance to a recipient.
type DeferredDistance struct {
	Recipient uuid.UUID // Recipient is the recipient resource
	Distance  int32     // Distance is the hop count, -1 when untracked
}

// DeferredMessage is a queued message as exchanged between nodes.
type DeferredMessage struct {
	ID        uuid.UUID // ID identifies the message
	Recipient uuid.UUID // Recipient is the recipient resource
	Date      time.Time // Date is when the message was deferred
	Body      []byte    // Body is the opaque payload
}

// DeferredMessages hands queued messages to a neighbour closer to their recipient.
type DeferredMessages struct {
	Messages []DeferredMessage
}

// DeferredRemoval tells holders that messages were delivered.
type DeferredRemoval struct {
	Recipient uuid.UUID   // Recipient is the recipient resource
	IDs       []uuid.UUID // IDs lists delivered messages
}

func (*ClosestNode) Code() Code                    { return CodeClosestNode }
func (*ClosestNodeResponse) Code() Code            { return CodeClosestNodeResponse }
func (*ComplementingInvitation) Code() Code        { return CodeComplementingInvitation }
func (*BeltConnect) Code() Code                    { return CodeBeltConnect }
func (*LocateResource) Code() Code                 { return CodeLocateResource }
func (*FoundLocateResourceResponse) Code() Code    { return CodeFoundLocateResourceResponse }
func (*NotFoundLocateResourceResponse) Code() Code { return CodeNotFoundLocateResourceResponse }
func (*ResourceMetadata) Code() Code               { return CodeResourceMetadata }
func (*ResourceMetadataResponse) Code() Code       { return CodeResourceMetadataResponse }
func (*DeferredDelivery) Code() Code               { return CodeDeferredDelivery }
func (*Hello) Code() Code                          { return CodeHello }
func (*RouterSet) Code() Code                      { return CodeRouterSet }
func (*ResourceActions) Code() Code                { return CodeResourceActions }
func (*CumulationValue) Code() Code                { return CodeCumulationValue }
func (*CumulationRequest) Code() Code              { return CodeCumulationRequest }
func (*DeferredDistance) Code() Code               { return CodeDeferredDistance }
func (*DeferredMessages) Code() Code               { return CodeDeferredMessages }
func (*DeferredRemoval) Code() Code                { return CodeDeferredRemoval }
