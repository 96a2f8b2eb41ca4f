// Package processor dispatches the messages received from neighbours.
//
// Routed messages are forwarded hop by hop toward their target until no
// known node is closer, where the terminal handler of their variant runs.
// Neighbour messages are handed to the component owning their state.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"Spindle/internal/cumulation"
	"Spindle/internal/deferred"
	"Spindle/internal/metrics"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
	"Spindle/internal/routing"
	"Spindle/internal/wire"
)

// ErrNoRoute is returned when a message cannot leave the local node.
var ErrNoRoute = errors.New("no route to target")

// Handler receives the events the processor cannot complete on its own.
// Methods are called from the goroutine handling the message and must not block.
type Handler interface {
	// Connect asks for a connection of the given phase to node id at address.
	Connect(id uuid.UUID, address string, phase wire.Phase)
	// Answer hands over a response to a request originated locally.
	Answer(msg wire.Response)
	// Received hands over deferred messages addressed to the local node.
	Received(msg *wire.DeferredDelivery)
}

// Components are the state machines the processor composes.
type Components struct {
	Router     *routing.LocalRouterSet
	Belt       *routing.Belt
	Tree       *resource.ResourceTreeNodeSet
	Cumulation *cumulation.CumulationSet // Cumulation is nil when aggregation is disabled
	Deferred   *deferred.DeferredMessageSet
}

// Config holds the processor settings.
type Config struct {
	Address  string        // Address is where the local node listens
	DedupTTL time.Duration // DedupTTL is how long routed messages are remembered
}

// Processor is the message dispatcher of the local node.
type Processor struct {
	self    uuid.UUID
	cfg     Config
	c       Components
	handler Handler
	seen    *dedup
	seq     atomic.Uint64 // seq is the last sequence number handed out
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New creates a processor for the node self.
func New(self uuid.UUID, cfg Config, c Components, handler Handler, m *metrics.Metrics, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}

	p := &Processor{
		self:    self,
		cfg:     cfg,
		c:       c,
		handler: handler,
		seen:    newDedup(cfg.DedupTTL),
		metrics: m,
		log:     log.With("component", "processor"),
	}

	// Numbers still remembered by neighbours must not be reused after a restart.
	p.seq.Store(uint64(time.Now().UnixNano()))

	return p
}

// Header returns the header of a new message originated here.
func (p *Processor) Header() wire.Header {
	return wire.Header{Origin: p.self, Seq: p.seq.Add(1)}
}

// Originate processes a message created by the local node.
func (p *Processor) Originate(msg wire.Routed) {
	p.Handle(p.self, msg)
}

// Handle processes msg received from the neighbour from.
func (p *Processor) Handle(from uuid.UUID, msg wire.Message) {
	if from != p.self {
		p.metrics.Received(msg.Code())
	}

	if routed, ok := msg.(wire.Routed); ok {
		if !p.seen.check(routed) {
			p.metrics.Duplicate()
			p.log.Debug("duplicate message", "code", msg.Code(), "origin", nodeid.Short(routed.Head().Origin))
			return
		}
	}

	switch m := msg.(type) {
	case *wire.ClosestNode:
		p.handleClosestNode(from, m)
	case *wire.ComplementingInvitation:
		p.handleInvitation(from, m)
	case *wire.BeltConnect:
		p.handleBeltConnect(from, m)
	case *wire.LocateResource:
		p.handleLocate(from, m)
	case *wire.ResourceMetadata:
		p.handleMetadata(from, m)
	case *wire.DeferredDelivery:
		p.handleDelivery(from, m)
	case *wire.ClosestNodeResponse, *wire.FoundLocateResourceResponse,
		*wire.NotFoundLocateResourceResponse, *wire.ResourceMetadataResponse:
		p.handleResponse(from, m.(wire.Response))

	case *wire.RouterSet:
		p.c.Router.UpdateRemote(from, m)
	case *wire.ResourceActions:
		p.c.Tree.Apply(from, m.Actions)
	case *wire.CumulationValue:
		if p.c.Cumulation != nil {
			p.c.Cumulation.HandleValue(from, m)
		}
	case *wire.CumulationRequest:
		if p.c.Cumulation != nil {
			p.c.Cumulation.HandleRequest(from, m)
		}
	case *wire.DeferredDistance:
		p.c.Deferred.HandleDistance(from, m)
	case *wire.DeferredMessages:
		p.c.Deferred.HandleMessages(from, m)
	case *wire.DeferredRemoval:
		p.c.Deferred.HandleRemoval(from, m)

	default:
		// Hello is consumed by the transport and never reaches the processor.
		panic(fmt.Sprintf("processor: no handler for %s", msg.Code()))
	}
}

// Deliver implements deferred.Transport by routing the batch to the node
// publishing the recipient.
func (p *Processor) Deliver(_ context.Context, location resource.Location, recipient uuid.UUID, msgs []wire.DeferredMessage) error {
	if location.Node != p.self && p.c.Router.PathStep(location.Node) == nil {
		return fmt.Errorf("deliver to %s:\n%w", nodeid.Short(location.Node), ErrNoRoute)
	}

	p.Originate(&wire.DeferredDelivery{
		Header:    p.Header(),
		Addressed: wire.Addressed{Target: location.Node},
		Recipient: recipient,
		Messages:  msgs,
	})

	return nil
}

// forward sends msg one hop closer to its target. It returns false when the
// local node is the closest known node, in which case the caller handles it.
func (p *Processor) forward(msg wire.Targeted) bool {
	target := msg.TargetID()
	if target == p.self {
		return false
	}

	hop := p.c.Router.PathStep(target)
	if hop == nil {
		return false
	}

	p.send(hop, msg)
	p.metrics.Forwarded(msg.Code())

	return true
}

// reply routes a response built for the origin of a request.
func (p *Processor) reply(msg wire.Response) {
	p.Originate(msg)
}

// handleClosestNode answers the origin when the local node is the closest
// to the target, and connects to a joining target.
func (p *Processor) handleClosestNode(_ uuid.UUID, msg *wire.ClosestNode) {
	if p.forward(msg) {
		return
	}

	p.metrics.Terminated(msg.Code())

	if msg.Address != "" && msg.Target != p.self && p.slotFree(msg.Target) {
		p.log.Debug("closest node to joiner", "joiner", nodeid.Short(msg.Target))
		p.handler.Connect(msg.Target, msg.Address, wire.PhaseComplementing)
	}

	p.reply(&wire.ClosestNodeResponse{
		Header:    p.Header(),
		Addressed: wire.Addressed{Target: msg.Origin},
		Reply:     wire.Reply{Answered: msg.Seq},
		Node:      p.self,
		Address:   p.cfg.Address,
	})
}

// handleInvitation connects to the joiner when the local slot for it is
// free and spreads the invitation to the invited neighbours.
func (p *Processor) handleInvitation(from uuid.UUID, msg *wire.ComplementingInvitation) {
	joiner := msg.Origin

	if joiner != p.self && nodeid.PrefixLength(p.self, joiner) >= msg.Slot {
		p.metrics.Terminated(msg.Code())

		if p.slotFree(joiner) {
			p.log.Debug("accepting complementing invitation", "joiner", nodeid.Short(joiner))
			p.handler.Connect(joiner, msg.Address, wire.PhaseComplementing)
		}
	}

	for _, n := range p.c.Router.Neighbours() {
		id := n.ID()
		if id == from || id == joiner || nodeid.PrefixLength(id, joiner) < msg.Slot {
			continue
		}

		p.send(n, msg)
		p.metrics.Forwarded(msg.Code())
	}
}

// handleBeltConnect walks the ring toward the origin's neighbour on the
// requested side. Each hop moves to the known node nearest to the origin
// along that side; the node no one beats is the origin's ring neighbour.
func (p *Processor) handleBeltConnect(from uuid.UUID, msg *wire.BeltConnect) {
	origin := msg.Origin

	var best routing.Neighbour
	var bestDist nodeid.Distance

	candidates := append(p.c.Belt.Neighbours(), p.c.Router.Neighbours()...)
	for _, n := range candidates {
		id := n.ID()
		if id == from || id == origin || !n.Open() {
			continue
		}

		d := nodeid.Toward(msg.Side, origin, id)
		if best == nil || d.Cmp(bestDist) < 0 {
			best, bestDist = n, d
		}
	}

	if origin == p.self {
		if best == nil {
			p.metrics.Dropped(msg.Code())
			p.log.Debug("no neighbour to start belt search", "side", msg.Side)
			return
		}

		p.send(best, msg)
		p.metrics.Forwarded(msg.Code())

		return
	}

	if best != nil && bestDist.Cmp(nodeid.Toward(msg.Side, origin, p.self)) < 0 {
		p.send(best, msg)
		p.metrics.Forwarded(msg.Code())

		return
	}

	p.metrics.Terminated(msg.Code())
	p.log.Debug("found belt position", "joiner", nodeid.Short(origin), "side", msg.Side)
	p.handler.Connect(origin, msg.Address, wire.PhaseBelt)
}

// handleLocate answers from the directory when it knows a location, and
// otherwise walks toward the resource home, which answers not found.
func (p *Processor) handleLocate(_ uuid.UUID, msg *wire.LocateResource) {
	if loc, ok := p.c.Tree.Locate(msg.Resource); ok {
		p.metrics.Terminated(msg.Code())
		p.reply(&wire.FoundLocateResourceResponse{
			Header:    p.Header(),
			Addressed: wire.Addressed{Target: msg.Origin},
			Reply:     wire.Reply{Answered: msg.Seq},
			Resource:  msg.Resource,
			Location:  loc.Node,
			Metadata:  loc.Metadata,
		})

		return
	}

	if p.forward(msg) {
		return
	}

	p.metrics.Terminated(msg.Code())
	p.reply(&wire.NotFoundLocateResourceResponse{
		Header:    p.Header(),
		Addressed: wire.Addressed{Target: msg.Origin},
		Reply:     wire.Reply{Answered: msg.Seq},
		Resource:  msg.Resource,
	})
}

// handleMetadata answers with the local publication. A request stranded
// before its target is answered as not found.
func (p *Processor) handleMetadata(_ uuid.UUID, msg *wire.ResourceMetadata) {
	if p.forward(msg) {
		return
	}

	p.metrics.Terminated(msg.Code())

	var metadata []byte
	found := false

	if msg.Target == p.self {
		metadata, found = p.c.Tree.LocalMetadata(msg.Resource)
	}

	p.reply(&wire.ResourceMetadataResponse{
		Header:    p.Header(),
		Addressed: wire.Addressed{Target: msg.Origin},
		Reply:     wire.Reply{Answered: msg.Seq},
		Resource:  msg.Resource,
		Found:     found,
		Metadata:  metadata,
	})
}

// handleDelivery hands a batch reaching its target to the handler.
func (p *Processor) handleDelivery(_ uuid.UUID, msg *wire.DeferredDelivery) {
	if p.forward(msg) {
		return
	}

	if msg.Target != p.self {
		p.metrics.Dropped(msg.Code())
		p.log.Warn("deferred delivery stranded", "target", nodeid.Short(msg.Target), "recipient", nodeid.Short(msg.Recipient), "count", len(msg.Messages))
		return
	}

	p.metrics.Terminated(msg.Code())
	p.handler.Received(msg)
}

// handleResponse routes a response back to the origin of its request.
func (p *Processor) handleResponse(_ uuid.UUID, msg wire.Response) {
	if p.forward(msg) {
		return
	}

	if msg.TargetID() != p.self {
		p.metrics.Dropped(msg.Code())
		p.log.Debug("response stranded", "code", msg.Code(), "target", nodeid.Short(msg.TargetID()))
		return
	}

	p.metrics.Terminated(msg.Code())
	p.handler.Answer(msg)
}

// slotFree reports whether the local slot for id has neither a neighbour
// nor a booking.
func (p *Processor) slotFree(id uuid.UUID) bool {
	i := p.c.Router.SlotOf(id)
	return p.c.Router.NeighbourAt(i) == nil && !p.c.Router.IsBooked(i)
}

// send queues msg to n, logging failures.
func (p *Processor) send(n routing.Neighbour, msg wire.Message) {
	if err := n.Send(msg); err != nil {
		p.log.Debug("send failed", "peer", nodeid.Short(n.ID()), "code", msg.Code(), "error", err)
	}
}
