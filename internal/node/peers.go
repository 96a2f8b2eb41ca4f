package node

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/network"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
	"Spindle/internal/routing"
	"Spindle/internal/wire"
)

// topology wakes waiters whenever the routing table changes.
type topology struct {
	mu      sync.Mutex
	changed chan struct{}
}

func newTopology() *topology {
	return &topology{changed: make(chan struct{})}
}

// wait returns a channel closed at the next change.
func (t *topology) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.changed
}

func (t *topology) signal() {
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *topology) NeighbourAdded(routing.Neighbour) { t.signal() }
func (t *topology) NeighbourDropped(uuid.UUID)       { t.signal() }
func (t *topology) RoutesChanged()                   { t.signal() }

// waitNeighbour blocks until the routing table holds a neighbour.
func (n *Node) waitNeighbour(ctx context.Context) error {
	for {
		changed := n.topology.wait()

		if len(n.router.Neighbours()) > 0 {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handler receives the processor and deferred transport callbacks, keeping
// them off the exported Node API.
type handler Node

// Connect dials the node asked for by the processor in the background.
func (h *handler) Connect(id uuid.UUID, address string, phase wire.Phase) {
	n := (*Node)(h)
	n.spawn(func(ctx context.Context) { n.connect(ctx, id, address, phase) })
}

// Answer hands a response to the request waiting for it.
func (h *handler) Answer(msg wire.Response) {
	item := h.pending.Get(msg.AnsweredSeq())
	if item == nil {
		h.log.Debug("unsolicited answer", "code", msg.Code(), "seq", msg.AnsweredSeq())
		return
	}

	select {
	case item.Value() <- msg:
	default:
	}
}

// Received hands deferred messages to the delivery function.
func (h *handler) Received(msg *wire.DeferredDelivery) {
	h.deliveryMu.RLock()
	fn := h.onDelivery
	h.deliveryMu.RUnlock()

	if fn == nil {
		h.log.Warn("deferred messages dropped, no delivery function", "recipient", msg.Recipient, "count", len(msg.Messages))
		return
	}

	fn(msg.Recipient, msg.Messages)
}

// Deliver sends a deferred queue to the publisher of its recipient.
func (h *handler) Deliver(ctx context.Context, location resource.Location, recipient uuid.UUID, msgs []wire.DeferredMessage) error {
	return h.proc.Deliver(ctx, location, recipient, msgs)
}

// handleConnect admits a remote node that dialed in.
func (n *Node) handleConnect(p *network.Peer) {
	if p.Phase() == wire.PhaseJoining {
		n.spawn(func(ctx context.Context) { n.serveJoin(ctx, p) })
		return
	}

	n.adopt(p, false)
}

// handleMessage hands a peer message to the processor. A joining session
// only carries the answer to the joiner's lookup.
func (n *Node) handleMessage(p *network.Peer, msg wire.Message) {
	if p.Phase() == wire.PhaseJoining {
		if resp, ok := msg.(*wire.ClosestNodeResponse); ok && !p.Inbound() {
			select {
			case n.joinAnswer(p.ID()) <- resp:
			default:
			}
		}

		return
	}

	n.proc.Handle(p.ID(), msg)
}

// handleDisconnect removes p from the routing table and the belt, and
// forgets its router set once no connection to it remains.
func (n *Node) handleDisconnect(p *network.Peer) {
	if p.Phase() == wire.PhaseJoining {
		if !p.Inbound() {
			n.dropJoinAnswer(p.ID())
		}
		return
	}

	dropped := n.router.DropNeighbour(p)
	if n.belt.DropNeighbour(p) || dropped {
		n.log.Debug("neighbour lost", "peer", nodeid.Short(p.ID()))
	}

	// A belt-only peer still announced its routers.
	if cur := n.network.Peer(p.ID()); cur == nil || !cur.Open() {
		n.router.ForgetRemote(p.ID())
	}
}

// connect dials node id for the given phase and admits the connection. A
// complementing connection books the slot first so that a concurrent
// handshake for the same slot waits.
func (n *Node) connect(ctx context.Context, id uuid.UUID, address string, phase wire.Phase) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Overlay.BookingTimeout)
	defer cancel()

	existing := n.network.Peer(id)
	if existing != nil && existing.Open() && existing.Phase() == wire.PhaseJoining {
		select {
		case <-existing.Done():
			existing = nil
		case <-ctx.Done():
			return
		}
	}

	booked := false
	if phase == wire.PhaseComplementing {
		slot := n.router.SlotOf(id)
		if err := n.router.BookNeighbourWait(ctx, slot); err != nil {
			n.log.Debug("slot unavailable", "peer", nodeid.Short(id), "slot", slot, "error", err)
			return
		}

		booked = true
		defer n.router.UnbookNeighbour(slot)
	}

	var p *network.Peer
	if existing != nil && existing.Open() {
		p = existing
	} else {
		dialed, err := n.network.Dial(ctx, address, phase)
		if err != nil {
			n.log.Debug("connect failed", "peer", nodeid.Short(id), "addr", address, "phase", phase, "error", err)
			return
		}
		p = dialed
	}

	if p.ID() != id {
		n.log.Warn("unexpected node at address", "addr", address, "want", nodeid.Short(id), "got", nodeid.Short(p.ID()))
		booked = false
	}

	n.adopt(p, booked)
}

// adopt offers p to the routing table and the belt, and closes it when
// neither keeps it.
func (n *Node) adopt(p *network.Peer, booked bool) {
	if !p.Open() {
		return
	}

	id := p.ID()

	if cur := n.router.Neighbour(id); cur != nil && cur != routing.Neighbour(p) && !cur.Open() {
		n.router.DropNeighbour(cur)
	}

	admitted := n.router.Neighbour(id) == routing.Neighbour(p)
	if !admitted {
		var err error
		if booked {
			err = n.router.SetBookedNeighbour(p)
		} else {
			err = n.admit(p)
		}

		admitted = err == nil
		if err != nil {
			n.log.Debug("neighbour not admitted", "peer", nodeid.Short(id), "error", err)
		}
	}

	sides := n.belt.Offer(p)

	if !admitted && len(sides) == 0 && !n.inBelt(p) {
		n.log.Debug("closing unused connection", "peer", nodeid.Short(id))
		p.Close()
	}
}

// admit books the slot of p, admits p and releases the booking.
func (n *Node) admit(p *network.Peer) error {
	slot := n.router.SlotOf(p.ID())
	if err := n.router.BookNeighbour(slot); err != nil {
		return err
	}
	defer n.router.UnbookNeighbour(slot)

	return n.router.SetBookedNeighbour(p)
}

// inBelt reports whether p is one of the ring neighbours.
func (n *Node) inBelt(p *network.Peer) bool {
	return n.belt.Get(nodeid.Left) == routing.Neighbour(p) || n.belt.Get(nodeid.Right) == routing.Neighbour(p)
}
