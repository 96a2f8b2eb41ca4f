package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"Spindle/internal/network"
	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

var (
	// ErrSessionClosed is returned when a bootstrap ends the joining session
	// before answering.
	ErrSessionClosed = errors.New("joining session closed")

	// ErrBootstrapBusy is returned when a bootstrap keeps another connection
	// open in place of the joining session.
	ErrBootstrapBusy = errors.New("bootstrap did not accept a joining session")
)

// sides are the two belt directions.
var sides = []nodeid.Side{nodeid.Left, nodeid.Right}

// Join links the node to the network through the configured bootstrap
// addresses, tried in order. Without bootstrap addresses the node starts a
// new network.
func (n *Node) Join(ctx context.Context) error {
	if !n.started.Load() {
		return ErrNotStarted
	}

	n.joinLock.Lock()
	defer n.joinLock.Unlock()

	return n.join(ctx)
}

// join runs one join attempt. The caller holds joinLock.
func (n *Node) join(ctx context.Context) error {
	defer n.attempted.Store(true)

	var errs error
	self := 0

	for _, addr := range n.cfg.Node.Bootstrap {
		err := n.joinVia(ctx, addr)
		if err == nil {
			n.joined.Store(true)
			n.log.Info("joined network", "bootstrap", addr, "neighbours", len(n.router.Neighbours()))
			return nil
		}

		if errors.Is(err, network.ErrSelfConnection) {
			self++
			continue
		}

		n.log.Warn("join attempt failed", "bootstrap", addr, "error", err)
		errs = multierr.Append(errs, err)

		if ctx.Err() != nil {
			break
		}
	}

	if self == len(n.cfg.Node.Bootstrap) {
		if !n.joined.Swap(true) {
			n.log.Info("no remote bootstrap, starting a new network", "id", n.ID())
		}
		return nil
	}

	return fmt.Errorf("join:\n%w", errs)
}

// Joined reports whether the node completed a join.
func (n *Node) Joined() bool {
	return n.joined.Load()
}

// joinVia asks the bootstrap at addr for the node closest to the local
// identifier, waits for that node to connect, then searches both ring
// neighbours and invites the nodes that can fill a routing slot.
func (n *Node) joinVia(ctx context.Context, addr string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, n.cfg.Overlay.JoinTimeout)
	defer cancel()

	resp, err := n.lookupSelf(lookupCtx, addr)
	if err != nil {
		return err
	}

	n.log.Info("closest node found", "node", nodeid.Short(resp.Node), "addr", resp.Address)

	if err := n.waitNeighbour(lookupCtx); err != nil {
		return fmt.Errorf("wait for closest node %s:\n%w", nodeid.Short(resp.Node), err)
	}

	for _, side := range sides {
		n.proc.Originate(&wire.BeltConnect{Header: n.proc.Header(), Side: side, Address: n.Addr()})
	}

	n.proc.Originate(&wire.ComplementingInvitation{Header: n.proc.Header(), Slot: 0, Address: n.Addr()})

	beltCtx, cancelBelt := context.WithTimeout(ctx, n.cfg.Overlay.BeltTimeout)
	defer cancelBelt()

	if err := n.belt.WaitForCompletionStatus(beltCtx, true); err != nil {
		return fmt.Errorf("complete belt:\n%w", err)
	}

	return nil
}

// lookupSelf opens a joining session to addr and returns the bootstrap's
// answer. The session is closed before returning.
func (n *Node) lookupSelf(ctx context.Context, addr string) (*wire.ClosestNodeResponse, error) {
	session, err := n.network.Dial(ctx, addr, wire.PhaseJoining)
	if err != nil {
		return nil, err
	}

	// An older connection to the bootstrap is in the way. It is dropped once.
	if session.Phase() != wire.PhaseJoining {
		session.Close()
		<-session.Done()

		if session, err = n.network.Dial(ctx, addr, wire.PhaseJoining); err != nil {
			return nil, err
		}

		if session.Phase() != wire.PhaseJoining {
			return nil, ErrBootstrapBusy
		}
	}

	defer session.Close()

	answers := n.joinAnswer(session.ID())
	defer n.dropJoinAnswer(session.ID())

	select {
	case resp := <-answers:
		return resp, nil
	case <-session.Done():
		select {
		case resp := <-answers:
			return resp, nil
		default:
			return nil, ErrSessionClosed
		}
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for closest node:\n%w", ctx.Err())
	}
}

// serveJoin looks up the node closest to a joiner and answers over the
// joining session.
func (n *Node) serveJoin(ctx context.Context, p *network.Peer) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Overlay.JoinTimeout)
	defer cancel()

	n.log.Debug("serving joiner", "joiner", nodeid.Short(p.ID()), "addr", p.Address())

	resp, err := n.request(ctx, &wire.ClosestNode{
		Header:    n.proc.Header(),
		Addressed: wire.Addressed{Target: p.ID()},
		Address:   p.Address(),
	})
	if err != nil {
		n.log.Warn("closest node lookup for joiner failed", "joiner", nodeid.Short(p.ID()), "error", err)
		p.Close()
		return
	}

	if err := p.Send(resp); err != nil {
		n.log.Debug("answer to joiner failed", "joiner", nodeid.Short(p.ID()), "error", err)
	}
}

// joinAnswer returns the channel receiving the answer relayed by bootstrap
// id. Either the joiner or the session reader creates it.
func (n *Node) joinAnswer(id uuid.UUID) chan *wire.ClosestNodeResponse {
	n.joinMu.Lock()
	defer n.joinMu.Unlock()

	ch, ok := n.joinAnswers[id]
	if !ok {
		ch = make(chan *wire.ClosestNodeResponse, 1)
		n.joinAnswers[id] = ch
	}

	return ch
}

func (n *Node) dropJoinAnswer(id uuid.UUID) {
	n.joinMu.Lock()
	delete(n.joinAnswers, id)
	n.joinMu.Unlock()
}

// maintain repairs the overlay until ctx ends. Closed neighbours are
// dropped and missing ring neighbours searched again. A node left without
// neighbours, or whose first join failed, joins again with a growing delay.
func (n *Node) maintain(ctx context.Context) {
	delay := n.cfg.Transport.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		n.pruneClosed()

		if !n.attempted.Load() {
			continue
		}

		if n.joined.Load() && len(n.router.Neighbours()) > 0 {
			n.repairBelt()
			delay = n.cfg.Transport.ReconnectDelay
			continue
		}

		if len(n.cfg.Node.Bootstrap) == 0 || !n.joinLock.TryLock() {
			continue
		}

		if n.joined.Load() {
			n.log.Warn("no neighbours left, joining again")
		}

		err := n.join(ctx)
		n.joinLock.Unlock()

		if err != nil {
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}

			n.log.Warn("rejoin failed", "error", err, "retry", delay)
		}
	}
}

// pruneClosed drops neighbours whose connection ended before they were admitted.
func (n *Node) pruneClosed() {
	for _, nb := range n.router.Neighbours() {
		if !nb.Open() {
			n.router.DropNeighbour(nb)
		}
	}

	for _, side := range sides {
		if nb := n.belt.Get(side); nb != nil && !nb.Open() {
			n.belt.DropNeighbour(nb)
		}
	}
}

// repairBelt searches the ring neighbours that are missing.
func (n *Node) repairBelt() {
	for _, side := range sides {
		if nb := n.belt.Get(side); nb != nil && nb.Open() {
			continue
		}

		n.log.Debug("searching ring neighbour", "side", side)
		n.proc.Originate(&wire.BeltConnect{Header: n.proc.Header(), Side: side, Address: n.Addr()})
	}
}
