package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

var (
	// ErrPeerClosed is returned when sending to a closed peer.
	ErrPeerClosed = errors.New("peer is closed")

	// ErrQueueFull is returned when the outbound queue overflows. The peer is closed.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrNoHello is returned when the first frame of a connection is not a Hello.
	ErrNoHello = errors.New("first frame is not a hello")
)

const (
	// helloTimeout bounds the wait for the remote hello frame.
	helloTimeout = 10 * time.Second
)

// Peer is a connection to a remote node. Messages are written in order on one
// unidirectional stream and read in order from the remote one.
type Peer struct {
	id        uuid.UUID         // id is the remote node identifier
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	inbound   bool              // inbound is true when the remote node dialed
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node

	mu      sync.Mutex // mu protects address and phase
	address string     // address is where the remote node listens
	phase   wire.Phase // phase is the reason the dialer gave for the connection

	out        chan []byte   // out holds encoded frames waiting for the writer
	done       chan struct{} // done is closed when the peer closes
	closed     atomic.Bool   // closed indicates if the peer is closed
	registered atomic.Bool   // registered is set once the peer is in the peers map
}

// newPeer creates a peer. A dialed peer queues the local hello at once, an
// accepted one after reading the remote hello.
func newPeer(n *Node, conn *quic.Conn, id uuid.UUID, pub ed25519.PublicKey, inbound bool, address string, phase wire.Phase) *Peer {
	p := &Peer{
		id:        id,
		publicKey: pub,
		inbound:   inbound,
		conn:      conn,
		node:      n,
		address:   address,
		phase:     phase,
		out:       make(chan []byte, n.queueSize+1),
		done:      make(chan struct{}),
	}

	if !inbound {
		p.queueHello()
	}

	return p
}

// ID returns the remote node identifier.
func (p *Peer) ID() uuid.UUID {
	return p.id
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Inbound reports whether the remote node opened the connection.
func (p *Peer) Inbound() bool {
	return p.inbound
}

// Address returns where the remote node listens.
func (p *Peer) Address() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.address
}

// Phase returns the phase announced by the dialer.
func (p *Peer) Phase() wire.Phase {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.phase
}

// Open reports whether messages can still be sent.
func (p *Peer) Open() bool {
	return !p.closed.Load()
}

// Done returns a channel closed when the peer closes.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Send queues msg without blocking. A full queue closes the peer.
func (p *Peer) Send(msg wire.Message) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	select {
	case p.out <- wire.Encode(msg):
		return nil
	default:
		p.node.log.Warn("outbound queue full, closing peer", "peer", nodeid.Short(p.id), "size", cap(p.out))
		p.Close()
		return ErrQueueFull
	}
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	close(p.done)

	return p.conn.CloseWithError(0, "closed")
}

// queueHello queues the local hello. The queue is empty at this point.
func (p *Peer) queueHello() {
	p.out <- wire.Encode(&wire.Hello{Phase: p.Phase(), Address: p.node.AdvertisedAddr()})
}

// String returns the short remote id.
func (p *Peer) String() string {
	return nodeid.Short(p.id)
}

// writeLoop writes queued frames on one stream until the peer closes.
func (p *Peer) writeLoop(ctx context.Context) {
	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		p.node.log.Debug("open stream failed", "peer", p, "error", err)
		p.Close()
		return
	}
	defer stream.Close()

	for {
		select {
		case <-p.done:
			return
		case data := <-p.out:
			if err := writeFrame(stream, data); err != nil {
				p.node.log.Debug("write failed", "peer", p, "error", err)
				p.Close()
				return
			}
		}
	}
}

// readLoop reads the remote hello, then hands every frame to the node in order.
// The node is notified of the disconnect when the loop ends.
func (p *Peer) readLoop(ctx context.Context) {
	defer p.node.handlePeerDisconnect(p)
	defer p.Close()

	stream, err := p.conn.AcceptUniStream(ctx)
	if err != nil {
		p.node.log.Debug("accept stream failed", "peer", p, "error", err)
		return
	}

	if err := p.readHello(stream); err != nil {
		p.node.log.Warn("handshake failed", "peer", p, "error", err)
		return
	}

	if p.inbound {
		if !p.node.register(p) {
			return
		}

		p.node.callOnConnect(p)
	}

	for {
		msg, err := readMessage(stream)
		if err != nil {
			if !p.closed.Load() {
				p.node.log.Debug("read failed", "peer", p, "error", err)
			}
			return
		}

		p.node.callOnMessage(p, msg)
	}
}

// readHello reads the first frame, which must be a hello.
func (p *Peer) readHello(stream *quic.ReceiveStream) error {
	stream.SetReadDeadline(time.Now().Add(helloTimeout))
	defer stream.SetReadDeadline(time.Time{})

	msg, err := readMessage(stream)
	if err != nil {
		return fmt.Errorf("read hello:\n%w", err)
	}

	hello, ok := msg.(*wire.Hello)
	if !ok {
		return ErrNoHello
	}

	// The dialer's hello carries the phase and listen address. The acceptor
	// echoes the phase.
	if p.inbound {
		p.mu.Lock()
		p.phase = hello.Phase
		p.address = hello.Address
		p.mu.Unlock()

		p.queueHello()
	}

	return nil
}
