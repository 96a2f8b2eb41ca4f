package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"Spindle/internal/logger"
	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

const (
	// defaultQueueSize is the default number of frames buffered per peer.
	defaultQueueSize = 1024

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "spindle/1"
)

var (
	// ErrSelfConnection is returned when a node dials itself.
	ErrSelfConnection = errors.New("connection to self")

	// ErrNotStarted is returned when dialing before Listen or Start.
	ErrNotStarted = errors.New("node not started")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey    ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr    string             // ListenAddr is the address to listen on (e.g., ":9000")
	AdvertiseAddr string             // AdvertiseAddr is the address sent to peers, the listener address if empty
	QueueSize     int                // QueueSize is the outbound frame buffer per peer
	Logger        *slog.Logger       // Logger receives transport events
}

// Node accepts and initiates connections to other nodes. Each remote node
// has at most one connection.
type Node struct {
	id         uuid.UUID         // id is the node identifier derived from the public key
	publicKey  ed25519.PublicKey // publicKey is the node's ed25519 public key
	listenAddr string            // listenAddr is the address to listen on
	advertise  string            // advertise is the configured advertised address
	queueSize  int               // queueSize is the outbound buffer per peer
	tlsConfig  *tls.Config       // tlsConfig is the TLS configuration
	quicConfig *quic.Config      // quicConfig is the QUIC configuration
	log        *slog.Logger      // log is the transport logger

	listener *quic.Listener // listener is the QUIC listener

	peers   map[uuid.UUID]*Peer // peers maps remote ids to registered peers
	all     map[*Peer]struct{}  // all holds every live peer, registered or not
	peersMu sync.RWMutex        // peersMu protects peers and all

	onConnect    func(*Peer)               // onConnect is called when a remote node connects
	onMessage    func(*Peer, wire.Message) // onMessage is called for every received frame
	onDisconnect func(*Peer)               // onDisconnect is called when a registered peer goes away
	handlersMu   sync.RWMutex              // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Component("network")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identities come from the certificate key
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)
	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		id:         nodeid.FromPublicKey(publicKey),
		publicKey:  publicKey,
		listenAddr: cfg.ListenAddr,
		advertise:  cfg.AdvertiseAddr,
		queueSize:  queueSize,
		tlsConfig:  tlsConfig,
		quicConfig: quicConfig,
		log:        log,
		peers:      make(map[uuid.UUID]*Peer),
		all:        make(map[*Peer]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// ID returns the node identifier.
func (n *Node) ID() uuid.UUID {
	return n.id
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// AdvertisedAddr returns the address announced to peers.
func (n *Node) AdvertisedAddr() string {
	if n.advertise != "" {
		return n.advertise
	}

	return n.Addr()
}

// Listen binds the listener. Connections wait until Start accepts them.
func (n *Node) Listen() error {
	if n.listener != nil {
		return nil
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	return nil
}

// Start binds the listener if needed and begins accepting connections.
func (n *Node) Start() error {
	if err := n.Listen(); err != nil {
		return err
	}

	n.wg.Add(1)
	go n.acceptLoop()

	n.log.Info("listening", "addr", n.Addr(), "id", nodeid.Short(n.id))

	return nil
}

// Dial connects to the node listening at addr for the given phase. When a
// connection to the same node already exists, it is returned instead.
func (n *Node) Dial(ctx context.Context, addr string, phase wire.Phase) (*Peer, error) {
	if n.listener == nil {
		return nil, ErrNotStarted
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	id, pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad identity")
		return nil, fmt.Errorf("identify %s:\n%w", addr, err)
	}

	if id == n.id {
		conn.CloseWithError(1, "self")
		return nil, ErrSelfConnection
	}

	peer := newPeer(n, conn, id, pub, false, addr, phase)
	if !n.register(peer) {
		conn.CloseWithError(0, "duplicate")

		if existing := n.Peer(id); existing != nil {
			return existing, nil
		}

		return nil, fmt.Errorf("connection to %s lost", nodeid.Short(id))
	}

	n.start(peer)
	n.log.Debug("dialed peer", "peer", peer, "addr", addr, "phase", phase)

	return peer, nil
}

// Peers returns a list of all registered peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Peer returns the peer with the given id, or nil if not connected.
func (n *Node) Peer(id uuid.UUID) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// OnConnect sets the handler called when a remote node connects. It runs
// after the remote hello and before any other frame of that peer.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received. Messages of
// one peer are handled in order on that peer's goroutine.
func (n *Node) OnMessage(fn func(*Peer, wire.Message)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	var err error
	if n.listener != nil {
		err = n.listener.Close()
	}

	n.peersMu.RLock()
	peers := make([]*Peer, 0, len(n.all))
	for p := range n.all {
		peers = append(peers, p)
	}
	n.peersMu.RUnlock()

	for _, p := range peers {
		p.Close()
	}

	n.wg.Wait()

	return err
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		n.handleIncoming(conn)
	}
}

// handleIncoming starts an accepted connection. The peer registers once its
// hello was read.
func (n *Node) handleIncoming(conn *quic.Conn) {
	id, pub, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		n.log.Debug("rejected connection", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "bad identity")
		return
	}

	if id == n.id {
		conn.CloseWithError(1, "self")
		return
	}

	n.start(newPeer(n, conn, id, pub, true, "", 0))
}

// start runs the peer loops.
func (n *Node) start(p *Peer) {
	n.peersMu.Lock()
	n.all[p] = struct{}{}
	n.peersMu.Unlock()

	n.wg.Add(2)

	go func() {
		defer n.wg.Done()
		p.writeLoop(n.ctx)
	}()

	go func() {
		defer n.wg.Done()
		p.readLoop(n.ctx)
	}()
}

// register adds p to the peers map. A closed registered connection is
// replaced and still reported through onDisconnect. When both nodes dialed
// each other, both keep the connection dialed by the lower identifier.
// Otherwise the open registered connection wins.
func (n *Node) register(p *Peer) bool {
	n.peersMu.Lock()
	defer n.peersMu.Unlock()

	if n.ctx.Err() != nil {
		return false
	}

	if existing, ok := n.peers[p.id]; ok && existing.Open() {
		if existing.inbound == p.inbound || !n.dialedByLower(p) {
			n.log.Debug("duplicate connection", "peer", p, "inbound", p.inbound)
			return false
		}

		n.log.Debug("crossed connection replaced", "peer", p, "inbound", p.inbound)
		existing.Close()
	}

	n.peers[p.id] = p
	p.registered.Store(true)

	return true
}

// dialedByLower reports whether p was dialed by the lower of the two identifiers.
func (n *Node) dialedByLower(p *Peer) bool {
	dialer, other := n.id, p.id
	if p.inbound {
		dialer, other = p.id, n.id
	}

	return nodeid.Compare(dialer, other) < 0
}

// handlePeerDisconnect forgets p and notifies the handler if p was registered.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	delete(n.all, p)

	if n.peers[p.id] == p {
		delete(n.peers, p.id)
	}
	n.peersMu.Unlock()

	if !p.registered.Load() {
		return
	}

	n.log.Debug("peer disconnected", "peer", p)
	n.callOnDisconnect(p)
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, msg wire.Message) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, msg)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}
