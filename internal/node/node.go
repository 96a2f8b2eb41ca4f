// Package node assembles the overlay components into a running node.
//
// A node owns one QUIC endpoint, its routing table and ring neighbours, the
// resource directory, the aggregates and the deferred message queues. Peer
// messages are handed to the processor on the goroutine of their connection.
package node

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"Spindle/internal/api"
	"Spindle/internal/config"
	"Spindle/internal/cumulation"
	"Spindle/internal/deferred"
	"Spindle/internal/invoker"
	"Spindle/internal/metrics"
	"Spindle/internal/network"
	"Spindle/internal/processor"
	"Spindle/internal/resource"
	"Spindle/internal/routing"
	"Spindle/internal/storage"
	"Spindle/internal/wire"
)

const (
	// pendingTTL is how long an answer is awaited without a context deadline.
	pendingTTL = time.Minute

	// maxPending bounds the number of requests in flight.
	maxPending = 1 << 14

	// locateTTL is how long a located resource is served from the cache.
	locateTTL = 30 * time.Second

	// maxReconnectDelay is the maximum delay between rejoin attempts.
	maxReconnectDelay = 60 * time.Second
)

var (
	// ErrNotStarted is returned by operations needing a started node.
	ErrNotStarted = errors.New("node not started")

	// ErrRequestTimeout is returned when a routed request gets no answer in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrUnexpectedAnswer is returned when a request is answered with the wrong variant.
	ErrUnexpectedAnswer = errors.New("unexpected answer")
)

// DeliveryFunc receives deferred messages addressed to a resource published here.
type DeliveryFunc func(recipient uuid.UUID, msgs []wire.DeferredMessage)

// Option configures a Node.
type Option func(*options)

type options struct {
	key ed25519.PrivateKey
	log *slog.Logger
}

// WithPrivateKey sets the node key instead of loading node.key_path.
func WithPrivateKey(key ed25519.PrivateKey) Option {
	return func(o *options) { o.key = key }
}

// WithLogger sets the logger of the node and its components.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// cachedLocation is a lookup result with the time it was obtained.
type cachedLocation struct {
	loc resource.Location
	at  time.Time
}

// Node is a running overlay node.
type Node struct {
	cfg config.Config
	key ed25519.PrivateKey
	log *slog.Logger

	storage *storage.Storage
	store   *deferred.Store
	network *network.Node
	inv     *invoker.Invoker
	metrics *metrics.Metrics

	router     *routing.LocalRouterSet
	belt       *routing.Belt
	tree       *resource.ResourceTreeNodeSet
	cumulation *cumulation.CumulationSet // cumulation is nil when aggregation is disabled
	deferred   *deferred.DeferredMessageSet
	proc       *processor.Processor
	api        *api.Server
	topology   *topology

	pending *ttlcache.Cache[uint64, chan wire.Response] // pending maps request sequence numbers to waiters
	located *lru.Cache[uuid.UUID, cachedLocation]       // located caches lookup results

	joinLock  sync.Mutex  // joinLock serializes join attempts
	attempted atomic.Bool // attempted is set after the first join attempt

	joinMu      sync.Mutex
	joinAnswers map[uuid.UUID]chan *wire.ClosestNodeResponse // joinAnswers receive the answers relayed by bootstraps

	deliveryMu sync.RWMutex
	onDelivery DeliveryFunc

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	started   atomic.Bool
	joined    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a node from cfg. The listener is bound but connections are
// only accepted after Start.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%w", err)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		cfg:         cfg,
		key:         o.key,
		log:         o.log,
		metrics:     metrics.New(),
		topology:    newTopology(),
		joinAnswers: make(map[uuid.UUID]chan *wire.ClosestNodeResponse),
	}

	if n.log == nil {
		n.log = slog.Default()
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.key == nil {
		key, err := LoadOrGenerateKey(cfg.Node.KeyPath)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("load key:\n%w", err)
		}
		n.key = key
	}

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initOverlay(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initStorage opens the pebble store, in memory when no data path is set.
func (n *Node) initStorage() error {
	var (
		db  *storage.Storage
		err error
	)

	if n.cfg.Node.DataPath == "" {
		db, err = storage.NewMemory()
	} else {
		if err := os.MkdirAll(n.cfg.Node.DataPath, 0o755); err != nil {
			return fmt.Errorf("create data directory:\n%w", err)
		}
		db, err = storage.New(filepath.Join(n.cfg.Node.DataPath, "db"))
	}

	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	store, err := deferred.NewStore(db)
	if err != nil {
		return fmt.Errorf("init deferred store:\n%w", err)
	}

	n.store = store

	return nil
}

// initNetwork creates the QUIC endpoint and binds it.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey:    n.key,
		ListenAddr:    n.cfg.Node.ListenAddr,
		AdvertiseAddr: n.cfg.Node.AdvertiseAddr,
		QueueSize:     n.cfg.Transport.QueueSize,
		Logger:        n.log.With("component", "network"),
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	if err := node.Listen(); err != nil {
		return fmt.Errorf("bind network:\n%w", err)
	}

	return nil
}

// initOverlay creates the protocol components and wires their listeners.
func (n *Node) initOverlay() error {
	id := n.network.ID()
	h := (*handler)(n)

	n.inv = invoker.New(n.log.With("component", "invoker"))
	n.router = routing.NewLocalRouterSet(id, n.inv, n.log)
	n.belt = routing.NewBelt(id)
	n.tree = resource.NewResourceTreeNodeSet(n.router, n.inv, n.log)
	n.deferred = deferred.NewDeferredMessageSet(id, n.router, n.tree, h, n.store, deferred.Config{
		MaxDistance: n.cfg.Deferred.MaxDistance,
		MaxAge:      n.cfg.Deferred.MaxAge,
	}, n.inv, n.log)

	n.router.AddListener(n.tree)
	n.router.AddListener(n.deferred)
	n.router.AddListener(n.topology)
	n.tree.AddListener(n.deferred)

	if kinds := n.cfg.Cumulations(); len(kinds) > 0 {
		n.cumulation = cumulation.NewCumulationSet(n.router, n.log, kinds...)
		n.router.AddListener(n.cumulation)
	}

	n.proc = processor.New(id, processor.Config{Address: n.network.AdvertisedAddr()}, processor.Components{
		Router:     n.router,
		Belt:       n.belt,
		Tree:       n.tree,
		Cumulation: n.cumulation,
		Deferred:   n.deferred,
	}, h, n.metrics, n.log)

	n.pending = ttlcache.New(
		ttlcache.WithTTL[uint64, chan wire.Response](pendingTTL),
		ttlcache.WithCapacity[uint64, chan wire.Response](maxPending),
		ttlcache.WithDisableTouchOnHit[uint64, chan wire.Response](),
	)

	located, err := lru.New[uuid.UUID, cachedLocation](n.cfg.Overlay.LocateCache)
	if err != nil {
		return fmt.Errorf("init locate cache:\n%w", err)
	}
	n.located = located

	n.network.OnConnect(n.handleConnect)
	n.network.OnMessage(n.handleMessage)
	n.network.OnDisconnect(n.handleDisconnect)

	n.registerGauges()

	return nil
}

// Start restores the deferred queues, accepts connections and runs the
// background tasks until ctx ends or Close.
func (n *Node) Start(ctx context.Context) error {
	if n.started.Swap(true) {
		return nil
	}

	context.AfterFunc(ctx, n.cancel)

	group, gctx := errgroup.WithContext(n.ctx)
	n.group = group

	if err := n.deferred.Restore(); err != nil {
		return fmt.Errorf("restore deferred messages:\n%w", err)
	}

	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	group.Go(func() error {
		n.deferred.Run(gctx, n.cfg.Deferred.SweepInterval)
		return nil
	})

	group.Go(func() error {
		n.maintain(gctx)
		return nil
	})

	if n.cfg.HTTP.Addr != "" {
		n.api = api.New(n.cfg.HTTP.Addr, n, n, n, n.metrics.Registry())
		if err := n.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	n.log.Info("node started", "id", n.ID(), "addr", n.Addr())

	return nil
}

// Close stops the node and releases its resources. It is safe to call more
// than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()

		var err error

		if n.api != nil {
			err = multierr.Append(err, n.api.Stop())
		}

		// The network goes first so that no handler starts new work.
		if n.network != nil {
			err = multierr.Append(err, n.network.Close())
		}

		if n.group != nil {
			err = multierr.Append(err, n.group.Wait())
		}

		if n.inv != nil {
			n.inv.Close()
		}

		if n.pending != nil {
			n.pending.DeleteAll()
		}

		if n.store != nil {
			err = multierr.Append(err, n.store.Close())
		}

		if n.storage != nil {
			err = multierr.Append(err, n.storage.Close())
		}

		n.closeErr = err
	})

	return n.closeErr
}

// ID returns the node identifier.
func (n *Node) ID() uuid.UUID {
	return n.network.ID()
}

// Addr returns the address announced to peers.
func (n *Node) Addr() string {
	return n.network.AdvertisedAddr()
}

// NetworkSizeEstimation estimates the population from the routing table.
func (n *Node) NetworkSizeEstimation() float64 {
	return n.router.NetworkSizeEstimation()
}

// CumulatedCount returns the aggregated node count, exact when enabled.
// It returns false when aggregation is disabled.
func (n *Node) CumulatedCount() (float64, bool) {
	if n.cumulation == nil {
		return 0, false
	}

	if v, ok := n.cumulation.Value(cumulation.ExactCount); ok {
		return v.Count, true
	}

	v, ok := n.cumulation.Value(cumulation.ApproximateCount)

	return v.Count, ok
}

// Publish announces a resource located here.
func (n *Node) Publish(rid uuid.UUID, metadata []byte) {
	n.located.Remove(rid)
	n.tree.PutLocalResource(rid, metadata)
}

// Unpublish withdraws a resource. It returns false if it was not published here.
func (n *Node) Unpublish(rid uuid.UUID) bool {
	n.located.Remove(rid)
	return n.tree.RemoveLocalResource(rid)
}

// Defer stores body until a node publishes recipient, then delivers it there.
func (n *Node) Defer(recipient uuid.UUID, body []byte) (uuid.UUID, error) {
	id, err := n.deferred.Seed(recipient, body)
	if err != nil {
		return uuid.Nil, fmt.Errorf("defer message:\n%w", err)
	}

	return id, nil
}

// OnDeferredDelivery sets the function receiving deferred messages for the
// resources published here.
func (n *Node) OnDeferredDelivery(fn DeliveryFunc) {
	n.deliveryMu.Lock()
	n.onDelivery = fn
	n.deliveryMu.Unlock()
}

// Metrics returns the collectors of the node.
func (n *Node) Metrics() *metrics.Metrics {
	return n.metrics
}

// WaitIdle blocks until every pending notification was processed.
func (n *Node) WaitIdle(ctx context.Context) error {
	return n.inv.WaitIdle(ctx)
}

// spawn runs fn on the node's task group. It does nothing once the node stops.
func (n *Node) spawn(fn func(ctx context.Context)) {
	if n.group == nil || n.ctx.Err() != nil {
		return
	}

	n.group.Go(func() error {
		fn(n.ctx)
		return nil
	})
}
