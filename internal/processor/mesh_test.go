package processor

import (
	"context"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"Spindle/internal/cumulation"
	"Spindle/internal/deferred"
	"Spindle/internal/invoker"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
	"Spindle/internal/routing"
	"Spindle/internal/routing/routingtest"
	"Spindle/internal/storage"
	"Spindle/internal/wire"
)

// meshNode is one node of a simulated mesh.
type meshNode struct {
	id         uuid.UUID
	mesh       *mesh
	router     *routing.LocalRouterSet
	belt       *routing.Belt
	tree       *resource.ResourceTreeNodeSet
	cumulation *cumulation.CumulationSet
	deferred   *deferred.DeferredMessageSet
	proc       *Processor

	mu         sync.Mutex
	answers    map[uint64]wire.Response
	deliveries []*wire.DeferredDelivery
}

// mesh wires nodes through in-memory links driven by one invoker, so that
// WaitIdle means the whole mesh is quiescent.
type mesh struct {
	t   *testing.T
	inv *invoker.Invoker

	mu    sync.Mutex
	nodes map[uuid.UUID]*meshNode
	links map[[2]uuid.UUID]*routingtest.Link
}

// newMesh creates an empty mesh.
func newMesh(t *testing.T) *mesh {
	t.Helper()

	inv := invoker.New(nil)

	m := &mesh{
		t:     t,
		inv:   inv,
		nodes: make(map[uuid.UUID]*meshNode),
		links: make(map[[2]uuid.UUID]*routingtest.Link),
	}

	t.Cleanup(inv.Close)

	return m
}

// add creates a node. Aggregation runs the given cumulations.
func (m *mesh) add(id uuid.UUID, cumulations ...cumulation.Cumulation) *meshNode {
	m.t.Helper()

	db, err := storage.NewMemory()
	require.NoError(m.t, err)

	store, err := deferred.NewStore(db)
	require.NoError(m.t, err)

	// Cleanups run in reverse: the invoker drains before any store closes.
	m.t.Cleanup(func() {
		m.inv.Close()
		store.Close()
		db.Close()
	})

	n := &meshNode{
		id:      id,
		mesh:    m,
		router:  routing.NewLocalRouterSet(id, m.inv, nil),
		belt:    routing.NewBelt(id),
		answers: make(map[uint64]wire.Response),
	}

	n.tree = resource.NewResourceTreeNodeSet(n.router, m.inv, nil)
	n.deferred = deferred.NewDeferredMessageSet(id, n.router, n.tree, n, store, deferred.Config{}, m.inv, nil)

	n.router.AddListener(n.tree)
	n.router.AddListener(n.deferred)
	n.tree.AddListener(n.deferred)

	if len(cumulations) > 0 {
		n.cumulation = cumulation.NewCumulationSet(n.router, nil, cumulations...)
		n.router.AddListener(n.cumulation)
	}

	n.proc = New(id, Config{Address: id.String()}, Components{
		Router:     n.router,
		Belt:       n.belt,
		Tree:       n.tree,
		Cumulation: n.cumulation,
		Deferred:   n.deferred,
	}, n, nil, nil)

	m.mu.Lock()
	m.nodes[id] = n
	m.mu.Unlock()

	return n
}

// node returns the node with the given id.
func (m *mesh) node(id uuid.UUID) *meshNode {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.nodes[id]
}

// link returns the link from a to b, creating it on first use.
func (m *mesh) link(a, b uuid.UUID) *routingtest.Link {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]uuid.UUID{a, b}
	if l, ok := m.links[key]; ok {
		return l
	}

	l := routingtest.NewLink(a, b, m.inv, func(from uuid.UUID, msg wire.Message) {
		m.node(b).proc.Handle(from, msg)
	})
	m.links[key] = l

	return l
}

// connect links a and b. Both routing tables admit the other only when both
// slots are free, as a handshake would; the belts are always offered.
func (m *mesh) connect(a, b uuid.UUID) {
	na, nb := m.node(a), m.node(b)
	ab, ba := m.link(a, b), m.link(b, a)

	i := na.router.SlotOf(b)
	if na.router.NeighbourAt(i) == nil && nb.router.NeighbourAt(i) == nil {
		// Slots are symmetric, so both admissions succeed.
		_ = na.router.PutNeighbour(ab)
		_ = nb.router.PutNeighbour(ba)
	}

	na.belt.Offer(ab)
	nb.belt.Offer(ba)
}

// connectAll links every pair of nodes in order.
func (m *mesh) connectAll(ids ...uuid.UUID) {
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			m.connect(a, b)
		}
	}
}

// disconnect closes the links between a and b and drops them on both sides,
// as a lost connection would.
func (m *mesh) disconnect(a, b uuid.UUID) {
	m.mu.Lock()
	ab, ba := m.links[[2]uuid.UUID{a, b}], m.links[[2]uuid.UUID{b, a}]
	delete(m.links, [2]uuid.UUID{a, b})
	delete(m.links, [2]uuid.UUID{b, a})
	m.mu.Unlock()

	if ab == nil || ba == nil {
		return
	}

	ab.Close()
	ba.Close()

	m.node(a).lose(ab)
	m.node(b).lose(ba)
}

// routed returns the pairs linked in the routing tables, ordered.
func (m *mesh) routed(ids []uuid.UUID) [][2]uuid.UUID {
	var out [][2]uuid.UUID
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			if m.node(a).router.Neighbour(b) != nil {
				out = append(out, [2]uuid.UUID{a, b})
			}
		}
	}

	return out
}

// settle waits until every message and notification was processed.
func (m *mesh) settle() {
	m.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(m.t, m.inv.WaitIdle(ctx))
}

// request originates msg at n, lets the mesh settle and returns the answer.
func (n *meshNode) request(msg wire.Routed) wire.Response {
	n.mesh.t.Helper()

	n.proc.Originate(msg)
	n.mesh.settle()

	n.mu.Lock()
	defer n.mu.Unlock()

	return n.answers[msg.Head().Seq]
}

// lose drops link l from every table of n.
func (n *meshNode) lose(l *routingtest.Link) {
	n.router.DropNeighbour(l)
	n.belt.DropNeighbour(l)
	n.router.ForgetRemote(l.ID())
}

// Connect implements Handler by linking the two nodes.
func (n *meshNode) Connect(id uuid.UUID, _ string, _ wire.Phase) {
	n.mesh.connect(n.id, id)
}

// Answer implements Handler.
func (n *meshNode) Answer(msg wire.Response) {
	n.mu.Lock()
	n.answers[msg.AnsweredSeq()] = msg
	n.mu.Unlock()
}

// Deliver implements deferred.Transport.
func (n *meshNode) Deliver(ctx context.Context, location resource.Location, recipient uuid.UUID, msgs []wire.DeferredMessage) error {
	return n.proc.Deliver(ctx, location, recipient, msgs)
}

// Received implements Handler.
func (n *meshNode) Received(msg *wire.DeferredDelivery) {
	n.mu.Lock()
	n.deliveries = append(n.deliveries, msg)
	n.mu.Unlock()
}

// delivered returns the bodies delivered to n.
func (n *meshNode) delivered() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []string
	for _, d := range n.deliveries {
		for _, m := range d.Messages {
			out = append(out, string(m.Body))
		}
	}

	return out
}

// ringNeighbours returns the expected left and right ring neighbours of id.
func ringNeighbours(id uuid.UUID, ids []uuid.UUID) (uuid.UUID, uuid.UUID) {
	sorted := slices.Clone(ids)
	slices.SortFunc(sorted, nodeid.Compare)

	i := slices.Index(sorted, id)

	return sorted[(i+len(sorted)-1)%len(sorted)], sorted[(i+1)%len(sorted)]
}

// resourceAt returns a location at node id.
func resourceAt(id uuid.UUID) resource.Location {
	return resource.Location{Node: id}
}

// randomIDs returns n identifiers drawn from r.
func randomIDs(n int, r *rand.Rand) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		for k := range ids[i] {
			ids[i][k] = byte(r.UintN(256))
		}
	}

	return ids
}

// routingComplete reports whether links let every node reach each of its
// non-empty regions: region i of x through nodes sharing more than i bits
// with x.
func routingComplete(ids []uuid.UUID, links [][2]uuid.UUID) bool {
	adj := make(map[uuid.UUID][]uuid.UUID)
	for _, p := range links {
		adj[p[0]] = append(adj[p[0]], p[1])
		adj[p[1]] = append(adj[p[1]], p[0])
	}

	for _, x := range ids {
		levels := make(map[int]struct{})
		for _, y := range ids {
			if y != x {
				levels[nodeid.PrefixLength(x, y)] = struct{}{}
			}
		}

		for i := range levels {
			if !reachesRegion(x, i, adj) {
				return false
			}
		}
	}

	return true
}

// reachesRegion searches a link into region i of x.
func reachesRegion(x uuid.UUID, i int, adj map[uuid.UUID][]uuid.UUID) bool {
	seen := map[uuid.UUID]bool{x: true}
	queue := []uuid.UUID{x}

	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]

		for _, y := range adj[w] {
			p := nodeid.PrefixLength(x, y)
			if p == i {
				return true
			}

			if p > i && !seen[y] {
				seen[y] = true
				queue = append(queue, y)
			}
		}
	}

	return false
}
