package processor

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"Spindle/internal/cumulation"
	"Spindle/internal/deferred"
	"Spindle/internal/nodeid"
	"Spindle/internal/routing/routingtest"
	"Spindle/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	a = routingtest.IDWithBits()        // a is 0000
	b = routingtest.IDWithBits(0)       // b is 1000
	c = routingtest.IDWithBits(1)       // c is 0100
	d = routingtest.IDWithBits(2)       // d is 0010
	e = routingtest.IDWithBits(0, 1)    // e is 1100
	j = routingtest.IDWithBits(0, 1, 2) // j is 1110, the joiner
)

// newConnectedMesh creates a mesh of the given nodes, all linked pairwise.
func newConnectedMesh(t *testing.T, ids []uuid.UUID, cumulations ...cumulation.Cumulation) *mesh {
	t.Helper()

	m := newMesh(t)
	for _, id := range ids {
		m.add(id, cumulations...)
	}

	m.connectAll(ids...)
	m.settle()

	return m
}

// closest asks n for the node closest to target.
func (n *meshNode) closest(t *testing.T, target uuid.UUID) uuid.UUID {
	t.Helper()

	resp := n.request(&wire.ClosestNode{Header: n.proc.Header(), Addressed: wire.Addressed{Target: target}})
	require.NotNil(t, resp, "no answer at %s", nodeid.Short(n.id))

	found, ok := resp.(*wire.ClosestNodeResponse)
	require.True(t, ok)

	return found.Node
}

// TestRoutingConvergence tests that every node routes a target to the same
// closest node, and that node knows no closer one.
func TestRoutingConvergence(t *testing.T) {
	ids := []uuid.UUID{a, b, c, d, e}
	m := newConnectedMesh(t, ids)

	for _, id := range ids {
		for _, n := range m.nodes {
			assert.Equal(t, id, n.closest(t, id), "route from %s to %s", nodeid.Short(n.id), nodeid.Short(id))
		}
	}

	targets := []uuid.UUID{
		routingtest.IDWithBits(3),
		routingtest.IDWithBits(0, 2, 3),
		routingtest.IDWithBits(1, 2, 3, 4),
		routingtest.IDWithBits(0, 1, 2, 3),
	}

	for _, target := range targets {
		answer := m.node(a).closest(t, target)
		assert.True(t, m.node(answer).router.IsClosest(target))

		for _, n := range m.nodes {
			assert.Equal(t, answer, n.closest(t, target), "route from %s to %s", nodeid.Short(n.id), nodeid.Short(target))
		}
	}

	for _, n := range m.nodes {
		for _, r := range n.router.Routers() {
			assert.False(t, r.Contains(n.id), "spindle of %s contains itself", nodeid.Short(n.id))
		}
	}
}

// TestLocateResource tests lookups from every node before and after withdrawal.
func TestLocateResource(t *testing.T) {
	ids := []uuid.UUID{a, b, c, d, e}
	m := newConnectedMesh(t, ids)

	rid := routingtest.IDWithBits(1, 4)
	m.node(e).tree.PutLocalResource(rid, []byte("meta"))
	m.settle()

	for _, n := range m.nodes {
		resp := n.request(&wire.LocateResource{Header: n.proc.Header(), Resource: rid})

		found, ok := resp.(*wire.FoundLocateResourceResponse)
		require.True(t, ok, "lookup from %s: %#v", nodeid.Short(n.id), resp)
		assert.Equal(t, e, found.Location)
		assert.Equal(t, []byte("meta"), found.Metadata)
		assert.Equal(t, rid, found.Resource)
	}

	require.True(t, m.node(e).tree.RemoveLocalResource(rid))
	m.settle()

	for _, n := range m.nodes {
		resp := n.request(&wire.LocateResource{Header: n.proc.Header(), Resource: rid})

		_, ok := resp.(*wire.NotFoundLocateResourceResponse)
		assert.True(t, ok, "lookup from %s: %#v", nodeid.Short(n.id), resp)
	}
}

// TestResourceMetadata tests metadata requests to the publisher and to a
// node not publishing the resource.
func TestResourceMetadata(t *testing.T) {
	m := newConnectedMesh(t, []uuid.UUID{a, b, c, d, e})

	rid := uuid.New()
	m.node(e).tree.PutLocalResource(rid, []byte("v1"))
	m.settle()

	from := m.node(c)

	resp := from.request(&wire.ResourceMetadata{Header: from.proc.Header(), Addressed: wire.Addressed{Target: e}, Resource: rid})
	meta, ok := resp.(*wire.ResourceMetadataResponse)
	require.True(t, ok)
	assert.True(t, meta.Found)
	assert.Equal(t, []byte("v1"), meta.Metadata)

	resp = from.request(&wire.ResourceMetadata{Header: from.proc.Header(), Addressed: wire.Addressed{Target: b}, Resource: rid})
	meta, ok = resp.(*wire.ResourceMetadataResponse)
	require.True(t, ok)
	assert.False(t, meta.Found)
}

// TestJoin tests the join sequence: the closest node connects to the joiner,
// the belt search finds both ring neighbours and the invitation fills a slot.
func TestJoin(t *testing.T) {
	ids := []uuid.UUID{a, b, c, d, e}
	m := newConnectedMesh(t, ids)
	joiner := m.add(j)

	bootstrap := m.node(b)
	resp := bootstrap.request(&wire.ClosestNode{
		Header:    bootstrap.proc.Header(),
		Addressed: wire.Addressed{Target: j},
		Address:   j.String(),
	})

	found, ok := resp.(*wire.ClosestNodeResponse)
	require.True(t, ok)
	assert.Equal(t, e, found.Node)
	assert.Equal(t, e.String(), found.Address)
	require.NotNil(t, joiner.router.Neighbour(e))

	for _, side := range []nodeid.Side{nodeid.Left, nodeid.Right} {
		joiner.proc.Originate(&wire.BeltConnect{Header: joiner.proc.Header(), Side: side, Address: j.String()})
	}
	joiner.proc.Originate(&wire.ComplementingInvitation{Header: joiner.proc.Header(), Slot: 0, Address: j.String()})
	m.settle()

	left, right := ringNeighbours(j, append(ids, j))
	require.True(t, joiner.belt.Complete())
	assert.Equal(t, left, joiner.belt.Get(nodeid.Left).ID())
	assert.Equal(t, right, joiner.belt.Get(nodeid.Right).ID())

	// d had a free slot for the joiner.
	assert.NotNil(t, joiner.router.Neighbour(d))

	for _, id := range ids {
		assert.Equal(t, j, m.node(id).closest(t, j), "route from %s", nodeid.Short(id))
	}
}

// TestCumulationConverges tests that every node counts the whole mesh.
func TestCumulationConverges(t *testing.T) {
	m := newConnectedMesh(t, []uuid.UUID{a, b, c, d}, cumulation.Exact(), cumulation.Approximate(cumulation.DefaultTolerance))

	for _, n := range m.nodes {
		v, ok := n.cumulation.Value(cumulation.ExactCount)
		require.True(t, ok)
		assert.Equal(t, 4.0, v.Count, "exact count at %s", nodeid.Short(n.id))

		approx := n.cumulation.ApproximateCount()
		assert.InDelta(t, 4.0, approx, 2.0, "approximate count at %s", nodeid.Short(n.id))
	}
}

// TestDeferredDelivery tests that a message deferred before its recipient
// exists reaches the recipient's publisher once it appears.
func TestDeferredDelivery(t *testing.T) {
	ids := []uuid.UUID{a, b, c, d, e}
	m := newConnectedMesh(t, ids)

	recipient := routingtest.IDWithBits(1, 2, 3)

	_, err := m.node(b).deferred.Seed(recipient, []byte("hello"))
	require.NoError(t, err)
	m.settle()

	assert.Equal(t, 0, m.node(c).deferred.Distance(recipient))
	assert.Equal(t, []uuid.UUID{recipient}, m.node(c).deferred.Recipients())

	m.node(d).tree.PutLocalResource(recipient, nil)
	m.settle()

	assert.Equal(t, []string{"hello"}, m.node(d).delivered())

	for _, n := range m.nodes {
		assert.Empty(t, n.deferred.Recipients(), "queue left at %s", nodeid.Short(n.id))
	}
}

// TestDeferredPurgeBeyondBound tests that along a chain only the nodes
// within the distance bound keep a copy, and that everything is withdrawn
// after delivery.
func TestDeferredPurgeBeyondBound(t *testing.T) {
	recipient := routingtest.IDWithBits(0, 1, 2, 3, 100)

	home := routingtest.IDWithBits(0, 1, 2, 3)
	near := routingtest.IDWithBits(0, 1, 2)
	mid := routingtest.IDWithBits(0, 1)
	start := routingtest.IDWithBits(0)
	chain := []uuid.UUID{start, mid, near, home}

	m := newMesh(t)
	for _, id := range chain {
		m.add(id)
	}
	for i := 1; i < len(chain); i++ {
		m.connect(chain[i-1], chain[i])
	}
	m.settle()

	_, err := m.node(start).deferred.Seed(recipient, []byte("far"))
	require.NoError(t, err)
	m.settle()

	for i, id := range chain {
		n := m.node(id)
		distance := len(chain) - 1 - i
		assert.Equal(t, distance, n.deferred.Distance(recipient), "distance at %s", nodeid.Short(id))

		pending, err := n.deferred.Pending(recipient)
		require.NoError(t, err)

		if distance <= deferred.DefaultMaxDistance {
			assert.Len(t, pending, 1, "queue at %s", nodeid.Short(id))
			assert.Equal(t, []uuid.UUID{recipient}, n.deferred.Recipients())
		} else {
			assert.Empty(t, pending, "queue at %s", nodeid.Short(id))
			assert.Empty(t, n.deferred.Recipients())
		}
	}

	m.node(home).tree.PutLocalResource(recipient, nil)
	m.settle()

	assert.Equal(t, []string{"far"}, m.node(home).delivered())

	for _, id := range chain {
		assert.Equal(t, -1, m.node(id).deferred.Distance(recipient), "distance at %s", nodeid.Short(id))
		assert.Empty(t, m.node(id).deferred.Recipients())
	}
}

// TestSparseMeshDrops tests a random mesh where some routing links go away:
// the tables settle on the routes of the remaining links, lookups still
// succeed and every node counts the whole mesh.
func TestSparseMeshDrops(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 8))
	ids := randomIDs(24, r)

	m := newMesh(t)
	for _, id := range ids {
		m.add(id, cumulation.Exact())
	}

	var pairs [][2]uuid.UUID
	for i, x := range ids {
		for _, y := range ids[i+1:] {
			pairs = append(pairs, [2]uuid.UUID{x, y})
		}
	}
	r.Shuffle(len(pairs), func(i, j int) { pairs[i], pairs[j] = pairs[j], pairs[i] })

	for _, p := range pairs {
		m.connect(p[0], p[1])
	}
	m.settle()

	rid := uuid.New()
	publisher := ids[r.IntN(len(ids))]
	m.node(publisher).tree.PutLocalResource(rid, []byte("meta"))
	m.settle()

	links := m.routed(ids)
	require.True(t, routingComplete(ids, links))

	order := slices.Clone(links)
	r.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	dropped := 0
	for _, p := range order {
		if dropped == 4 {
			break
		}

		rest := slices.DeleteFunc(slices.Clone(links), func(q [2]uuid.UUID) bool { return q == p })
		if !routingComplete(ids, rest) {
			continue
		}

		m.disconnect(p[0], p[1])
		links = rest
		dropped++
	}
	require.Equal(t, 4, dropped)
	m.settle()

	ref := newMesh(t)
	for _, id := range ids {
		ref.add(id)
	}
	for _, p := range links {
		ref.connect(p[0], p[1])
	}
	ref.settle()
	require.ElementsMatch(t, links, ref.routed(ids))

	for _, id := range ids {
		n := m.node(id)
		assert.Equal(t, ref.node(id).router.Routers(), n.router.Routers(), "routers of %s", nodeid.Short(id))

		v, ok := n.cumulation.Value(cumulation.ExactCount)
		require.True(t, ok)
		assert.Equal(t, float64(len(ids)), v.Count, "count at %s", nodeid.Short(id))
	}

	for i, target := range ids {
		for k := 0; k < len(ids); k += 5 {
			from := m.node(ids[(i+k+1)%len(ids)])
			assert.Equal(t, target, from.closest(t, target), "route from %s to %s", nodeid.Short(from.id), nodeid.Short(target))
		}
	}

	for _, id := range ids {
		n := m.node(id)
		resp := n.request(&wire.LocateResource{Header: n.proc.Header(), Resource: rid})

		found, ok := resp.(*wire.FoundLocateResourceResponse)
		require.True(t, ok, "lookup from %s: %#v", nodeid.Short(id), resp)
		assert.Equal(t, publisher, found.Location)
	}
}

// TestBeltRepair tests that two ring neighbours find each other again after
// their link is lost.
func TestBeltRepair(t *testing.T) {
	ids := []uuid.UUID{a, b, c, d, e}
	m := newConnectedMesh(t, ids)

	_, right := ringNeighbours(a, ids)
	m.disconnect(a, right)
	m.settle()
	require.False(t, m.node(a).belt.Complete())

	na, nr := m.node(a), m.node(right)
	na.proc.Originate(&wire.BeltConnect{Header: na.proc.Header(), Side: nodeid.Right, Address: a.String()})
	nr.proc.Originate(&wire.BeltConnect{Header: nr.proc.Header(), Side: nodeid.Left, Address: right.String()})
	m.settle()

	for _, id := range ids {
		n := m.node(id)
		left, right := ringNeighbours(id, ids)

		require.True(t, n.belt.Complete(), "belt of %s", nodeid.Short(id))
		assert.Equal(t, left, n.belt.Get(nodeid.Left).ID(), "left of %s", nodeid.Short(id))
		assert.Equal(t, right, n.belt.Get(nodeid.Right).ID(), "right of %s", nodeid.Short(id))
	}

	for _, id := range ids {
		assert.Equal(t, id, na.closest(t, id))
	}
}

// TestDuplicateDropped tests that a routed message is handled once.
func TestDuplicateDropped(t *testing.T) {
	m := newMesh(t)
	n := m.add(a)

	hop := routingtest.NewRecorder(b)
	require.NoError(t, n.router.PutNeighbour(hop))
	m.settle()
	hop.Take()

	sender := uuid.New()
	msg := &wire.LocateResource{Header: wire.Header{Origin: sender, Seq: 7}, Resource: routingtest.IDWithBits(0, 3)}

	n.proc.Handle(sender, msg)
	n.proc.Handle(sender, msg)
	assert.Equal(t, 1, hop.Count(wire.CodeLocateResource))

	// The same sequence number under another variant is a different message.
	n.proc.Handle(sender, &wire.ClosestNode{Header: msg.Header, Addressed: wire.Addressed{Target: msg.Resource}})
	assert.Equal(t, 1, hop.Count(wire.CodeClosestNode))
	assert.Equal(t, 2, n.proc.seen.len())
}

// TestNoHandlerPanics tests that a message without a handler is fatal.
func TestNoHandlerPanics(t *testing.T) {
	m := newMesh(t)
	n := m.add(a)

	assert.Panics(t, func() { n.proc.Handle(b, &wire.Hello{Phase: wire.PhaseJoining}) })

	// Aggregation messages are ignored while aggregation is disabled.
	assert.NotPanics(t, func() { n.proc.Handle(b, &wire.CumulationRequest{Kind: 1, Level: 0}) })
}

// TestDeliverWithoutRoute tests that the transport fails when the target is
// unreachable.
func TestDeliverWithoutRoute(t *testing.T) {
	m := newMesh(t)
	n := m.add(a)

	err := n.proc.Deliver(t.Context(), resourceAt(b), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNoRoute)

	require.NoError(t, n.proc.Deliver(t.Context(), resourceAt(a), uuid.New(), []wire.DeferredMessage{{Body: []byte("x")}}))
	assert.Equal(t, []string{"x"}, n.delivered())
}
