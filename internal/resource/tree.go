// Package resource implements the distributed resource directory.
//
// Every published resource grows a tree toward its home node, the node
// closest to the resource identifier. A node of the tree knows its "up"
// neighbours (the neighbours whose route toward the resource goes through
// it), with their distance to the nearest publisher, and its single "down"
// neighbour, the next hop toward the home. Changes travel as small deltas:
// distance and closest location flow down, next locations flow up.
package resource

import (
	"bytes"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/invoker"
	"Spindle/internal/nodeid"
	"Spindle/internal/routing"
	"Spindle/internal/wire"
)

// MaxTreeDistance caps distances accepted from up neighbours.
const MaxTreeDistance = 64

// Router is the part of the routing table the directory relies on.
type Router interface {
	Self() uuid.UUID
	PathStepMultiple(target uuid.UUID) []routing.Neighbour
	Neighbour(id uuid.UUID) routing.Neighbour
}

// Listener observes changes of the best known location of a resource.
// Callbacks run on the invoker.
type Listener interface {
	ResourceChanged(resource uuid.UUID)
}

// Location is a node publishing a resource, with its metadata.
type Location struct {
	Node     uuid.UUID // Node is the publishing node
	Metadata []byte    // Metadata is the publication payload
}

// equal compares two optional locations.
func (l *Location) equal(o *Location) bool {
	if l == nil || o == nil {
		return l == o
	}

	return l.Node == o.Node && bytes.Equal(l.Metadata, o.Metadata)
}

// upEntry is what an up neighbour last reported.
type upEntry struct {
	distance    int       // distance is the neighbour's distance to its nearest publisher
	hasDistance bool      // hasDistance is set once a distance was reported
	closest     *Location // closest is the neighbour's nearest publisher
}

// usable reports whether the entry can carry a route.
func (e *upEntry) usable() bool {
	return e.hasDistance && e.closest != nil && e.distance+1 < MaxTreeDistance
}

// hint is a location with its distance from some node.
type hint struct {
	location Location
	distance int
}

// sent is the state last advertised to the down neighbour.
type sent struct {
	distance int
	closest  *Location
}

// treeNode is the local state of one resource tree.
type treeNode struct {
	local    *Location              // local is set when this node publishes the resource
	ups      map[uuid.UUID]*upEntry // ups are keyed by neighbour identifier
	down     uuid.UUID              // down is the next hop toward the home, Nil at the home
	downNext *hint                  // downNext is the location advertised by down
	distance int                    // distance is -1 when no publisher is known
	closest  *Location              // closest is the nearest known publisher
	sentDown *sent                  // sentDown is nil until something was sent to down
	sentUp   map[uuid.UUID]hint     // sentUp holds next locations advertised to ups
}

// ResourceTreeNodeSet is the directory state of the local node.
type ResourceTreeNodeSet struct {
	mu        sync.Mutex
	self      uuid.UUID
	router    Router
	nodes     map[uuid.UUID]*treeNode             // nodes is keyed by resource
	pending   map[uuid.UUID][]wire.ResourceAction // pending batches deltas per neighbour
	changed   map[uuid.UUID]struct{}              // changed collects resources to notify
	listeners []Listener
	inv       *invoker.Invoker
	log       *slog.Logger
}

// NewResourceTreeNodeSet creates an empty directory.
func NewResourceTreeNodeSet(router Router, inv *invoker.Invoker, log *slog.Logger) *ResourceTreeNodeSet {
	if log == nil {
		log = slog.Default()
	}

	return &ResourceTreeNodeSet{
		self:    router.Self(),
		router:  router,
		nodes:   make(map[uuid.UUID]*treeNode),
		pending: make(map[uuid.UUID][]wire.ResourceAction),
		changed: make(map[uuid.UUID]struct{}),
		inv:     inv,
		log:     log.With("component", "resource"),
	}
}

// AddListener registers a listener.
func (s *ResourceTreeNodeSet) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// PutLocalResource publishes resource at the local node.
func (s *ResourceTreeNodeSet) PutLocalResource(resource uuid.UUID, metadata []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.nodeLocked(resource)
	node.local = &Location{Node: s.self, Metadata: slices.Clone(metadata)}

	s.log.Info("resource published", "resource", nodeid.Short(resource))

	s.refreshLocked(resource)
	s.flushLocked()
}

// RemoveLocalResource withdraws a local publication. It returns false if
// the resource was not published here.
func (s *ResourceTreeNodeSet) RemoveLocalResource(resource uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.nodes[resource]
	if node == nil || node.local == nil {
		return false
	}

	node.local = nil

	s.log.Info("resource withdrawn", "resource", nodeid.Short(resource))

	s.refreshLocked(resource)
	s.flushLocked()

	return true
}

// Apply processes a batch of deltas sent by neighbour from.
func (s *ResourceTreeNodeSet) Apply(from uuid.UUID, actions []wire.ResourceAction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.router.Neighbour(from) == nil {
		s.log.Debug("resource actions from non-neighbour ignored", "peer", nodeid.Short(from))
		return
	}

	var touched []uuid.UUID

	for _, a := range actions {
		if s.applyLocked(from, a) {
			touched = append(touched, a.Resource)
		}
	}

	slices.SortFunc(touched, nodeid.Compare)
	for _, rid := range slices.Compact(touched) {
		s.refreshLocked(rid)
	}

	s.flushLocked()
}

// applyLocked records one delta and reports whether the resource needs a refresh.
func (s *ResourceTreeNodeSet) applyLocked(from uuid.UUID, a wire.ResourceAction) bool {
	switch a.Kind {
	case wire.ActionUpdateUpDistance:
		e := s.upLocked(a.Resource, from)
		e.distance = int(a.Distance)
		e.hasDistance = true

	case wire.ActionUpdateUpClosest:
		e := s.upLocked(a.Resource, from)
		e.closest = &Location{Node: a.Location, Metadata: a.Metadata}

	case wire.ActionRemoveUp:
		node := s.nodes[a.Resource]
		if node == nil {
			return false
		}

		delete(node.ups, from)
		delete(node.sentUp, from)

	case wire.ActionUpdateNextLocation:
		node := s.nodes[a.Resource]
		if node == nil || node.down != from {
			return false
		}

		node.downNext = &hint{
			location: Location{Node: a.Location, Metadata: a.Metadata},
			distance: int(a.Distance),
		}

	case wire.ActionRemoveNextLocation:
		node := s.nodes[a.Resource]
		if node == nil || node.down != from {
			return false
		}

		node.downNext = nil

	default:
		s.log.Warn("unknown resource action", "kind", a.Kind, "peer", nodeid.Short(from))
		return false
	}

	return true
}

// Locate returns the nearest known location of resource. It returns false
// when this node has no tree node for the resource or knows no location yet.
func (s *ResourceTreeNodeSet) Locate(resource uuid.UUID) (Location, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.nodes[resource]
	if node == nil {
		return Location{}, false
	}

	if node.local != nil {
		return cloneLocation(*node.local), true
	}

	var best *hint
	if node.closest != nil && node.distance >= 0 {
		best = &hint{location: *node.closest, distance: node.distance}
	}

	if n := node.downNext; n != nil && (best == nil || n.distance+1 < best.distance) {
		best = &hint{location: n.location, distance: n.distance + 1}
	}

	if best == nil {
		return Location{}, false
	}

	return cloneLocation(best.location), true
}

// Tracked reports whether a tree node exists for resource.
func (s *ResourceTreeNodeSet) Tracked(resource uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.nodes[resource]

	return ok
}

// LocalMetadata returns the metadata of a local publication.
func (s *ResourceTreeNodeSet) LocalMetadata(resource uuid.UUID) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.nodes[resource]
	if node == nil || node.local == nil {
		return nil, false
	}

	return slices.Clone(node.local.Metadata), true
}

// Distance returns the local distance to the nearest publisher, or -1.
func (s *ResourceTreeNodeSet) Distance(resource uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.nodes[resource]
	if node == nil {
		return -1
	}

	return node.distance
}

// Len returns the number of tree nodes held.
func (s *ResourceTreeNodeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.nodes)
}

// LocalResources returns the resources published here.
func (s *ResourceTreeNodeSet) LocalResources() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []uuid.UUID
	for rid, node := range s.nodes {
		if node.local != nil {
			out = append(out, rid)
		}
	}
	slices.SortFunc(out, nodeid.Compare)

	return out
}

// NeighbourAdded implements routing.Listener.
func (s *ResourceTreeNodeSet) NeighbourAdded(routing.Neighbour) {}

// NeighbourDropped forgets everything learned from or sent to id.
func (s *ResourceTreeNodeSet) NeighbourDropped(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.nodes {
		delete(node.ups, id)
		delete(node.sentUp, id)

		if node.down == id {
			node.sentDown = nil
			node.downNext = nil
		}
	}

	s.refreshAllLocked()
	s.flushLocked()
}

// RoutesChanged recomputes every down neighbour.
func (s *ResourceTreeNodeSet) RoutesChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshAllLocked()
	s.flushLocked()
}

// refreshAllLocked refreshes every tree node.
func (s *ResourceTreeNodeSet) refreshAllLocked() {
	rids := make([]uuid.UUID, 0, len(s.nodes))
	for rid := range s.nodes {
		rids = append(rids, rid)
	}

	for _, rid := range rids {
		s.refreshLocked(rid)
	}
}

// refreshLocked recomputes one tree node and queues the resulting deltas.
func (s *ResourceTreeNodeSet) refreshLocked(rid uuid.UUID) {
	node := s.nodes[rid]
	if node == nil {
		return
	}

	down := pickDown(node.down, s.router.PathStepMultiple(rid))
	if down != node.down {
		if node.down != nodeid.Nil && node.sentDown != nil {
			s.emit(node.down, wire.ResourceAction{Kind: wire.ActionRemoveUp, Resource: rid})
		}

		node.down = down
		node.downNext = nil
		node.sentDown = nil
	}

	oldDistance, oldClosest := node.distance, node.closest
	node.distance, node.closest = s.evaluate(node)

	if node.distance != oldDistance || !node.closest.equal(oldClosest) {
		s.changed[rid] = struct{}{}
	}

	if node.distance < 0 {
		s.withdrawLocked(rid, node)

		if len(node.ups) == 0 {
			delete(s.nodes, rid)
			s.changed[rid] = struct{}{}
		}

		return
	}

	if node.down != nodeid.Nil {
		if node.sentDown == nil || node.sentDown.distance != node.distance {
			s.emit(node.down, wire.ResourceAction{
				Kind:     wire.ActionUpdateUpDistance,
				Resource: rid,
				Distance: uint32(node.distance),
			})
		}

		if node.sentDown == nil || !node.sentDown.closest.equal(node.closest) {
			s.emit(node.down, wire.ResourceAction{
				Kind:     wire.ActionUpdateUpClosest,
				Resource: rid,
				Location: node.closest.Node,
				Metadata: node.closest.Metadata,
			})
		}

		node.sentDown = &sent{distance: node.distance, closest: node.closest}
	}

	s.advertiseUpLocked(rid, node)
}

// withdrawLocked retracts everything this node advertised for rid.
func (s *ResourceTreeNodeSet) withdrawLocked(rid uuid.UUID, node *treeNode) {
	if node.down != nodeid.Nil && node.sentDown != nil {
		s.emit(node.down, wire.ResourceAction{Kind: wire.ActionRemoveUp, Resource: rid})
	}

	node.sentDown = nil
	node.downNext = nil

	for up := range node.sentUp {
		s.emit(up, wire.ResourceAction{Kind: wire.ActionRemoveNextLocation, Resource: rid})
	}

	clear(node.sentUp)
}

// advertiseUpLocked sends every up neighbour the nearest location known
// outside its own branch.
func (s *ResourceTreeNodeSet) advertiseUpLocked(rid uuid.UUID, node *treeNode) {
	for up := range node.sentUp {
		if _, ok := node.ups[up]; !ok || up == node.down {
			s.emit(up, wire.ResourceAction{Kind: wire.ActionRemoveNextLocation, Resource: rid})
			delete(node.sentUp, up)
		}
	}

	for up := range node.ups {
		if up == node.down {
			continue
		}

		next, ok := s.nextFor(node, up)
		prev, advertised := node.sentUp[up]

		switch {
		case !ok && advertised:
			s.emit(up, wire.ResourceAction{Kind: wire.ActionRemoveNextLocation, Resource: rid})
			delete(node.sentUp, up)

		case ok && (!advertised || prev.distance != next.distance || !prev.location.equal(&next.location)):
			s.emit(up, wire.ResourceAction{
				Kind:     wire.ActionUpdateNextLocation,
				Resource: rid,
				Distance: uint32(next.distance),
				Location: next.location.Node,
				Metadata: next.location.Metadata,
			})

			if node.sentUp == nil {
				node.sentUp = make(map[uuid.UUID]hint)
			}
			node.sentUp[up] = next
		}
	}
}

// evaluate derives distance and closest location from the local
// publication and the usable up entries. The down neighbour's entry is
// ignored so that two nodes never feed each other.
func (s *ResourceTreeNodeSet) evaluate(node *treeNode) (int, *Location) {
	if node.local != nil {
		return 0, node.local
	}

	bestID, best := nodeid.Nil, (*upEntry)(nil)
	for id, e := range node.ups {
		if id == node.down || !e.usable() {
			continue
		}

		if best == nil || e.distance < best.distance ||
			(e.distance == best.distance && nodeid.Compare(id, bestID) < 0) {
			bestID, best = id, e
		}
	}

	if best == nil {
		return -1, nil
	}

	return best.distance + 1, best.closest
}

// nextFor computes the location advertised to up: the nearest publisher
// reachable from this node without going back through up.
func (s *ResourceTreeNodeSet) nextFor(node *treeNode, up uuid.UUID) (hint, bool) {
	if node.local != nil {
		return hint{location: *node.local, distance: 0}, true
	}

	var best *hint
	bestID := nodeid.Nil

	for id, e := range node.ups {
		if id == up || id == node.down || !e.usable() {
			continue
		}

		d := e.distance + 1
		if best == nil || d < best.distance || (d == best.distance && nodeid.Compare(id, bestID) < 0) {
			best = &hint{location: *e.closest, distance: d}
			bestID = id
		}
	}

	if n := node.downNext; n != nil && n.distance+1 < MaxTreeDistance {
		if best == nil || n.distance+1 < best.distance {
			best = &hint{location: n.location, distance: n.distance + 1}
		}
	}

	if best == nil {
		return hint{}, false
	}

	return *best, true
}

// pickDown keeps the current down neighbour while it remains a valid hop.
func pickDown(current uuid.UUID, hops []routing.Neighbour) uuid.UUID {
	if len(hops) == 0 {
		return nodeid.Nil
	}

	for _, n := range hops {
		if n.ID() == current {
			return current
		}
	}

	return hops[0].ID()
}

// nodeLocked returns the tree node of rid, creating it.
func (s *ResourceTreeNodeSet) nodeLocked(rid uuid.UUID) *treeNode {
	node := s.nodes[rid]
	if node == nil {
		node = &treeNode{ups: make(map[uuid.UUID]*upEntry), distance: -1}
		s.nodes[rid] = node
	}

	return node
}

// upLocked returns the up entry of from for rid, creating both.
func (s *ResourceTreeNodeSet) upLocked(rid, from uuid.UUID) *upEntry {
	node := s.nodeLocked(rid)

	e := node.ups[from]
	if e == nil {
		e = &upEntry{}
		node.ups[from] = e
	}

	return e
}

// emit queues a delta for neighbour to.
func (s *ResourceTreeNodeSet) emit(to uuid.UUID, a wire.ResourceAction) {
	s.pending[to] = append(s.pending[to], a)
}

// flushLocked sends queued deltas, one batch per neighbour, and schedules
// listener notifications.
func (s *ResourceTreeNodeSet) flushLocked() {
	for to, actions := range s.pending {
		if n := s.router.Neighbour(to); n != nil {
			if err := n.Send(&wire.ResourceActions{Actions: actions}); err != nil {
				s.log.Debug("send resource actions failed", "peer", nodeid.Short(to), "error", err)
			}
		}

		delete(s.pending, to)
	}

	for rid := range s.changed {
		for _, l := range s.listeners {
			s.inv.Submit(func() { l.ResourceChanged(rid) })
		}

		delete(s.changed, rid)
	}
}

// cloneLocation returns a copy safe to hand out.
func cloneLocation(l Location) Location {
	return Location{Node: l.Node, Metadata: slices.Clone(l.Metadata)}
}
