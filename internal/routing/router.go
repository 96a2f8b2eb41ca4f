// Package routing maintains the prefix routing table of a node.
//
// A node keeps at most one direct neighbour per slot, the slot being the
// prefix length between the node and the neighbour. For every slot it also
// derives a Router: the shortest known way to reach some node of that slot,
// either directly or through a neighbour sharing a longer prefix. Each router
// carries a spindle, the set of nodes the route passes through, and a route
// whose spindle contains the local node is never adopted.
package routing

import (
	"slices"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

// Neighbour is a direct connection to another node.
type Neighbour interface {
	ID() uuid.UUID               // ID returns the remote node identifier
	Open() bool                  // Open reports whether messages can still be sent
	Send(msg wire.Message) error // Send queues msg without blocking
}

// Router is the routing entry of one slot. The zero value is the empty router.
type Router struct {
	Distance int         // Distance is the hop count to the closest reachable node of the slot
	Spindle  []uuid.UUID // Spindle is the sorted set of nodes on the route
}

// Empty reports whether no route is known.
func (r Router) Empty() bool {
	return r.Distance == 0
}

// Contains reports whether id is in the spindle.
func (r Router) Contains(id uuid.UUID) bool {
	_, ok := slices.BinarySearchFunc(r.Spindle, id, nodeid.Compare)
	return ok
}

// Intersects reports whether any member of set is in the spindle.
func (r Router) Intersects(set map[uuid.UUID]struct{}) bool {
	if len(set) == 0 {
		return false
	}

	for _, id := range r.Spindle {
		if _, ok := set[id]; ok {
			return true
		}
	}

	return false
}

// Equal reports whether two routers are identical.
func (r Router) Equal(o Router) bool {
	return r.Distance == o.Distance && slices.Equal(r.Spindle, o.Spindle)
}

// LocalRouter is a router of the local table, with the neighbours it goes through.
type LocalRouter struct {
	Router
	Hops []Neighbour // Hops are the direct neighbours realizing the route
}

// equal compares distance, spindle and hop identities.
func (r LocalRouter) equal(o LocalRouter) bool {
	if !r.Router.Equal(o.Router) || len(r.Hops) != len(o.Hops) {
		return false
	}

	for i := range r.Hops {
		if r.Hops[i] != o.Hops[i] {
			return false
		}
	}

	return true
}

// RemoteRouterSet is a neighbour's routing table as last announced.
// It is never modified after construction.
type RemoteRouterSet struct {
	routers []Router
}

// NewRemoteRouterSet builds a remote set from its wire form.
func NewRemoteRouterSet(msg *wire.RouterSet) *RemoteRouterSet {
	routers := make([]Router, len(msg.Routers))

	for i, r := range msg.Routers {
		if r.Distance == 0 {
			continue
		}

		spindle := slices.Clone(r.Spindle)
		slices.SortFunc(spindle, nodeid.Compare)

		routers[i] = Router{Distance: int(r.Distance), Spindle: slices.Compact(spindle)}
	}

	return &RemoteRouterSet{routers: routers}
}

// Router returns the router at slot i, empty past the announced length.
func (s *RemoteRouterSet) Router(i int) Router {
	if i < 0 || i >= len(s.routers) {
		return Router{}
	}

	return s.routers[i]
}

// Len returns the number of announced slots.
func (s *RemoteRouterSet) Len() int {
	return len(s.routers)
}

// toWire converts local routers to their announced form.
func toWire(routers []LocalRouter, clearing map[uuid.UUID]struct{}) *wire.RouterSet {
	msg := &wire.RouterSet{Routers: make([]wire.Router, len(routers))}

	for i, r := range routers {
		if r.Empty() {
			continue
		}

		msg.Routers[i] = wire.Router{Distance: uint32(r.Distance), Spindle: slices.Clone(r.Spindle)}
	}

	for id := range clearing {
		msg.Clearing = append(msg.Clearing, id)
	}
	slices.SortFunc(msg.Clearing, nodeid.Compare)

	return msg
}
