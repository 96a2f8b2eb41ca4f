package routing

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/invoker"
	"Spindle/internal/nodeid"
	"Spindle/internal/wire"
)

// Listener observes routing table changes. Callbacks run on the invoker,
// never while the table is locked.
type Listener interface {
	NeighbourAdded(n Neighbour)    // NeighbourAdded is called after a neighbour took a slot
	NeighbourDropped(id uuid.UUID) // NeighbourDropped is called after a neighbour left its slot
	RoutesChanged()                // RoutesChanged is called after any router changed
}

// slot is one position of the neighbour table.
type slot struct {
	neighbour Neighbour     // neighbour is the direct neighbour, if any
	booked    bool          // booked reserves the slot for a pending handshake
	unbooked  chan struct{} // unbooked is closed when the booking is released
}

// LocalRouterSet is the routing table of the local node.
type LocalRouterSet struct {
	mu        sync.Mutex
	self      uuid.UUID                      // self is the local node identifier
	slots     []slot                         // slots is indexed by prefix length
	routers   []LocalRouter                  // routers is indexed by prefix length
	remotes   map[uuid.UUID]*RemoteRouterSet // remotes holds the last set announced by each peer
	listeners []Listener                     // listeners are notified through inv
	inv       *invoker.Invoker               // inv runs listener callbacks
	log       *slog.Logger                   // log is the component logger
}

// NewLocalRouterSet creates an empty table for the node self.
func NewLocalRouterSet(self uuid.UUID, inv *invoker.Invoker, log *slog.Logger) *LocalRouterSet {
	if log == nil {
		log = slog.Default()
	}

	return &LocalRouterSet{
		self:    self,
		remotes: make(map[uuid.UUID]*RemoteRouterSet),
		inv:     inv,
		log:     log.With("component", "routing"),
	}
}

// Self returns the local node identifier.
func (s *LocalRouterSet) Self() uuid.UUID {
	return s.self
}

// AddListener registers a listener.
func (s *LocalRouterSet) AddListener(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// SlotOf returns the slot a node would occupy.
func (s *LocalRouterSet) SlotOf(id uuid.UUID) int {
	return nodeid.PrefixLength(s.self, id)
}

// PutNeighbour admits n without a prior booking.
func (s *LocalRouterSet) PutNeighbour(n Neighbour) error {
	i := nodeid.PrefixLength(s.self, n.ID())
	if i >= nodeid.Bits {
		return ErrSelf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotLocked(i)
	if sl.neighbour != nil {
		return &NeighbourCollisionError{Slot: i}
	}

	if sl.booked {
		return &BookedNeighbourPositionError{Slot: i}
	}

	s.admitLocked(i, n)

	return nil
}

// SetBookedNeighbour admits n into the slot the caller booked for it.
// The booking stays held until UnbookNeighbour.
func (s *LocalRouterSet) SetBookedNeighbour(n Neighbour) error {
	i := nodeid.PrefixLength(s.self, n.ID())
	if i >= nodeid.Bits {
		return ErrSelf
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sl := s.slotLocked(i)
	if sl.neighbour != nil {
		return &NeighbourCollisionError{Slot: i}
	}

	if !sl.booked {
		return ErrNotBooked
	}

	s.admitLocked(i, n)

	return nil
}

// admitLocked installs n at slot i and announces the table.
func (s *LocalRouterSet) admitLocked(i int, n Neighbour) {
	s.slots[i].neighbour = n
	s.log.Info("neighbour added", "peer", nodeid.Short(n.ID()), "slot", i)

	s.notify(func(l Listener) { l.NeighbourAdded(n) })

	if !s.updateRoutesLocked(nil, false) {
		s.send(n, toWire(s.routers, nil))
	}
}

// DropSlot removes the neighbour at slot i. It returns false if the slot was empty.
func (s *LocalRouterSet) DropSlot(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.slots) || s.slots[i].neighbour == nil {
		return false
	}

	s.dropLocked(i)

	return true
}

// DropNeighbour removes n if it still holds its slot.
func (s *LocalRouterSet) DropNeighbour(n Neighbour) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := nodeid.PrefixLength(s.self, n.ID())
	if i >= len(s.slots) || s.slots[i].neighbour != n {
		return false
	}

	s.dropLocked(i)

	return true
}

// DropNeighbourID removes the neighbour with the given identifier.
func (s *LocalRouterSet) DropNeighbourID(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := nodeid.PrefixLength(s.self, id)
	if i >= len(s.slots) || s.slots[i].neighbour == nil || s.slots[i].neighbour.ID() != id {
		return false
	}

	s.dropLocked(i)

	return true
}

// dropLocked clears slot i and recomputes without the removed node.
func (s *LocalRouterSet) dropLocked(i int) {
	id := s.slots[i].neighbour.ID()

	s.slots[i].neighbour = nil
	delete(s.remotes, id)
	s.trimSlotsLocked()

	s.log.Info("neighbour dropped", "peer", nodeid.Short(id), "slot", i)

	s.notify(func(l Listener) { l.NeighbourDropped(id) })
	s.updateRoutesLocked(map[uuid.UUID]struct{}{id: {}}, true)
}

// UpdateRemote records the router set announced by from and recomputes,
// excluding the announced clearing set for this pass. The clearing set is
// not forwarded: only the node that lost the neighbour announces it.
func (s *LocalRouterSet) UpdateRemote(from uuid.UUID, msg *wire.RouterSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remotes[from] = NewRemoteRouterSet(msg)

	// A set may arrive before the sender is admitted here; it is kept and
	// used once the sender takes its slot.
	i := nodeid.PrefixLength(s.self, from)
	if i >= len(s.slots) || s.slots[i].neighbour == nil || s.slots[i].neighbour.ID() != from {
		return
	}

	var clearing map[uuid.UUID]struct{}
	if len(msg.Clearing) > 0 {
		clearing = make(map[uuid.UUID]struct{}, len(msg.Clearing))
		for _, id := range msg.Clearing {
			if id != s.self {
				clearing[id] = struct{}{}
			}
		}
	}

	s.updateRoutesLocked(clearing, false)
}

// ForgetRemote discards the router set last announced by id unless id still
// holds a slot.
func (s *LocalRouterSet) ForgetRemote(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := nodeid.PrefixLength(s.self, id)
	if i < len(s.slots) && s.slots[i].neighbour != nil && s.slots[i].neighbour.ID() == id {
		return
	}

	delete(s.remotes, id)
}

// HasRemote reports whether a router set announced by id is kept.
func (s *LocalRouterSet) HasRemote(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.remotes[id]
	return ok
}

// Refresh recomputes the routers, for instance after a neighbour closed
// without being dropped yet.
func (s *LocalRouterSet) Refresh() {
	s.mu.Lock()
	s.updateRoutesLocked(nil, false)
	s.mu.Unlock()
}

// updateRoutesLocked recomputes every router without the nodes in clearing.
// When any changed, the new set is pushed to all open neighbours, carrying
// clearing if announce is set, and listeners are notified.
func (s *LocalRouterSet) updateRoutesLocked(clearing map[uuid.UUID]struct{}, announce bool) bool {
	// Cleared nodes are excluded for one pass only; routes through them that
	// are still valid come back on the next recomputation.
	if len(clearing) > 0 {
		s.inv.Submit(s.Refresh)
	}

	next := make([]LocalRouter, len(s.slots))
	for i := range next {
		next[i] = s.computeRouterLocked(i, clearing)
	}

	for len(next) > 0 && next[len(next)-1].Empty() {
		next = next[:len(next)-1]
	}

	if slices.EqualFunc(s.routers, next, LocalRouter.equal) {
		return false
	}

	s.routers = next

	var announced map[uuid.UUID]struct{}
	if announce {
		announced = clearing
	}

	msg := toWire(next, announced)
	for _, sl := range s.slots {
		if sl.neighbour != nil && sl.neighbour.Open() {
			s.send(sl.neighbour, msg)
		}
	}

	s.notify(func(l Listener) { l.RoutesChanged() })

	return true
}

// computeRouterLocked derives the router of slot i.
func (s *LocalRouterSet) computeRouterLocked(i int, clearing map[uuid.UUID]struct{}) LocalRouter {
	if n := s.slots[i].neighbour; n != nil && n.Open() {
		return LocalRouter{
			Router: Router{Distance: 1, Spindle: []uuid.UUID{n.ID()}},
			Hops:   []Neighbour{n},
		}
	}

	best := 0
	var hops []Neighbour
	var via []Router

	for j := i + 1; j < len(s.slots); j++ {
		n := s.slots[j].neighbour
		if n == nil || !n.Open() {
			continue
		}

		if _, cleared := clearing[n.ID()]; cleared {
			continue
		}

		remote := s.remotes[n.ID()]
		if remote == nil {
			continue
		}

		r := remote.Router(i)
		if r.Empty() || r.Contains(s.self) || r.Intersects(clearing) {
			continue
		}

		d := r.Distance + 1
		if best != 0 && d > best {
			continue
		}

		if d < best || best == 0 {
			best = d
			hops = hops[:0]
			via = via[:0]
		}

		hops = append(hops, n)
		via = append(via, r)
	}

	if best == 0 {
		return LocalRouter{}
	}

	var spindle []uuid.UUID
	for k, n := range hops {
		spindle = append(spindle, n.ID())
		spindle = append(spindle, via[k].Spindle...)
	}

	slices.SortFunc(spindle, nodeid.Compare)

	return LocalRouter{
		Router: Router{Distance: best, Spindle: slices.Compact(spindle)},
		Hops:   hops,
	}
}

// PathStep returns the next hop toward target, or nil when the local node
// is the closest known node.
func (s *LocalRouterSet) PathStep(target uuid.UUID) Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	hops := s.chooseLocked(target)
	if len(hops) == 0 {
		return nil
	}

	return hops[rand.IntN(len(hops))]
}

// PathStepMultiple returns every open hop of the router PathStep would use.
func (s *LocalRouterSet) PathStepMultiple(target uuid.UUID) []Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.chooseLocked(target)
}

// IsClosest reports whether no known node is closer to target.
func (s *LocalRouterSet) IsClosest(target uuid.UUID) bool {
	return s.PathStep(target) == nil
}

// chooseLocked selects the router used to progress toward target. When the
// target's slot is unreachable, the walk escapes toward the extreme of the
// local subtree on the side the target lies: the first deeper slot whose bit
// differs from the local node in the direction of the target.
func (s *LocalRouterSet) chooseLocked(target uuid.UUID) []Neighbour {
	i := nodeid.PrefixLength(s.self, target)
	if i >= nodeid.Bits {
		return nil
	}

	if hops := s.openHopsLocked(i); len(hops) > 0 {
		return hops
	}

	want := nodeid.Bit(target, i)
	for j := i + 1; j < len(s.routers); j++ {
		if nodeid.Bit(s.self, j) == want {
			continue
		}

		if hops := s.openHopsLocked(j); len(hops) > 0 {
			return hops
		}
	}

	return nil
}

// openHopsLocked returns the usable hops of slot i.
func (s *LocalRouterSet) openHopsLocked(i int) []Neighbour {
	if i < len(s.slots) {
		if n := s.slots[i].neighbour; n != nil && n.Open() {
			return []Neighbour{n}
		}
	}

	if i >= len(s.routers) {
		return nil
	}

	var hops []Neighbour
	for _, n := range s.routers[i].Hops {
		if n.Open() {
			hops = append(hops, n)
		}
	}

	return hops
}

// RandomHop returns a random open hop of slot i, or nil.
func (s *LocalRouterSet) RandomHop(i int) Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	hops := s.openHopsLocked(i)
	if len(hops) == 0 {
		return nil
	}

	return hops[rand.IntN(len(hops))]
}

// Hops returns the open hops of slot i: the direct neighbour when there is
// one, otherwise the hops of the router.
func (s *LocalRouterSet) Hops(i int) []Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 {
		return nil
	}

	return s.openHopsLocked(i)
}

// NeighbourAt returns the open direct neighbour at slot i, or nil.
func (s *LocalRouterSet) NeighbourAt(i int) Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.slots) {
		return nil
	}

	if n := s.slots[i].neighbour; n != nil && n.Open() {
		return n
	}

	return nil
}

// Neighbour returns the open direct neighbour with the given identifier, or nil.
func (s *LocalRouterSet) Neighbour(id uuid.UUID) Neighbour {
	n := s.NeighbourAt(nodeid.PrefixLength(s.self, id))
	if n == nil || n.ID() != id {
		return nil
	}

	return n
}

// Neighbours returns every open direct neighbour in slot order.
func (s *LocalRouterSet) Neighbours() []Neighbour {
	return s.NeighboursBeyond(-1)
}

// NeighboursBeyond returns the open direct neighbours at slots greater than slot.
func (s *LocalRouterSet) NeighboursBeyond(slot int) []Neighbour {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Neighbour
	for j := slot + 1; j < len(s.slots); j++ {
		if n := s.slots[j].neighbour; n != nil && n.Open() {
			out = append(out, n)
		}
	}

	return out
}

// Router returns a copy of the router at slot i.
func (s *LocalRouterSet) Router(i int) LocalRouter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= len(s.routers) {
		return LocalRouter{}
	}

	r := s.routers[i]

	return LocalRouter{
		Router: Router{Distance: r.Distance, Spindle: slices.Clone(r.Spindle)},
		Hops:   slices.Clone(r.Hops),
	}
}

// Routers returns a copy of every router.
func (s *LocalRouterSet) Routers() []Router {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Router, len(s.routers))
	for i, r := range s.routers {
		out[i] = Router{Distance: r.Distance, Spindle: slices.Clone(r.Spindle)}
	}

	return out
}

// Levels returns the number of slots that may hold a router.
func (s *LocalRouterSet) Levels() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.routers)
}

// NetworkSizeEstimation estimates the population from the empty router levels.
// With k the sum of 2^-(i+1) over empty levels, the estimate is e^-k/(1-e^-k).
func (s *LocalRouterSet) NetworkSizeEstimation() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := 0.0
	for i := 0; i < nodeid.Bits; i++ {
		if i >= len(s.routers) || s.routers[i].Empty() {
			k += math.Ldexp(1, -(i + 1))
		}
	}

	if k == 0 {
		return math.Inf(1)
	}

	e := math.Exp(-k)

	return e / (1 - e)
}

// slotLocked returns slot i, growing the table as needed.
func (s *LocalRouterSet) slotLocked(i int) *slot {
	for len(s.slots) <= i {
		s.slots = append(s.slots, slot{})
	}

	return &s.slots[i]
}

// trimSlotsLocked drops trailing slots that are neither occupied nor booked.
func (s *LocalRouterSet) trimSlotsLocked() {
	for n := len(s.slots); n > 0; n-- {
		last := s.slots[n-1]
		if last.neighbour != nil || last.booked {
			break
		}

		s.slots = s.slots[:n-1]
	}
}

// send queues msg to n, logging failures.
func (s *LocalRouterSet) send(n Neighbour, msg wire.Message) {
	if err := n.Send(msg); err != nil {
		s.log.Debug("send failed", "peer", nodeid.Short(n.ID()), "code", msg.Code(), "error", err)
	}
}

// notify schedules fn for every listener.
func (s *LocalRouterSet) notify(fn func(Listener)) {
	for _, l := range s.listeners {
		s.inv.Submit(func() { fn(l) })
	}
}
