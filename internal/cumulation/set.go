package cumulation

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
	"Spindle/internal/routing"
	"Spindle/internal/wire"
)

// Router is the part of the routing table the aggregation relies on.
type Router interface {
	Routers() []routing.Router
	SlotOf(id uuid.UUID) int
	NeighbourAt(i int) routing.Neighbour
	Neighbour(id uuid.UUID) routing.Neighbour
	NeighboursBeyond(slot int) []routing.Neighbour
	RandomHop(i int) routing.Neighbour
	Hops(i int) []routing.Neighbour
}

// regionValue is the aggregate of a sibling region and who reported it.
type regionValue struct {
	value Value
	from  uuid.UUID
}

// table is the state of one cumulation kind.
type table struct {
	c         Cumulation
	values    map[int]Value       // values holds V[l]; V[len(routers)] is the terminal value
	regions   map[int]regionValue // regions holds the sibling region aggregates
	requested map[int]bool        // requested marks levels with an outstanding request
}

// sentKey indexes the sent table.
type sentKey struct {
	kind  Kind
	level int
}

// CumulationSet maintains every enabled aggregation of the local node.
type CumulationSet struct {
	mu     sync.Mutex
	router Router
	tables map[Kind]*table                 // tables holds one table per enabled kind
	sent   map[uuid.UUID]map[sentKey]Value // sent is the last value sent per neighbour
	log    *slog.Logger
}

// NewCumulationSet creates a set tracking the given aggregations.
func NewCumulationSet(router Router, log *slog.Logger, cumulations ...Cumulation) *CumulationSet {
	if log == nil {
		log = slog.Default()
	}

	s := &CumulationSet{
		router: router,
		tables: make(map[Kind]*table),
		sent:   make(map[uuid.UUID]map[sentKey]Value),
		log:    log.With("component", "cumulation"),
	}

	for _, c := range cumulations {
		s.tables[c.Kind] = &table{
			c:         c,
			values:    make(map[int]Value),
			regions:   make(map[int]regionValue),
			requested: make(map[int]bool),
		}
	}

	return s
}

// Value returns the network-wide aggregate of kind, or the terminal value
// when nothing was cumulated yet. The second result is false when the kind
// is not enabled.
func (s *CumulationSet) Value(kind Kind) (Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[kind]
	if t == nil {
		return Value{Kind: kind}, false
	}

	if v, ok := t.values[0]; ok {
		return v, true
	}

	return t.c.Terminal(), true
}

// ApproximateCount returns the approximate network size.
func (s *CumulationSet) ApproximateCount() float64 {
	v, _ := s.Value(ApproximateCount)
	return v.Count
}

// Levels returns V[l] for every level of kind, for diagnostics.
func (s *CumulationSet) Levels(kind Kind) []Value {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[kind]
	if t == nil {
		return nil
	}

	n := 0
	for l := range t.values {
		n = max(n, l+1)
	}

	out := make([]Value, n)
	for l, v := range t.values {
		out[l] = v
	}

	return out
}

// HandleValue records a region aggregate sent by neighbour from. Only a hop
// of the region's router is listened to, so aggregates travel along the
// routing tree: the direct neighbour of the region when there is one.
func (s *CumulationSet) HandleValue(from uuid.UUID, msg *wire.CumulationValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[Kind(msg.Kind)]
	if t == nil {
		s.log.Debug("value for disabled cumulation", "kind", Kind(msg.Kind), "peer", nodeid.Short(from))
		return
	}

	if s.router.Neighbour(from) == nil {
		s.log.Debug("value from a non-neighbour", "peer", nodeid.Short(from))
		return
	}

	level := msg.Level
	if s.router.SlotOf(from) < level {
		s.log.Debug("value from neighbour outside the region", "peer", nodeid.Short(from), "level", level)
		return
	}

	if !s.isHopLocked(level, from) {
		return
	}

	delete(t.requested, level)

	if msg.Empty {
		if cur, ok := t.regions[level]; ok && cur.from == from {
			delete(t.regions, level)
			s.withdrawRelayLocked(t, level)
		}
	} else {
		v := Value{Kind: t.c.Kind, Count: msg.Count}
		t.regions[level] = regionValue{value: v, from: from}
		s.relayLocked(t, level, v, from)
	}

	s.recomputeLocked(t)
}

// HandleRequest answers a neighbour missing the aggregate of its region at msg.Level.
func (s *CumulationSet) HandleRequest(from uuid.UUID, msg *wire.CumulationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tables[Kind(msg.Kind)]
	n := s.router.Neighbour(from)
	if t == nil || n == nil {
		return
	}

	level := msg.Level
	slot := s.router.SlotOf(from)

	// Whatever is known now or later must reach from.
	delete(s.sent[from], sentKey{kind: t.c.Kind, level: level})

	var v Value
	var ok bool

	switch {
	case slot == level:
		v, ok = t.values[level+1]
	case slot > level:
		var r regionValue
		r, ok = t.regions[level]
		v = r.value
	}

	if !ok {
		return
	}

	s.sendLocked(n, t.c.Kind, level, v)
}

// NeighbourAdded sends the new neighbour what it needs from this node.
func (s *CumulationSet) NeighbourAdded(n routing.Neighbour) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot := s.router.SlotOf(n.ID())

	for _, t := range s.tables {
		clear(t.requested)

		if v, ok := t.values[slot+1]; ok {
			s.sendLocked(n, t.c.Kind, slot, v)
		}

		for level, r := range t.regions {
			if level < slot {
				s.sendLocked(n, t.c.Kind, level, r.value)
			}
		}

		s.recomputeLocked(t)
	}
}

// NeighbourDropped forgets values reported by id.
func (s *CumulationSet) NeighbourDropped(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sent, id)

	for _, t := range s.tables {
		clear(t.requested)

		for level, r := range t.regions {
			if r.from == id {
				delete(t.regions, level)
				s.withdrawRelayLocked(t, level)
			}
		}

		s.recomputeLocked(t)
	}
}

// RoutesChanged recomputes every level.
func (s *CumulationSet) RoutesChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tables {
		clear(t.requested)
		s.recomputeLocked(t)
	}
}

// recomputeLocked walks the levels from the deepest to 0. A level whose new
// value is close enough to the stored one keeps the stored one and nothing
// is sent for it. The walk halts at a non-empty level whose region
// aggregate is still unknown, after asking a neighbour for it.
func (s *CumulationSet) recomputeLocked(t *table) {
	routers := s.router.Routers()
	depth := len(routers)

	for l := range t.values {
		if l > depth {
			delete(t.values, l)
		}
	}

	for l, r := range t.regions {
		if l >= depth || routers[l].Empty() || !s.isHopLocked(l, r.from) {
			delete(t.regions, l)
			s.withdrawRelayLocked(t, l)
		}
	}

	var changed []int

	prev := t.c.Terminal()
	if old, ok := t.values[depth]; !ok || old != prev {
		t.values[depth] = prev
		changed = append(changed, depth)
	}

	for l := depth - 1; l >= 0; l-- {
		next := prev

		if !routers[l].Empty() {
			r, ok := t.regions[l]
			if !ok {
				s.requestLocked(t, l)
				break
			}

			next = prev.Combine(r.value)
		}

		if old, ok := t.values[l]; !ok || !t.c.CloseEnough(old, next) {
			t.values[l] = next
			changed = append(changed, l)
		}

		prev = t.values[l]
	}

	for _, l := range changed {
		if l == 0 {
			s.log.Debug("cumulated value changed", "kind", t.c.Kind, "count", t.values[0].Count)
			continue
		}

		if n := s.router.NeighbourAt(l - 1); n != nil {
			s.sendLocked(n, t.c.Kind, l-1, t.values[l])
		}
	}
}

// isHopLocked reports whether id is a hop of the router at level.
func (s *CumulationSet) isHopLocked(level int, id uuid.UUID) bool {
	for _, n := range s.router.Hops(level) {
		if n.ID() == id {
			return true
		}
	}

	return false
}

// relayLocked forwards a region aggregate to the neighbours sharing the region.
func (s *CumulationSet) relayLocked(t *table, level int, v Value, from uuid.UUID) {
	for _, n := range s.router.NeighboursBeyond(level) {
		if n.ID() != from {
			s.sendLocked(n, t.c.Kind, level, v)
		}
	}
}

// withdrawRelayLocked retracts a relayed region aggregate.
func (s *CumulationSet) withdrawRelayLocked(t *table, level int) {
	key := sentKey{kind: t.c.Kind, level: level}

	for id, values := range s.sent {
		if _, ok := values[key]; !ok || s.router.SlotOf(id) <= level {
			continue
		}

		delete(values, key)

		n := s.router.Neighbour(id)
		if n == nil {
			continue
		}

		s.send(n, &wire.CumulationValue{Kind: uint8(t.c.Kind), Level: level, Empty: true})
	}
}

// requestLocked asks a hop of level l for the region aggregate, once.
func (s *CumulationSet) requestLocked(t *table, l int) {
	if t.requested[l] {
		return
	}

	hop := s.router.RandomHop(l)
	if hop == nil {
		return
	}

	t.requested[l] = true
	s.send(hop, &wire.CumulationRequest{Kind: uint8(t.c.Kind), Level: l})
}

// sendLocked sends v to n unless n already has it.
func (s *CumulationSet) sendLocked(n routing.Neighbour, kind Kind, level int, v Value) {
	key := sentKey{kind: kind, level: level}

	values := s.sent[n.ID()]
	if values == nil {
		values = make(map[sentKey]Value)
		s.sent[n.ID()] = values
	}

	if old, ok := values[key]; ok && old == v {
		return
	}

	values[key] = v
	s.send(n, &wire.CumulationValue{Kind: uint8(kind), Level: level, Count: v.Count})
}

// send queues msg to n, logging failures.
func (s *CumulationSet) send(n routing.Neighbour, msg wire.Message) {
	if err := n.Send(msg); err != nil {
		s.log.Debug("send failed", "peer", nodeid.Short(n.ID()), "code", msg.Code(), "error", err)
	}
}
