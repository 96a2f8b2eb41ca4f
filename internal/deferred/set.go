// Package deferred stores and forwards messages for recipients that cannot
// be reached yet.
//
// Messages for a recipient resource travel toward the node closest to the
// recipient id. Nodes within MaxDistance hops of that node keep a copy, the
// others relay and drop theirs. A node that dropped its copy keeps announcing
// its distance while a closer neighbour does, so holders farther up drop
// their copies too. Each node announces its distance to the recipients it
// tracks, so distances follow a distance-vector: 0 at the closest node and
// the minimum neighbour distance plus one elsewhere. Once the recipient
// resource can be located from a node at distance 0, the queue is handed to
// the Transport and the copies held by neighbours are withdrawn.
package deferred

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"Spindle/internal/invoker"
	"Spindle/internal/nodeid"
	"Spindle/internal/resource"
	"Spindle/internal/routing"
	"Spindle/internal/wire"
)

const (
	// DefaultMaxDistance is the farthest distance at which a queue is kept.
	DefaultMaxDistance = 1

	// DefaultMaxAge is the age after which a message is dropped.
	DefaultMaxAge = 7 * 24 * time.Hour

	// untracked is the announced distance of recipients without a queue.
	untracked = -1

	// deliverTimeout bounds a single delivery attempt.
	deliverTimeout = 10 * time.Second
)

// Router is the part of the routing table the deferred set relies on.
type Router interface {
	PathStep(target uuid.UUID) routing.Neighbour
	Neighbour(id uuid.UUID) routing.Neighbour
	Neighbours() []routing.Neighbour
}

// Locator finds the node publishing a resource.
type Locator interface {
	Locate(rid uuid.UUID) (resource.Location, bool)
}

// Transport delivers a queue to the node publishing its recipient.
type Transport interface {
	Deliver(ctx context.Context, location resource.Location, recipient uuid.UUID, msgs []wire.DeferredMessage) error
}

// Config holds the tunables of a DeferredMessageSet.
type Config struct {
	MaxDistance int           // MaxDistance is the farthest distance at which a queue is kept
	MaxAge      time.Duration // MaxAge is the age after which a message is dropped
	Clock       clock.Clock   // Clock defaults to the wall clock
}

// recipientData is the tracking state of one recipient.
type recipientData struct {
	distance     int  // distance is the local distance, untracked when unknown
	announced    int  // announced is the distance last sent to neighbours
	transmitting bool // transmitting is set while a delivery is in flight
	purged       bool // purged is set once the queue was dropped beyond MaxDistance
}

// DeferredMessageSet tracks the deferred messages held by the local node.
type DeferredMessageSet struct {
	mu         sync.Mutex
	self       uuid.UUID
	router     Router
	locator    Locator
	transport  Transport
	store      *Store
	cfg        Config
	recipients map[uuid.UUID]*recipientData
	reported   map[uuid.UUID]map[uuid.UUID]int // reported holds neighbour distances per recipient
	inv        *invoker.Invoker
	log        *slog.Logger
}

// NewDeferredMessageSet creates a set over store.
func NewDeferredMessageSet(self uuid.UUID, router Router, locator Locator, transport Transport, store *Store, cfg Config, inv *invoker.Invoker, log *slog.Logger) *DeferredMessageSet {
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = DefaultMaxDistance
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if log == nil {
		log = slog.Default()
	}

	return &DeferredMessageSet{
		self:       self,
		router:     router,
		locator:    locator,
		transport:  transport,
		store:      store,
		cfg:        cfg,
		recipients: make(map[uuid.UUID]*recipientData),
		reported:   make(map[uuid.UUID]map[uuid.UUID]int),
		inv:        inv,
		log:        log.With("component", "deferred"),
	}
}

// Restore tracks the recipients of messages left in the store.
func (s *DeferredMessageSet) Restore() error {
	recipients, err := s.store.Recipients()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recipients {
		s.trackLocked(r)
		s.evaluateLocked(r)
	}

	s.log.Info("restored deferred queues", "recipients", len(recipients))

	return nil
}

// Seed defers a new message for recipient and returns its id.
func (s *DeferredMessageSet) Seed(recipient uuid.UUID, body []byte) (uuid.UUID, error) {
	msg := wire.DeferredMessage{
		ID:        uuid.New(),
		Recipient: recipient,
		Date:      time.UnixMilli(s.cfg.Clock.Now().UnixMilli()),
		Body:      body,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Put([]wire.DeferredMessage{msg}, s.self); err != nil {
		return uuid.Nil, err
	}

	s.trackLocked(recipient)
	s.evaluateLocked(recipient)

	return msg.ID, nil
}

// HandleMessages stores messages received from neighbour from.
func (s *DeferredMessageSet) HandleMessages(from uuid.UUID, msg *wire.DeferredMessages) {
	if s.router.Neighbour(from) == nil {
		s.log.Debug("deferred messages from a non-neighbour", "peer", nodeid.Short(from))
		return
	}

	cutoff := s.cutoff()

	byRecipient := make(map[uuid.UUID][]wire.DeferredMessage)
	for _, m := range msg.Messages {
		if m.Date.Before(cutoff) {
			continue
		}
		byRecipient[m.Recipient] = append(byRecipient[m.Recipient], m)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for r, msgs := range byRecipient {
		if err := s.store.Put(msgs, s.self, from); err != nil {
			s.log.Error("failed to store deferred messages", "recipient", nodeid.Short(r), "error", err)
			continue
		}

		s.trackLocked(r)
		s.evaluateLocked(r)
	}
}

// HandleDistance records the distance announced by neighbour from.
func (s *DeferredMessageSet) HandleDistance(from uuid.UUID, msg *wire.DeferredDistance) {
	if s.router.Neighbour(from) == nil {
		s.log.Debug("deferred distance from a non-neighbour", "peer", nodeid.Short(from))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := msg.Recipient

	if msg.Distance < 0 {
		delete(s.reported[r], from)
		if len(s.reported[r]) == 0 {
			delete(s.reported, r)
		}
	} else {
		if s.reported[r] == nil {
			s.reported[r] = make(map[uuid.UUID]int)
		}
		s.reported[r][from] = int(msg.Distance)
	}

	s.evaluateLocked(r)
}

// HandleRemoval deletes messages delivered elsewhere and passes the
// withdrawal on to the other holders.
func (s *DeferredMessageSet) HandleRemoval(from uuid.UUID, msg *wire.DeferredRemoval) {
	if s.router.Neighbour(from) == nil {
		s.log.Debug("deferred removal from a non-neighbour", "peer", nodeid.Short(from))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(msg.Recipient, msg.IDs, from)
	s.evaluateLocked(msg.Recipient)
}

// ResourceChanged implements resource.Listener: a recipient that became
// locatable may be delivered.
func (s *DeferredMessageSet) ResourceChanged(rid uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.recipients[rid]; ok {
		s.evaluateLocked(rid)
	}
}

// NeighbourAdded announces tracked distances to the new neighbour.
func (s *DeferredMessageSet) NeighbourAdded(n routing.Neighbour) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for r, d := range s.recipients {
		if d.announced != untracked {
			s.send(n, &wire.DeferredDistance{Recipient: r, Distance: int32(d.announced)})
		}
	}
}

// NeighbourDropped forgets the distances reported by id.
func (s *DeferredMessageSet) NeighbourDropped(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for r, reported := range s.reported {
		if _, ok := reported[id]; !ok {
			continue
		}

		delete(reported, id)
		if len(reported) == 0 {
			delete(s.reported, r)
		}

		s.evaluateLocked(r)
	}
}

// RoutesChanged re-evaluates every tracked recipient.
func (s *DeferredMessageSet) RoutesChanged() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluateAllLocked()
}

// Sweep drops expired messages of every tracked recipient.
func (s *DeferredMessageSet) Sweep() {
	s.RoutesChanged()
}

// Run sweeps expired messages every interval until ctx is done.
func (s *DeferredMessageSet) Run(ctx context.Context, interval time.Duration) {
	ticker := s.cfg.Clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Recipients returns the recipients with a queue held locally.
func (s *DeferredMessageSet) Recipients() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]uuid.UUID, 0, len(s.recipients))
	for r, d := range s.recipients {
		if !d.purged {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, nodeid.Compare)

	return out
}

// Distance returns the local distance to recipient, or -1 when untracked
// or unknown. A purged recipient reports the distance it was purged at.
func (s *DeferredMessageSet) Distance(recipient uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.recipients[recipient]; ok {
		return d.distance
	}

	return untracked
}

// Pending returns the messages held for recipient, oldest first.
func (s *DeferredMessageSet) Pending(recipient uuid.UUID) ([]wire.DeferredMessage, error) {
	return s.store.Queue(recipient, s.cutoff())
}

// trackLocked creates the tracking state of r.
func (s *DeferredMessageSet) trackLocked(r uuid.UUID) *recipientData {
	d := s.recipients[r]
	if d == nil {
		d = &recipientData{distance: untracked, announced: untracked}
		s.recipients[r] = d
	}

	return d
}

func (s *DeferredMessageSet) evaluateAllLocked() {
	for r := range s.recipients {
		s.evaluateLocked(r)
	}
}

// evaluateLocked prunes, forwards, purges or delivers the queue of r and
// announces distance changes.
func (s *DeferredMessageSet) evaluateLocked(r uuid.UUID) {
	d := s.recipients[r]
	if d == nil {
		return
	}

	s.pruneLocked(r)

	queue, err := s.store.Queue(r, s.cutoff())
	if err != nil {
		s.log.Error("failed to load deferred queue", "recipient", nodeid.Short(r), "error", err)
		return
	}

	if len(queue) == 0 {
		if d.purged {
			s.holdPurgedLocked(r, d)
		} else {
			s.untrackLocked(r, d)
		}
		return
	}

	d.purged = false

	hop := s.router.PathStep(r)
	if hop != nil {
		s.forwardLocked(hop, queue)
	}

	d.distance = s.distanceLocked(r, hop)

	if d.distance > s.cfg.MaxDistance {
		s.log.Debug("purging deferred queue", "recipient", nodeid.Short(r), "distance", d.distance, "messages", len(queue))

		ids := make([]uuid.UUID, len(queue))
		for i, m := range queue {
			ids[i] = m.ID
		}

		if err := s.store.Delete(ids...); err != nil {
			s.log.Error("failed to purge deferred queue", "recipient", nodeid.Short(r), "error", err)
			return
		}

		// Holders farther away learn they are beyond the bound too.
		d.purged = true
		s.announceLocked(r, d, d.distance)

		return
	}

	s.announceLocked(r, d, d.distance)

	if d.distance == 0 {
		s.transmitLocked(r, d)
	}
}

// distanceLocked derives the distance to r. It is 0 at the closest node and
// otherwise one more than the nearest reporting neighbour; an unknown
// distance is reported as untracked and keeps the queue.
func (s *DeferredMessageSet) distanceLocked(r uuid.UUID, hop routing.Neighbour) int {
	if hop == nil {
		return 0
	}

	nearest := s.nearestLocked(r)
	if nearest == untracked {
		return untracked
	}

	return nearest + 1
}

// nearestLocked returns the smallest distance to r reported by a current
// neighbour, or untracked.
func (s *DeferredMessageSet) nearestLocked(r uuid.UUID) int {
	best := untracked
	for id, nd := range s.reported[r] {
		if s.router.Neighbour(id) == nil {
			continue
		}

		if best == untracked || nd < best {
			best = nd
		}
	}

	return best
}

// holdPurgedLocked keeps announcing the distance of a purged recipient while
// a neighbour reports a smaller one. The distance of a purged recipient never
// grows: once no neighbour is closer, r is untracked.
func (s *DeferredMessageSet) holdPurgedLocked(r uuid.UUID, d *recipientData) {
	nearest := s.nearestLocked(r)
	if nearest == untracked || nearest >= d.distance || nearest+1 <= s.cfg.MaxDistance || s.router.PathStep(r) == nil {
		d.purged = false
		s.untrackLocked(r, d)
		return
	}

	d.distance = nearest + 1
	s.announceLocked(r, d, d.distance)
}

// forwardLocked sends hop the queued messages it does not hold yet.
func (s *DeferredMessageSet) forwardLocked(hop routing.Neighbour, queue []wire.DeferredMessage) {
	var out []wire.DeferredMessage

	for _, m := range queue {
		holders, err := s.store.Holders(m.ID)
		if err != nil {
			s.log.Error("failed to load holders", "message", m.ID, "error", err)
			continue
		}

		if !slices.Contains(holders, hop.ID()) {
			out = append(out, m)
		}
	}

	if len(out) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(out))
	for i, m := range out {
		ids[i] = m.ID
	}

	if err := s.store.AddHolder(hop.ID(), ids...); err != nil {
		s.log.Error("failed to record holder", "peer", nodeid.Short(hop.ID()), "error", err)
		return
	}

	s.send(hop, &wire.DeferredMessages{Messages: out})
}

// pruneLocked deletes the expired messages of r.
func (s *DeferredMessageSet) pruneLocked(r uuid.UUID) {
	expired, err := s.store.Expired(r, s.cutoff())
	if err != nil {
		s.log.Error("failed to scan expired messages", "recipient", nodeid.Short(r), "error", err)
		return
	}

	if len(expired) == 0 {
		return
	}

	if err := s.store.Delete(expired...); err != nil {
		s.log.Error("failed to delete expired messages", "recipient", nodeid.Short(r), "error", err)
		return
	}

	s.log.Debug("dropped expired messages", "recipient", nodeid.Short(r), "count", len(expired))
}

// untrackLocked forgets r and withdraws its announced distance.
func (s *DeferredMessageSet) untrackLocked(r uuid.UUID, d *recipientData) {
	if d.transmitting {
		// The delivery result re-evaluates r.
		return
	}

	s.announceLocked(r, d, untracked)
	delete(s.recipients, r)
}

// announceLocked broadcasts distance to every neighbour if it changed.
func (s *DeferredMessageSet) announceLocked(r uuid.UUID, d *recipientData, distance int) {
	if d.announced == distance {
		return
	}

	d.announced = distance

	msg := &wire.DeferredDistance{Recipient: r, Distance: int32(distance)}
	for _, n := range s.router.Neighbours() {
		s.send(n, msg)
	}
}

// transmitLocked hands the queue of r to the transport when r is locatable.
func (s *DeferredMessageSet) transmitLocked(r uuid.UUID, d *recipientData) {
	if d.transmitting || s.transport == nil || s.locator == nil {
		return
	}

	loc, ok := s.locator.Locate(r)
	if !ok {
		return
	}

	d.transmitting = true
	s.inv.Submit(func() { s.transmit(r, loc) })
}

// transmit delivers the queue of r to loc. On failure the queue is kept for
// a later attempt.
func (s *DeferredMessageSet) transmit(r uuid.UUID, loc resource.Location) {
	queue, err := s.store.Queue(r, s.cutoff())
	if err != nil {
		s.log.Error("failed to load deferred queue", "recipient", nodeid.Short(r), "error", err)
	}

	if err == nil && len(queue) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err = s.transport.Deliver(ctx, loc, r, queue)
		cancel()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.recipients[r]; d != nil {
		d.transmitting = false
	}

	if err != nil {
		s.log.Warn("deferred delivery failed", "recipient", nodeid.Short(r), "location", nodeid.Short(loc.Node), "error", err)
		return
	}

	if len(queue) > 0 {
		ids := make([]uuid.UUID, len(queue))
		for i, m := range queue {
			ids[i] = m.ID
		}

		s.log.Info("delivered deferred messages", "recipient", nodeid.Short(r), "location", nodeid.Short(loc.Node), "count", len(ids))
		s.removeLocked(r, ids, uuid.Nil)
	}

	s.evaluateLocked(r)
}

// removeLocked deletes ids and forwards the removal to the neighbours
// holding a copy, except skip.
func (s *DeferredMessageSet) removeLocked(r uuid.UUID, ids []uuid.UUID, skip uuid.UUID) {
	byHolder := make(map[uuid.UUID][]uuid.UUID)
	var present []uuid.UUID

	for _, id := range ids {
		holders, err := s.store.Holders(id)
		if err != nil {
			s.log.Error("failed to load holders", "message", id, "error", err)
			continue
		}

		if len(holders) == 0 {
			continue
		}

		present = append(present, id)

		for _, h := range holders {
			if h != s.self && h != skip {
				byHolder[h] = append(byHolder[h], id)
			}
		}
	}

	if len(present) == 0 {
		return
	}

	if err := s.store.Delete(present...); err != nil {
		s.log.Error("failed to delete delivered messages", "recipient", nodeid.Short(r), "error", err)
		return
	}

	for h, held := range byHolder {
		if n := s.router.Neighbour(h); n != nil {
			s.send(n, &wire.DeferredRemoval{Recipient: r, IDs: held})
		}
	}
}

// cutoff returns the oldest date still propagated.
func (s *DeferredMessageSet) cutoff() time.Time {
	return s.cfg.Clock.Now().Add(-s.cfg.MaxAge)
}

// send queues msg to n, logging failures.
func (s *DeferredMessageSet) send(n routing.Neighbour, msg wire.Message) {
	if err := n.Send(msg); err != nil {
		s.log.Debug("send failed", "peer", nodeid.Short(n.ID()), "code", msg.Code(), "error", err)
	}
}
