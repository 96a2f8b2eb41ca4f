package processor

import (
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"Spindle/internal/wire"
)

const (
	// defaultDedupTTL is how long a routed message is remembered.
	defaultDedupTTL = 30 * time.Second

	// maxSeen bounds the number of remembered messages.
	maxSeen = 1 << 16
)

// seenKey identifies a routed message across the mesh.
type seenKey struct {
	origin uuid.UUID // origin is the node that created the message
	seq    uint64    // seq is the origin's sequence number
	code   wire.Code // code separates variants sharing a sequence number
}

// dedup remembers recently processed routed messages so that a message
// reaching a node twice, through a flood or a route change, runs once.
type dedup struct {
	seen *ttlcache.Cache[seenKey, struct{}]
}

// newDedup creates a tracker remembering messages for ttl.
func newDedup(ttl time.Duration) *dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	return &dedup{
		seen: ttlcache.New(
			ttlcache.WithTTL[seenKey, struct{}](ttl),
			ttlcache.WithCapacity[seenKey, struct{}](maxSeen),
			ttlcache.WithDisableTouchOnHit[seenKey, struct{}](),
		),
	}
}

// check returns true if msg is new, and records it.
func (d *dedup) check(msg wire.Routed) bool {
	d.seen.DeleteExpired()

	h := msg.Head()
	_, found := d.seen.GetOrSet(seenKey{origin: h.Origin, seq: h.Seq, code: msg.Code()}, struct{}{})

	return !found
}

// len returns the number of remembered messages.
func (d *dedup) len() int {
	return d.seen.Len()
}
