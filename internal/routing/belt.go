package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"Spindle/internal/nodeid"
)

// Belt holds the two ring neighbours of the local node.
type Belt struct {
	mu      sync.Mutex
	self    uuid.UUID     // self is the local node identifier
	left    Neighbour     // left is the predecessor in identifier order
	right   Neighbour     // right is the successor in identifier order
	changed chan struct{} // changed is closed and replaced on every completeness transition
}

// NewBelt creates an empty belt for the node self.
func NewBelt(self uuid.UUID) *Belt {
	return &Belt{self: self, changed: make(chan struct{})}
}

// Get returns the neighbour on side, or nil.
func (b *Belt) Get(side nodeid.Side) Neighbour {
	b.mu.Lock()
	defer b.mu.Unlock()

	if side == nodeid.Left {
		return b.left
	}

	return b.right
}

// Set installs n on side, replacing any previous neighbour.
func (b *Belt) Set(side nodeid.Side, n Neighbour) {
	b.mu.Lock()
	defer b.mu.Unlock()

	was := b.completeLocked()

	if side == nodeid.Left {
		b.left = n
	} else {
		b.right = n
	}

	b.signalLocked(was)
}

// Offer installs n on every side where it is nearer than the current
// neighbour along that side. It returns the sides n was installed on.
func (b *Belt) Offer(n Neighbour) []nodeid.Side {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n.ID() == b.self {
		return nil
	}

	was := b.completeLocked()

	var sides []nodeid.Side
	if b.nearerLocked(nodeid.Left, n.ID(), b.left) {
		b.left = n
		sides = append(sides, nodeid.Left)
	}

	if b.nearerLocked(nodeid.Right, n.ID(), b.right) {
		b.right = n
		sides = append(sides, nodeid.Right)
	}

	b.signalLocked(was)

	return sides
}

// Nearer reports whether id lies nearer along side than the current neighbour.
func (b *Belt) Nearer(side nodeid.Side, id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur := b.right
	if side == nodeid.Left {
		cur = b.left
	}

	return b.nearerLocked(side, id, cur)
}

// nearerLocked compares id with the current neighbour cur along side.
func (b *Belt) nearerLocked(side nodeid.Side, id uuid.UUID, cur Neighbour) bool {
	if cur == nil || !cur.Open() {
		return true
	}

	if cur.ID() == id {
		return false
	}

	return nodeid.Toward(side, b.self, id).Cmp(nodeid.Toward(side, b.self, cur.ID())) < 0
}

// Drop removes the neighbour with the given identifier from both sides.
func (b *Belt) Drop(id uuid.UUID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	was := b.completeLocked()
	dropped := false

	if b.left != nil && b.left.ID() == id {
		b.left = nil
		dropped = true
	}

	if b.right != nil && b.right.ID() == id {
		b.right = nil
		dropped = true
	}

	b.signalLocked(was)

	return dropped
}

// DropNeighbour removes n from the sides it still holds. A newer
// connection to the same node is left in place.
func (b *Belt) DropNeighbour(n Neighbour) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	was := b.completeLocked()
	dropped := false

	if b.left == n {
		b.left = nil
		dropped = true
	}

	if b.right == n {
		b.right = nil
		dropped = true
	}

	b.signalLocked(was)

	return dropped
}

// Complete reports whether both sides are known.
func (b *Belt) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.completeLocked()
}

func (b *Belt) completeLocked() bool {
	return b.left != nil && b.right != nil
}

// signalLocked wakes waiters if completeness changed since was.
func (b *Belt) signalLocked(was bool) {
	if was == b.completeLocked() {
		return
	}

	close(b.changed)
	b.changed = make(chan struct{})
}

// WaitForCompletionStatus blocks until Complete() == want. It returns
// ErrWaitTimeout when ctx expires first.
func (b *Belt) WaitForCompletionStatus(ctx context.Context, want bool) error {
	for {
		b.mu.Lock()
		if b.completeLocked() == want {
			b.mu.Unlock()
			return nil
		}

		changed := b.changed
		b.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("belt completion %t:\n%w", want, ErrWaitTimeout)
		}
	}
}

// ClosestNeighbour returns the side neighbour sharing the longer prefix with
// the local node. Ties favour the left side.
func (b *Belt) ClosestNeighbour() Neighbour {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.left == nil:
		return b.right
	case b.right == nil:
		return b.left
	}

	if nodeid.PrefixLength(b.self, b.right.ID()) > nodeid.PrefixLength(b.self, b.left.ID()) {
		return b.right
	}

	return b.left
}

// Neighbours returns the distinct belt neighbours.
func (b *Belt) Neighbours() []Neighbour {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Neighbour
	if b.left != nil {
		out = append(out, b.left)
	}

	if b.right != nil && b.right != b.left {
		out = append(out, b.right)
	}

	return out
}
