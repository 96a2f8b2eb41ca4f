package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Spindle/internal/nodeid"
	"Spindle/internal/routing/routingtest"
)

// TestBeltOffer tests that offers keep the nearest node on each side.
func TestBeltOffer(t *testing.T) {
	self := routingtest.IDWithBits(0)                             // 1000...
	far := routingtest.NewRecorder(routingtest.IDWithBits(0, 1))  // 1100...
	near := routingtest.NewRecorder(routingtest.IDWithBits(0, 7)) // 1000 0001...
	below := routingtest.NewRecorder(routingtest.IDWithBits(1))   // 0100...

	b := NewBelt(self)

	// The only node is both successor and predecessor.
	assert.ElementsMatch(t, []nodeid.Side{nodeid.Left, nodeid.Right}, b.Offer(far))
	assert.True(t, b.Complete())

	assert.Equal(t, []nodeid.Side{nodeid.Right}, b.Offer(near))
	assert.Equal(t, near, b.Get(nodeid.Right))
	assert.Equal(t, far, b.Get(nodeid.Left))

	assert.Equal(t, []nodeid.Side{nodeid.Left}, b.Offer(below))
	assert.Equal(t, below, b.Get(nodeid.Left))

	assert.Empty(t, b.Offer(far))
	assert.False(t, b.Nearer(nodeid.Right, far.ID()))
	assert.Len(t, b.Neighbours(), 2)
}

// TestBeltWaitForCompletion tests blocking on completeness transitions.
func TestBeltWaitForCompletion(t *testing.T) {
	self := routingtest.IDWithBits(0)
	b := NewBelt(self)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.WaitForCompletionStatus(ctx, true), ErrWaitTimeout)
	require.NoError(t, b.WaitForCompletionStatus(context.Background(), false))

	left := routingtest.NewRecorder(routingtest.IDWithBits(1))
	right := routingtest.NewRecorder(routingtest.IDWithBits(0, 1))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- b.WaitForCompletionStatus(ctx, true)
	}()

	b.Set(nodeid.Left, left)
	b.Set(nodeid.Right, right)
	require.NoError(t, <-done)

	assert.True(t, b.Drop(right.ID()))
	assert.False(t, b.Complete())
	require.NoError(t, b.WaitForCompletionStatus(context.Background(), false))
}

// TestBeltClosestNeighbour tests the prefix comparison and its tie rule.
func TestBeltClosestNeighbour(t *testing.T) {
	self := routingtest.IDWithBits(0)
	b := NewBelt(self)
	assert.Nil(t, b.ClosestNeighbour())

	left := routingtest.NewRecorder(routingtest.IDWithBits(1))
	b.Set(nodeid.Left, left)
	assert.Equal(t, left, b.ClosestNeighbour())

	right := routingtest.NewRecorder(routingtest.IDWithBits(0, 3))
	b.Set(nodeid.Right, right)
	assert.Equal(t, right, b.ClosestNeighbour())

	tie := routingtest.NewRecorder(routingtest.IDWithBits(0, 2, 3))
	b.Set(nodeid.Left, tie)
	b.Set(nodeid.Right, routingtest.NewRecorder(routingtest.IDWithBits(0, 2)))
	assert.Equal(t, tie, b.ClosestNeighbour())
}

// TestBeltDropNeighbour tests that only the dropped connection is removed.
func TestBeltDropNeighbour(t *testing.T) {
	self := routingtest.IDWithBits(0)
	old := routingtest.NewRecorder(routingtest.IDWithBits(0, 1))
	fresh := routingtest.NewRecorder(old.ID())

	b := NewBelt(self)
	b.Offer(old)
	require.True(t, b.Complete())

	// A newer connection to the same node replaces the old one.
	b.Set(nodeid.Left, fresh)
	assert.True(t, b.DropNeighbour(old))
	assert.Equal(t, fresh, b.Get(nodeid.Left))
	assert.Nil(t, b.Get(nodeid.Right))

	assert.False(t, b.DropNeighbour(old))
	assert.True(t, b.DropNeighbour(fresh))
	assert.Empty(t, b.Neighbours())
}
