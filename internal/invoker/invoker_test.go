package invoker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestSubmitOrder tests that tasks run in submission order.
func TestSubmitOrder(t *testing.T) {
	inv := New(nil)
	defer inv.Close()

	var mu sync.Mutex
	var got []int

	for i := 0; i < 100; i++ {
		inv.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inv.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

// TestSubmitFromTask tests that tasks may submit further tasks without deadlock.
func TestSubmitFromTask(t *testing.T) {
	inv := New(nil)
	defer inv.Close()

	var mu sync.Mutex
	count := 0

	var step func(n int)
	step = func(n int) {
		mu.Lock()
		count++
		mu.Unlock()

		if n > 0 {
			inv.Submit(func() { step(n - 1) })
		}
	}

	inv.Submit(func() { step(9) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, inv.WaitIdle(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 10, count)
}

// TestWaitIdleTimeout tests that WaitIdle honours the context.
func TestWaitIdleTimeout(t *testing.T) {
	inv := New(nil)
	defer inv.Close()

	release := make(chan struct{})
	inv.Submit(func() { <-release })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, inv.WaitIdle(ctx), context.DeadlineExceeded)

	close(release)
}

// TestCloseDrains tests that Close runs queued tasks and rejects new ones.
func TestCloseDrains(t *testing.T) {
	inv := New(nil)

	ran := make(chan struct{}, 2)
	inv.Submit(func() { ran <- struct{}{} })
	inv.Close()

	inv.Submit(func() { ran <- struct{}{} })

	require.Len(t, ran, 1)
}
