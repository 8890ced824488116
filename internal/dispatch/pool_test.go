package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolPreservesPerKeyOrder(t *testing.T) {
	p := NewPool(4, 16, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	const keys, perKey = 8, 200
	var mu sync.Mutex
	seen := map[string][]int{}
	var wg sync.WaitGroup
	wg.Add(keys * perKey)

	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("session-%d", k)
		go func() {
			for i := 0; i < perKey; i++ {
				i := i
				assert.True(t, p.Submit(key, func() {
					mu.Lock()
					seen[key] = append(seen[key], i)
					mu.Unlock()
					wg.Done()
				}))
			}
		}()
	}
	wg.Wait()

	for key, got := range seen {
		require.Len(t, got, perKey, key)
		for i, v := range got {
			assert.Equal(t, i, v, "key %s out of order", key)
		}
	}
}

func TestPoolRecoversFromPanics(t *testing.T) {
	p := NewPool(1, 4, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	done := make(chan struct{})
	p.Submit("k", func() { panic("boom") })
	p.Submit("k", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive panic")
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := NewPool(2, 4, zap.NewNop())
	p.Start(context.Background())
	p.Stop()
	assert.False(t, p.Submit("k", func() {}))
}

func TestStripesSameKeySameLock(t *testing.T) {
	s := NewStripes(16)
	assert.Same(t, s.For("conv-1"), s.For("conv-1"))

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Do("conv-1", func() { counter++ })
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}

func TestPoolQueuesTasksSubmittedBeforeStart(t *testing.T) {
	p := NewPool(2, 4, zap.NewNop())
	done := make(chan struct{})
	require.True(t, p.Submit("early", func() { close(done) }))
	assert.Equal(t, int64(1), p.Pending())

	p.Start(context.Background())
	defer p.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queued task never ran")
	}
	require.Eventually(t, func() bool { return p.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestPoolStopsWithParentContext(t *testing.T) {
	p := NewPool(1, 1, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	require.Eventually(t, func() bool { return !p.Submit("k", func() {}) }, time.Second, 5*time.Millisecond)
	p.Stop()
}
