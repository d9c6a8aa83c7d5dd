package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherDeliversToHandler(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	done := make(chan struct{}, 3)

	d := New(2, 16, func(_ context.Context, msg Msg) error {
		mu.Lock()
		seen[msg.SessionID]++
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	d.Start(context.Background())
	defer d.Stop()

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, d.Enqueue(Msg{SessionID: id, Mode: "auto-analyze"}))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"s1": 1, "s2": 1, "s3": 1}, seen)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	d := New(1, 1, func(_ context.Context, _ Msg) error {
		<-block
		return nil
	})
	d.Start(context.Background())
	defer func() {
		close(block)
		d.Stop()
	}()

	require.NoError(t, d.Enqueue(Msg{SessionID: "a"}))
	// Worker holds "a"; fill the single buffered slot, then overflow.
	require.Eventually(t, func() bool {
		return d.Enqueue(Msg{SessionID: "b"}) == nil
	}, time.Second, 5*time.Millisecond)

	err := d.Enqueue(Msg{SessionID: "c"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	var handled atomic.Int32
	d := New(1, 8, func(_ context.Context, _ Msg) error {
		time.Sleep(10 * time.Millisecond)
		handled.Add(1)
		return nil
	})
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(Msg{SessionID: "s"}))
	}
	d.Stop()

	assert.Equal(t, int32(5), handled.Load(), "queued work should finish before Stop returns")
	assert.ErrorIs(t, d.Enqueue(Msg{SessionID: "late"}), ErrStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	d := New(2, 4, func(_ context.Context, _ Msg) error { return nil })
	d.Start(context.Background())
	d.Stop()
	d.Stop()
}

func TestHandlerErrorDoesNotStopWorkers(t *testing.T) {
	var handled atomic.Int32
	d := New(1, 8, func(_ context.Context, msg Msg) error {
		handled.Add(1)
		if msg.SessionID == "bad" {
			return errors.New("boom")
		}
		return nil
	})
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(Msg{SessionID: "bad"}))
	require.NoError(t, d.Enqueue(Msg{SessionID: "good"}))
	d.Stop()

	assert.Equal(t, int32(2), handled.Load())
}

func TestDepth(t *testing.T) {
	d := New(1, 8, func(_ context.Context, _ Msg) error { return nil })
	// Not started: messages accumulate.
	require.NoError(t, d.Enqueue(Msg{SessionID: "a"}))
	require.NoError(t, d.Enqueue(Msg{SessionID: "b"}))
	assert.Equal(t, 2, d.Depth())
}
