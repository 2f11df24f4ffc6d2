package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/user/cua/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestQueueConcurrency(t *testing.T) {
	queue := NewQueue(2, nil)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var running int32
	var maxSeen int32

	queue.processor = func(run *Run) error {
		current := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if current <= old || atomic.CompareAndSwapInt32(&maxSeen, old, current) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	for i := 0; i < 5; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			SessionID: types.SessionID(fmt.Sprintf("session-%d", i)),
			Status:    RunStatusQueued,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	time.Sleep(500 * time.Millisecond)

	if m := atomic.LoadInt32(&maxSeen); m > 2 {
		t.Errorf("expected max 2 concurrent, saw %d", m)
	}
}

func TestQueueProcessorCalled(t *testing.T) {
	queue := NewQueue(1, nil)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var processed int32

	queue.SetProcessor(func(run *Run) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	run := &Run{
		ID:        types.NewRunID(),
		SessionID: types.SessionID("test-session"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&processed) != 1 {
		t.Errorf("expected 1 processed run, got %d", processed)
	}
}

func TestQueueSameSessionOrdering(t *testing.T) {
	queue := NewQueue(1, nil)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	queue.SetProcessor(func(run *Run) error {
		mu.Lock()
		order = append(order, run.Attempts) // reuse Attempts as sequence marker
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	sessionID := types.SessionID("same-session")
	for i := 0; i < 3; i++ {
		run := &Run{
			ID:        types.NewRunID(),
			SessionID: sessionID,
			Status:    RunStatusQueued,
			Attempts:  i,
		}
		if err := queue.Enqueue(run); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runs to process")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Errorf("expected order[%d] = %d, got %d", i, i, v)
		}
	}
}

func TestQueueNoProcessor(t *testing.T) {
	queue := NewQueue(1, nil)
	ctx := context.Background()
	queue.Start(ctx)
	defer queue.Stop()

	// Enqueue without setting a processor -- should not panic
	run := &Run{
		ID:        types.NewRunID(),
		SessionID: types.SessionID("no-proc"),
		Status:    RunStatusQueued,
	}
	if err := queue.Enqueue(run); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
}

func TestQueueProcessorErrorNotifies(t *testing.T) {
	queue := NewQueue(1, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	queue.SetProcessor(func(run *Run) error {
		return errors.New("browser unavailable")
	})

	got := make(chan string, 1)
	run := NewRun("err-session", &types.InboundEvent{Text: "hi"})
	run.OnComplete = func(resp string) { got <- resp }
	require.NoError(t, queue.Enqueue(run))

	select {
	case resp := <-got:
		assert.Contains(t, resp, "browser unavailable")
	case <-time.After(2 * time.Second):
		t.Fatal("OnComplete not called for failed run")
	}
}

func TestQueueSetsRunContext(t *testing.T) {
	queue := NewQueue(1, nil)
	queue.Start(context.Background())

	seen := make(chan context.Context, 1)
	queue.SetProcessor(func(run *Run) error {
		seen <- run.Ctx
		return nil
	})
	require.NoError(t, queue.Enqueue(NewRun("ctx-session", &types.InboundEvent{})))

	var ctx context.Context
	select {
	case ctx = <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("run not processed")
	}
	require.NotNil(t, ctx)
	queue.Stop()
	assert.Error(t, ctx.Err(), "stopping the queue cancels run contexts")
}

func TestQueueEnqueueAfterStop(t *testing.T) {
	queue := NewQueue(1, nil)
	assert.Error(t, queue.Enqueue(NewRun("s", &types.InboundEvent{})), "enqueue before start")

	queue.Start(context.Background())
	require.NoError(t, queue.Enqueue(NewRun("s", &types.InboundEvent{})))
	queue.Stop()
	queue.Stop()

	assert.Error(t, queue.Enqueue(NewRun("s", &types.InboundEvent{})))
	assert.Zero(t, queue.Active())
}

func TestQueueWaitIdle(t *testing.T) {
	queue := NewQueue(1, nil)
	queue.Start(context.Background())
	defer queue.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	queue.SetProcessor(func(run *Run) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, queue.Enqueue(NewRun("idle", &types.InboundEvent{})))
	<-started

	assert.False(t, queue.WaitIdle(150*time.Millisecond))
	close(release)
	assert.True(t, queue.WaitIdle(2*time.Second))
}
