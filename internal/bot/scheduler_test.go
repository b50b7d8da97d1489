package bot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gifguard/internal/gateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerKeepsPerKeyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	scheduler := NewScheduler(context.Background(), 4, "test-order", nil, func(_ context.Context, event gateway.Event) error {
		reaction := event.(gateway.ReactionAdded)
		if reaction.Emoji == "first" {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, reaction.Emoji)
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	for _, emoji := range []string{"first", "second", "third"} {
		require.NoError(t, scheduler.AddWork(ctx, gateway.ReactionAdded{MessageID: "m1", Emoji: emoji}))
	}
	scheduler.Shutdown()

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestSchedulerRunsDistinctKeysConcurrently(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	scheduler := NewScheduler(context.Background(), 2, "test-concurrent", nil, func(context.Context, gateway.Event) error {
		started.Done()
		<-release
		return nil
	})

	ctx := context.Background()
	require.NoError(t, scheduler.AddWork(ctx, gateway.MessageCreated{ID: "a"}))
	require.NoError(t, scheduler.AddWork(ctx, gateway.MessageCreated{ID: "b"}))

	both := make(chan struct{})
	go func() {
		started.Wait()
		close(both)
	}()
	select {
	case <-both:
	case <-time.After(5 * time.Second):
		t.Fatal("expected both keys to be handled at the same time")
	}
	close(release)
	scheduler.Shutdown()
}

func TestSchedulerAddWorkHonoursContext(t *testing.T) {
	release := make(chan struct{})
	scheduler := NewScheduler(context.Background(), 1, "test-cancel", nil, func(context.Context, gateway.Event) error {
		<-release
		return nil
	})

	require.NoError(t, scheduler.AddWork(context.Background(), gateway.MessageCreated{ID: "busy"}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := scheduler.AddWork(ctx, gateway.MessageCreated{ID: "waiting"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, scheduler.AddWork(context.Background(), gateway.MessageCreated{ID: "waiting"}))
	scheduler.Shutdown()
}
