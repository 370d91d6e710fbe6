package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierIsLossless(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := n.Subscribe(ctx)

	const total = 1000
	for i := range total {
		n.Publish(Event{Kind: EventRecordSynced, RecordID: fmt.Sprint(i)})
	}
	for i := range total {
		select {
		case ev := <-ch:
			require.Equal(t, fmt.Sprint(i), ev.RecordID)
			assert.False(t, ev.At.IsZero())
		case <-time.After(5 * time.Second):
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestNotifierClosesOnCancel(t *testing.T) {
	n := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	ch := n.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed")
	}
	require.Eventually(t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.subs) == 0
	}, time.Second, time.Millisecond)
}
