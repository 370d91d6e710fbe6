package store

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readResult struct {
	rec models.Record
	err error
}

// collect runs Read in the background and forwards everything it yields.
func collect(ctx context.Context, s *SQLiteStore, q models.Query) <-chan readResult {
	out := make(chan readResult, 64)
	go func() {
		defer close(out)
		for rec, err := range s.Read(ctx, q) {
			out <- readResult{rec: rec, err: err}
		}
	}()
	return out
}

func next(t *testing.T, ch <-chan readResult) readResult {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "stream ended early")
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Read")
		return readResult{}
	}
}

// nextFor skips intermediate states until the record reaches want.
func nextFor(t *testing.T, ch <-chan readResult, id string, want func(models.Record) bool) models.Record {
	t.Helper()
	for {
		r := next(t, ch)
		require.NoError(t, r.err)
		if r.rec.ID == id && want(r.rec) {
			return r.rec
		}
	}
}

func TestReadReplaysThenFollows(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	write(t, s, "a", "first")
	ch := collect(ctx, s, models.Query{})

	r := next(t, ch)
	require.NoError(t, r.err)
	assert.Equal(t, "a", r.rec.ID)
	assert.Equal(t, "first", string(r.rec.Payload))

	write(t, s, "b", "second")
	got := nextFor(t, ch, "b", func(models.Record) bool { return true })
	assert.Equal(t, "second", string(got.Payload))

	syncRecord(t, s, "a", 1)
	nextFor(t, ch, "a", func(r models.Record) bool { return r.SyncState == models.SyncStateSynced })

	require.NoError(t, s.Delete(context.Background(), "b"))
	gone := nextFor(t, ch, "b", func(r models.Record) bool { return r.Deleted })
	assert.Nil(t, gone.Payload)

	cancel()
	for range ch {
	}
}

func TestReadFilteredStreamEmitsLeave(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	write(t, s, "p", "x")
	ch := collect(ctx, s, models.Query{States: []models.SyncState{models.SyncStatePending}})
	r := next(t, ch)
	require.Equal(t, "p", r.rec.ID)

	syncRecord(t, s, "p", 1)
	left := nextFor(t, ch, "p", func(r models.Record) bool { return r.Deleted })
	assert.Equal(t, "p", left.ID)
}

func TestReadWipeEmitsTombstones(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	write(t, s, "a", "1")
	ch := collect(ctx, s, models.Query{})
	next(t, ch)

	require.NoError(t, s.Wipe(context.Background()))
	r := next(t, ch)
	assert.Equal(t, "a", r.rec.ID)
	assert.True(t, r.rec.Deleted)
}

func TestReadEndsWhenConsumerStops(t *testing.T) {
	s := newTestSQLiteStore(t)
	write(t, s, "a", "1")
	write(t, s, "b", "2")

	n := 0
	for _, err := range s.Read(context.Background(), models.Query{}) {
		require.NoError(t, err)
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, 1, n)
	s.hub.mu.Lock()
	assert.Empty(t, s.hub.subs)
	s.hub.mu.Unlock()
}

func TestReadEndsOnClose(t *testing.T) {
	s := newTestSQLiteStore(t)
	ch := collect(context.Background(), s, models.Query{})
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Close())

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream did not end on close")
		}
	}
}
