package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
)

// catchUpOverlap is subtracted from the newest server timestamp seen before asking the
// feed to catch up. Server transactions may commit out of timestamp order.
const catchUpOverlap = 5 * time.Second

// Follow applies server-driven changes from feed until ctx is cancelled, reconnecting
// with backoff. Each connection first catches up on changes since the newest server
// timestamp applied so far; the first one asks for every record. Changes to records
// with local work pending are skipped; the outbox outcome decides those. A pinning
// failure halts the engine and ends Follow.
func (e *Engine) Follow(ctx context.Context, feed remote.Feed) error {
	failures := 0
	var watermark time.Time
	for {
		since := watermark
		if !since.IsZero() {
			since = since.Add(-catchUpOverlap)
		}
		err := feed.Follow(ctx, since, func(st models.ServerState) error {
			failures = 0
			if st.ServerTimestamp.After(watermark) {
				watermark = st.ServerTimestamp
			}
			applied, err := e.store.ApplyServerUpdate(ctx, st)
			if err != nil {
				slog.Error("Engine.Follow: apply server update failed", "recordID", st.RecordID, "error", err)
				return nil
			}
			if applied {
				state := st
				e.notifier.Publish(Event{Kind: EventRemoteUpdate, RecordID: st.RecordID, Server: &state})
			}
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		var pe *remote.PinningError
		if errors.As(err, &pe) {
			e.halt(pe)
			return err
		}

		delay := Backoff(e.cfg.FeedRetryBase, e.cfg.FeedRetryMax, failures)
		failures++
		slog.Warn("Engine.Follow: feed disconnected, reconnecting", "error", err, "delay", delay, "since", since)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
