package store

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// hub fans record changes out to Read streams. Each subscriber accumulates the IDs that
// changed since it last looked, so a slow reader sees every record once per burst of
// changes instead of once per write, and never misses one.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	mu      sync.Mutex
	changed map[string]struct{}
	reset   bool
	closed  bool
	signal  chan struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe() *subscriber {
	sub := &subscriber{changed: make(map[string]struct{}), signal: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closed = true
		close(sub.signal)
		return sub
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) publish(ids ...string) {
	if len(ids) == 0 {
		return
	}
	h.each(func(sub *subscriber) {
		for _, id := range ids {
			sub.changed[id] = struct{}{}
		}
	})
}

// reset tells every subscriber that all previously seen records are gone.
func (h *hub) reset() {
	h.each(func(sub *subscriber) {
		sub.reset = true
		clear(sub.changed)
	})
}

func (h *hub) each(fn func(sub *subscriber)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.mu.Lock()
		fn(sub)
		sub.mu.Unlock()
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.signal)
		}
		sub.mu.Unlock()
		delete(h.subs, sub)
	}
}

// drain takes the pending change set.
func (sub *subscriber) drain() (ids []string, reset bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	for id := range sub.changed {
		ids = append(ids, id)
	}
	clear(sub.changed)
	reset = sub.reset
	sub.reset = false
	return ids, reset
}

// Read replays the records matching q and then follows the store, yielding each record
// whose state changes. A record that is removed or stops matching q is yielded once as a
// tombstone (ID set, Deleted true). Limit applies to the replay only. A payload that
// cannot be decrypted is yielded as a *DecryptionError and the stream continues.
// The stream ends when ctx is cancelled, the store is closed or the consumer stops.
func (s *SQLiteStore) Read(ctx context.Context, q models.Query) iter.Seq2[models.Record, error] {
	return func(yield func(models.Record, error) bool) {
		// Subscribe before the replay so no change between the two is lost.
		sub := s.hub.subscribe()
		defer s.hub.unsubscribe(sub)

		visible := make(map[string]struct{})
		initial, err := s.List(ctx, q)
		if err != nil {
			var de *DecryptionError
			if !errors.As(err, &de) {
				yield(models.Record{}, err)
				return
			}
			// Fall back to per-record loading so one bad row does not hide the rest.
			initial = nil
			if !s.replayEach(ctx, q, visible, yield) {
				return
			}
		}
		for _, rec := range initial {
			visible[rec.ID] = struct{}{}
			if !yield(rec, nil) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-sub.signal:
				if !ok {
					return
				}
			}

			ids, reset := sub.drain()
			if reset {
				for id := range visible {
					delete(visible, id)
					if !yield(models.Record{ID: id, Deleted: true}, nil) {
						return
					}
				}
			}
			for _, id := range ids {
				if ctx.Err() != nil {
					return
				}
				if !s.emitChange(ctx, id, q, visible, yield) {
					return
				}
			}
		}
	}
}

func (s *SQLiteStore) replayEach(ctx context.Context, q models.Query, visible map[string]struct{}, yield func(models.Record, error) bool) bool {
	ids, err := s.listIDs(ctx, q)
	if err != nil {
		return yield(models.Record{}, err)
	}
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, models.ErrRecordNotFound) {
			continue
		}
		if err == nil {
			visible[id] = struct{}{}
		}
		if !yield(rec, err) {
			return false
		}
	}
	return true
}

func (s *SQLiteStore) emitChange(ctx context.Context, id string, q models.Query, visible map[string]struct{}, yield func(models.Record, error) bool) bool {
	_, wasVisible := visible[id]
	rec, err := s.Get(ctx, id)
	switch {
	case errors.Is(err, models.ErrRecordNotFound):
		if !wasVisible {
			return true
		}
		delete(visible, id)
		return yield(models.Record{ID: id, Deleted: true}, nil)
	case err != nil:
		if len(q.IDs) > 0 && !slices.Contains(q.IDs, id) {
			return true
		}
		return yield(models.Record{ID: id}, err)
	case q.Matches(rec):
		visible[id] = struct{}{}
		return yield(rec, nil)
	case wasVisible:
		delete(visible, id)
		if rec.Deleted {
			return yield(rec, nil)
		}
		return yield(models.Record{ID: id, Deleted: true}, nil)
	default:
		return true
	}
}

func (s *SQLiteStore) listIDs(ctx context.Context, q models.Query) ([]string, error) {
	// Filter on the sealed rows without opening payloads.
	rows, err := s.reader.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		if q.Matches(r.Record) {
			ids = append(ids, r.ID)
			if q.Limit > 0 && len(ids) >= q.Limit {
				break
			}
		}
	}
	return ids, rows.Err()
}
