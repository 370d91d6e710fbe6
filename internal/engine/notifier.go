package engine

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
)

// EventKind identifies an engine event.
type EventKind string

const (
	EventRecordSynced       EventKind = "record_synced"
	EventTaskRescheduled    EventKind = "task_rescheduled"
	EventTaskAbandoned      EventKind = "task_abandoned"
	EventConflictDetected   EventKind = "conflict_detected"
	EventValidationRejected EventKind = "validation_rejected"
	EventTransportHalted    EventKind = "transport_halted"
	EventRemoteUpdate       EventKind = "remote_update"
)

// Event is an observable change in synchronization.
type Event struct {
	Kind           EventKind           `json:"kind"`
	RecordID       string              `json:"record_id,omitempty"`
	TaskID         string              `json:"task_id,omitempty"`
	Attempt        int                 `json:"attempt,omitempty"`
	NextEligibleAt time.Time           `json:"next_eligible_at,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	Local          *models.Record      `json:"local,omitempty"`
	Server         *models.ServerState `json:"server,omitempty"`
	At             time.Time           `json:"at"`
}

// Notifier fans events out to subscribers. Each subscriber owns an unbounded mailbox, so
// a slow consumer never blocks the engine and never loses an event.
type Notifier struct {
	mu   sync.Mutex
	subs map[*mailbox]struct{}
}

type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[*mailbox]struct{})}
}

// Subscribe returns a channel of every event published from now until ctx is done.
// The channel is closed when ctx is done.
func (n *Notifier) Subscribe(ctx context.Context) <-chan Event {
	mb := &mailbox{signal: make(chan struct{}, 1)}
	n.mu.Lock()
	n.subs[mb] = struct{}{}
	n.mu.Unlock()

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() {
			n.mu.Lock()
			delete(n.subs, mb)
			n.mu.Unlock()
		}()
		for {
			mb.mu.Lock()
			pending := mb.queue
			mb.queue = nil
			mb.mu.Unlock()

			for _, ev := range pending {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-mb.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Publish delivers ev to every current subscriber.
func (n *Notifier) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for mb := range n.subs {
		mb.mu.Lock()
		mb.queue = append(mb.queue, ev)
		mb.mu.Unlock()
		select {
		case mb.signal <- struct{}{}:
		default:
		}
	}
}
