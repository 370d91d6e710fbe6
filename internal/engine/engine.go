// Package engine drains the outbox: it claims eligible sync tasks, replays them against
// the sync server through a bounded worker pool and writes the outcome back to the store.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// Store is the slice of the local store the engine drives.
type Store interface {
	Get(ctx context.Context, id string) (models.Record, error)
	DequeueEligible(ctx context.Context, now time.Time, limit int) ([]models.SyncTask, error)
	ClaimTask(ctx context.Context, taskID string, now time.Time) (models.SyncTask, error)
	ConfirmTask(ctx context.Context, taskID string, ack models.ServerAck) error
	RescheduleTask(ctx context.Context, taskID string, attempt int, next time.Time, lastErr string) error
	ReleaseTask(ctx context.Context, taskID string) error
	AbandonTask(ctx context.Context, taskID string, reason string) error
	CompleteTask(ctx context.Context, taskID string) error
	ApplyServerState(ctx context.Context, taskID string, state models.ServerState) error
	HoldForReview(ctx context.Context, taskID, reason string, state models.ServerState) error
	ApplyServerUpdate(ctx context.Context, state models.ServerState) (bool, error)
	RecoverInFlight(ctx context.Context) (int, error)
	NextEligibleAt(ctx context.Context) (time.Time, bool, error)
	PurgeTerminalTasks(ctx context.Context, before time.Time) (int, error)
}

var _ Store = (store.OutboxStore)(nil)

// ErrHalted is returned by Drained while the engine is halted by a pinning failure.
var ErrHalted = errors.New("sync engine halted")

// idleWait is how long the drain loop sleeps with nothing scheduled. Enqueues and worker
// completions wake it earlier.
const idleWait = time.Hour

// minWait keeps the loop from spinning on a task it could not claim.
const minWait = 10 * time.Millisecond

// Config tunes the engine.
type Config struct {
	Workers       int
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BatchSize     int
	PurgeAfter    time.Duration // age at which abandoned tasks are purged
	PurgeInterval time.Duration
	FeedRetryBase time.Duration
	FeedRetryMax  time.Duration
	Resolver      ConflictResolver
	// Now is the engine's clock. Tests substitute a manual one.
	Now func() time.Time
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   8,
		BackoffBase:   2 * time.Second,
		BackoffMax:    5 * time.Minute,
		BatchSize:     32,
		PurgeAfter:    7 * 24 * time.Hour,
		PurgeInterval: time.Hour,
		FeedRetryBase: time.Second,
		FeedRetryMax:  time.Minute,
		Resolver:      ServerWins{},
		Now:           time.Now,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = max(d.BackoffMax, c.BackoffBase)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.PurgeAfter <= 0 {
		c.PurgeAfter = d.PurgeAfter
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = d.PurgeInterval
	}
	if c.FeedRetryBase <= 0 {
		c.FeedRetryBase = d.FeedRetryBase
	}
	if c.FeedRetryMax < c.FeedRetryBase {
		c.FeedRetryMax = max(d.FeedRetryMax, c.FeedRetryBase)
	}
	if c.Resolver == nil {
		c.Resolver = d.Resolver
	}
	if c.Now == nil {
		c.Now = d.Now
	}
}

// call tracks one in-flight remote call.
type call struct {
	taskID string
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine is the outbox drainer. Create it with New and start it with Run.
type Engine struct {
	store    Store
	client   remote.Client
	cfg      Config
	notifier *Notifier

	wake chan struct{}
	sem  chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*call
	held     map[string]int
	halted   error
}

func New(st Store, client remote.Client, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		store:    st,
		client:   client,
		cfg:      cfg,
		notifier: NewNotifier(),
		wake:     make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.Workers),
		inflight: make(map[string]*call),
		held:     make(map[string]int),
	}
}

// Notify wakes the drain loop. Call it after enqueuing work.
func (e *Engine) Notify() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Events subscribes to engine events until ctx is done.
func (e *Engine) Events(ctx context.Context) <-chan Event {
	return e.notifier.Subscribe(ctx)
}

// Run recovers interrupted work and drains the outbox until ctx is cancelled. In-flight
// calls are cancelled on shutdown and their tasks released before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	n, err := e.store.RecoverInFlight(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("recover in-flight tasks: %w", err)
	}
	slog.Info("Engine.Run: starting", "workers", e.cfg.Workers, "maxAttempts", e.cfg.MaxAttempts,
		"resolver", e.cfg.Resolver.Name(), "recovered", n)

	timer := time.NewTimer(0)
	defer timer.Stop()
	purge := time.NewTicker(e.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Engine.Run: stopping, waiting for in-flight calls")
			e.wg.Wait()
			return nil
		case <-purge.C:
			e.purge(ctx)
			continue
		case <-e.wake:
		case <-timer.C:
		}

		wait := e.drain(ctx)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

// drain dispatches every eligible task it can and returns how long to sleep.
func (e *Engine) drain(ctx context.Context) time.Duration {
	if e.Halted() != nil {
		return idleWait
	}
	now := e.cfg.Now()
	tasks, err := e.store.DequeueEligible(ctx, now, e.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Engine.drain: dequeue failed", "error", err)
		}
		return e.cfg.BackoffBase
	}

	skipped := 0
	for _, t := range tasks {
		select {
		case e.sem <- struct{}{}:
		default:
			// Pool is full; a finishing worker wakes the loop.
			return idleWait
		}
		c, callCtx, ok := e.reserve(ctx, t)
		if !ok {
			<-e.sem
			skipped++
			continue
		}
		claimed, err := e.store.ClaimTask(ctx, t.ID, now)
		if err != nil {
			e.unreserve(t.RecordID, c)
			<-e.sem
			if !errors.Is(err, store.ErrTaskNotQueued) && ctx.Err() == nil {
				slog.Error("Engine.drain: claim failed", "taskID", t.ID, "error", err)
			}
			continue
		}
		e.dispatch(callCtx, c, claimed)
	}

	next, ok, err := e.store.NextEligibleAt(ctx)
	if err != nil || !ok {
		return idleWait
	}
	wait := next.Sub(e.cfg.Now())
	if wait <= 0 && skipped > 0 {
		// Only blocked records are due; Cancel's release and worker completion wake us.
		return idleWait
	}
	return max(wait, minWait)
}

// reserve registers a call for the task's record before it is claimed, so Cancel sees
// the claim as in flight. It fails when the record already has a call or is held.
func (e *Engine) reserve(ctx context.Context, t models.SyncTask) (*call, context.Context, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[t.RecordID]; busy || e.held[t.RecordID] > 0 {
		return nil, nil, false
	}
	callCtx, cancel := context.WithCancel(ctx)
	c := &call{taskID: t.ID, cancel: cancel, done: make(chan struct{})}
	e.inflight[t.RecordID] = c
	return c, callCtx, true
}

// unreserve drops a reservation whose claim failed.
func (e *Engine) unreserve(recordID string, c *call) {
	c.cancel()
	e.mu.Lock()
	delete(e.inflight, recordID)
	e.mu.Unlock()
	close(c.done)
}

func (e *Engine) dispatch(callCtx context.Context, c *call, task models.SyncTask) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			c.cancel()
			e.mu.Lock()
			delete(e.inflight, task.RecordID)
			e.mu.Unlock()
			close(c.done)
			<-e.sem
			e.Notify()
		}()
		e.process(callCtx, task)
	}()
}

// process performs one remote call and records its outcome.
func (e *Engine) process(ctx context.Context, task models.SyncTask) {
	bg := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		// Cancelled between reservation and claim.
		e.release(bg, task)
		return
	}

	rec, err := e.store.Get(ctx, task.RecordID)
	if err != nil {
		var de *store.DecryptionError
		switch {
		case errors.As(err, &de):
			e.abandon(bg, task, EventTaskAbandoned, fmt.Sprintf("payload unreadable: %v", de.Err))
		case errors.Is(err, models.ErrRecordNotFound):
			if err := e.store.CompleteTask(bg, task.ID); err != nil {
				slog.Error("Engine.process: complete orphan task failed", "taskID", task.ID, "error", err)
			}
		default:
			e.release(bg, task)
		}
		return
	}

	op := models.NewOperation(task, rec.Payload)
	slog.Debug("Engine.process: submitting", "recordID", task.RecordID, "kind", task.Kind, "attempt", task.AttemptCount)
	ack, err := e.client.Submit(ctx, op)

	var (
		pe *remote.PinningError
		ce *remote.ConflictError
		ve *models.ValidationError
	)
	switch {
	case err == nil:
		e.confirm(bg, task, ack)
	case ctx.Err() != nil:
		e.release(bg, task)
	case errors.As(err, &pe):
		e.halt(pe)
		e.release(bg, task)
	case errors.As(err, &ce):
		e.resolve(ctx, task, rec, ce)
	case errors.As(err, &ve):
		e.abandon(bg, task, EventValidationRejected, ve.Reason)
	default:
		e.retry(bg, task, err)
	}
}

func (e *Engine) confirm(ctx context.Context, task models.SyncTask, ack models.ServerAck) {
	if err := e.store.ConfirmTask(ctx, task.ID, ack); err != nil {
		// The server has applied the operation but we could not record it. Requeue: the
		// resubmission carries the same idempotency key and is acknowledged again.
		slog.Error("Engine.confirm: local acknowledgement failed, requeueing", "taskID", task.ID, "error", err)
		e.release(ctx, task)
		return
	}
	slog.Debug("Engine.confirm: record synced", "recordID", task.RecordID, "version", ack.Version)
	e.notifier.Publish(Event{Kind: EventRecordSynced, RecordID: task.RecordID, TaskID: task.ID})
}

func (e *Engine) retry(ctx context.Context, task models.SyncTask, cause error) {
	attempt := task.AttemptCount + 1
	if attempt > e.cfg.MaxAttempts {
		e.abandon(ctx, task, EventTaskAbandoned, fmt.Sprintf("gave up after %d attempts: %v", attempt, cause))
		return
	}
	next := e.cfg.Now().Add(Backoff(e.cfg.BackoffBase, e.cfg.BackoffMax, attempt))
	if err := e.store.RescheduleTask(ctx, task.ID, attempt, next, cause.Error()); err != nil {
		slog.Error("Engine.retry: reschedule failed", "taskID", task.ID, "error", err)
		return
	}
	slog.Warn("Engine.retry: remote call failed, rescheduled", "recordID", task.RecordID, "attempt", attempt, "next", next, "error", cause)
	e.notifier.Publish(Event{
		Kind: EventTaskRescheduled, RecordID: task.RecordID, TaskID: task.ID,
		Attempt: attempt, NextEligibleAt: next, Reason: cause.Error(),
	})
}

func (e *Engine) abandon(ctx context.Context, task models.SyncTask, kind EventKind, reason string) {
	if err := e.store.AbandonTask(ctx, task.ID, reason); err != nil {
		slog.Error("Engine.abandon: abandon failed", "taskID", task.ID, "error", err)
		return
	}
	slog.Warn("Engine.abandon: record failed", "recordID", task.RecordID, "reason", reason)
	e.notifier.Publish(Event{Kind: kind, RecordID: task.RecordID, TaskID: task.ID, Attempt: task.AttemptCount, Reason: reason})
}

func (e *Engine) release(ctx context.Context, task models.SyncTask) {
	if err := e.store.ReleaseTask(ctx, task.ID); err != nil && !errors.Is(err, models.ErrTaskNotFound) {
		slog.Error("Engine.release: release failed", "taskID", task.ID, "error", err)
	}
}

// resolve settles a conflict with the configured resolver. The server copy is fetched
// when the response did not carry it.
func (e *Engine) resolve(ctx context.Context, task models.SyncTask, local models.Record, ce *remote.ConflictError) {
	bg := context.WithoutCancel(ctx)
	server := ce.Current
	if !ce.HasCurrent {
		st, err := e.client.Fetch(ctx, task.RecordID)
		if err != nil {
			if ctx.Err() != nil {
				e.release(bg, task)
				return
			}
			e.retry(bg, task, fmt.Errorf("fetch conflicting state: %w", err))
			return
		}
		server = st
	}

	res := e.cfg.Resolver.Resolve(Conflict{Task: task, Local: local, Server: server})
	switch res.Kind {
	case ResolveApplyServer:
		if err := e.store.ApplyServerState(bg, task.ID, res.Server); err != nil {
			slog.Error("Engine.resolve: apply server state failed", "taskID", task.ID, "error", err)
			e.release(bg, task)
			return
		}
	default:
		if err := e.store.HoldForReview(bg, task.ID, res.Reason, res.Server); err != nil {
			slog.Error("Engine.resolve: hold for review failed", "taskID", task.ID, "error", err)
			e.release(bg, task)
			return
		}
	}
	slog.Warn("Engine.resolve: conflict", "recordID", task.RecordID, "resolver", e.cfg.Resolver.Name(),
		"localBase", task.BaseVersion, "serverVersion", server.Version)
	e.notifier.Publish(Event{
		Kind: EventConflictDetected, RecordID: task.RecordID, TaskID: task.ID,
		Reason: res.Reason, Local: &local, Server: &server,
	})
}

func (e *Engine) halt(pe *remote.PinningError) {
	e.mu.Lock()
	first := e.halted == nil
	e.halted = pe
	e.mu.Unlock()
	if first {
		slog.Error("Engine.halt: server identity rejected, synchronization halted", "error", pe)
		e.notifier.Publish(Event{Kind: EventTransportHalted, Reason: pe.Error()})
	}
}

// Halted returns the pinning failure that stopped dispatch, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Resume clears a halt after the pin configuration has been corrected.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.halted = nil
	e.mu.Unlock()
	slog.Info("Engine.Resume: synchronization resumed")
	e.Notify()
}

// Cancel stops any in-flight call for recordID and keeps the record from being
// dispatched until the returned release func is called. The cancelled task is back in
// the queue when Cancel returns.
func (e *Engine) Cancel(ctx context.Context, recordID string) (release func(), err error) {
	e.mu.Lock()
	e.held[recordID]++
	c := e.inflight[recordID]
	e.mu.Unlock()

	var once sync.Once
	release = func() {
		once.Do(func() {
			e.mu.Lock()
			if e.held[recordID]--; e.held[recordID] <= 0 {
				delete(e.held, recordID)
			}
			e.mu.Unlock()
			e.Notify()
		})
	}
	if c == nil {
		return release, nil
	}

	slog.Debug("Engine.Cancel: cancelling in-flight call", "recordID", recordID, "taskID", c.taskID)
	c.cancel()
	select {
	case <-c.done:
		return release, nil
	case <-ctx.Done():
		release()
		return func() {}, ctx.Err()
	}
}

// InFlight returns the number of calls currently in flight.
func (e *Engine) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Drained reports whether nothing is queued or in flight.
func (e *Engine) Drained(ctx context.Context) (bool, error) {
	if err := e.Halted(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrHalted, err)
	}
	if e.InFlight() > 0 {
		return false, nil
	}
	_, queued, err := e.store.NextEligibleAt(ctx)
	if err != nil {
		return false, err
	}
	return !queued, nil
}

func (e *Engine) purge(ctx context.Context) {
	n, err := e.store.PurgeTerminalTasks(ctx, e.cfg.Now().Add(-e.cfg.PurgeAfter))
	if err != nil {
		slog.Error("Engine.purge: purge failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Engine.purge: removed abandoned tasks", "count", n)
	}
}
