package app

import (
	"context"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/config"
	"github.com/BTreeMap/SyncPipe/internal/engine"
	"github.com/BTreeMap/SyncPipe/internal/keystore"
	"github.com/BTreeMap/SyncPipe/internal/lockfile"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/serverstore"
	"github.com/BTreeMap/SyncPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, ss *testutil.SyncServer) config.Client {
	t.Helper()
	cfg := config.DefaultClient()
	cfg.StateDir = t.TempDir()
	cfg.Workers = 2
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.CallTimeout = 2 * time.Second
	cfg.DeviceID = "test-device"
	if ss != nil {
		caFile := filepath.Join(cfg.StateDir, "ca.pem")
		block := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ss.HTTP.Certificate().Raw})
		require.NoError(t, os.WriteFile(caFile, block, 0o600))
		cfg.ServerURL = ss.HTTP.URL
		cfg.Pins = []string{ss.Pin}
		cfg.CAFile = caFile
		cfg.TokenSecret = testutil.TestTokenSecret
	}
	return cfg
}

func openApp(t *testing.T, cfg config.Client) *App {
	t.Helper()
	a, err := Open(cfg, WithKeyBackends(keystore.NewMemoryBackend(keystore.OriginHardware)))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func runApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitState(t *testing.T, a *App, id string, want models.SyncState) models.Record {
	t.Helper()
	var rec models.Record
	require.Eventually(t, func() bool {
		var err error
		rec, err = a.Service.Get(context.Background(), id)
		return err == nil && rec.SyncState == want
	}, 10*time.Second, 10*time.Millisecond, "record %s never reached %s", id, want)
	return rec
}

func TestOfflineWriteSyncsWhenServerReturns(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	ss.Faults.SetOffline(true)
	a := openApp(t, testConfig(t, ss))
	ctx := context.Background()

	id, err := a.Service.SubmitWriteWithID(ctx, "m1", []byte(`{"text":"hello"}`))
	require.NoError(t, err)
	rec, err := a.Service.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, rec.SyncState)
	assert.Empty(t, rec.ServerID)

	runApp(t, a)
	require.Eventually(t, func() bool { return ss.Faults.Submits() >= 2 }, 10*time.Second, 10*time.Millisecond)
	ss.Faults.SetOffline(false)

	rec = waitState(t, a, "m1", models.SyncStateSynced)
	assert.NotEmpty(t, rec.ServerID)
	st, err := ss.Repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, rec.ServerID, st.ServerID)
	assert.Equal(t, `{"text":"hello"}`, string(st.Payload))
}

func TestLostAckIsNotAppliedTwice(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	ss.Faults.DropNextAcks(1)
	a := openApp(t, testConfig(t, ss))
	runApp(t, a)

	_, err := a.Service.SubmitWriteWithID(context.Background(), "m1", []byte("x"))
	require.NoError(t, err)
	rec := waitState(t, a, "m1", models.SyncStateSynced)

	st, err := ss.Repo.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version, "applied exactly once")
	assert.Equal(t, st.ServerID, rec.ServerID)
	assert.GreaterOrEqual(t, ss.Faults.Submits(), 2)
}

func TestEditAndDeleteReachServer(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	a := openApp(t, testConfig(t, ss))
	runApp(t, a)
	ctx := context.Background()

	_, err := a.Service.SubmitWriteWithID(ctx, "m1", []byte("one"))
	require.NoError(t, err)
	waitState(t, a, "m1", models.SyncStateSynced)

	_, err = a.Service.Edit(ctx, "m1", []byte("two"))
	require.NoError(t, err)
	rec := waitState(t, a, "m1", models.SyncStateSynced)
	assert.Equal(t, int64(2), rec.ServerVersion)
	st, err := ss.Repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "two", string(st.Payload))

	require.NoError(t, a.Service.Delete(ctx, "m1"))
	require.Eventually(t, func() bool {
		_, err := a.Service.Get(ctx, "m1")
		return errors.Is(err, models.ErrRecordNotFound)
	}, 10*time.Second, 10*time.Millisecond)
	st, err = ss.Repo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, st.Deleted)
}

func TestConflictAppliesServerState(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	cfg := testConfig(t, ss)
	cfg.Feed = false
	a := openApp(t, cfg)
	ctx := context.Background()

	// Another device created the record first.
	other := ss.NewClient(t, "other-device")
	_, err := other.Submit(ctx, models.Operation{Kind: models.OperationCreate, RecordID: "m1", IdempotencyKey: "m1", Payload: []byte("theirs")})
	require.NoError(t, err)
	current, err := ss.Repo.Get(ctx, "m1")
	require.NoError(t, err)

	_, err = a.Service.SubmitWriteWithID(ctx, "m1", []byte("mine"))
	require.NoError(t, err)
	task, err := a.Store.LiveTask(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, task.BaseVersion)

	evCtx, stop := context.WithCancel(ctx)
	defer stop()
	events := a.Service.Events(evCtx)
	runApp(t, a)

	rec := waitState(t, a, "m1", models.SyncStateSynced)
	assert.Equal(t, "theirs", string(rec.Payload))
	assert.Equal(t, current.ServerID, rec.ServerID)
	assert.Equal(t, current.Version, rec.ServerVersion)
	assert.True(t, current.ServerTimestamp.Equal(rec.ServerTimestamp))

	abandoned, err := a.Store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAbandoned, abandoned.Status)

	conflicts := 0
	timeout := time.After(200 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-events:
			if ev.Kind == engine.EventConflictDetected && ev.RecordID == "m1" {
				conflicts++
			}
		case <-timeout:
			break collect
		}
	}
	assert.Equal(t, 1, conflicts, "exactly one conflict event")
	assert.Equal(t, 2, ss.Faults.Submits(), "one submit per device, none after the conflict")
}

func TestFeedAppliesRemoteChanges(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	a := openApp(t, testConfig(t, ss))
	runApp(t, a)
	ctx := context.Background()

	require.Eventually(t, func() bool { return ss.Server.FeedSubscribers() == 1 }, 10*time.Second, 20*time.Millisecond)
	other := ss.NewClient(t, "other-device")
	_, err := other.Submit(ctx, models.Operation{Kind: models.OperationCreate, RecordID: "remote-1", IdempotencyKey: "remote-1", Payload: []byte("from elsewhere")})
	require.NoError(t, err)

	rec := waitState(t, a, "remote-1", models.SyncStateSynced)
	assert.Equal(t, "from elsewhere", string(rec.Payload))
}

func TestFeedCatchesUpOnConnect(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	ctx := context.Background()
	other := ss.NewClient(t, "other-device")
	_, err := other.Submit(ctx, models.Operation{Kind: models.OperationCreate, RecordID: "early", IdempotencyKey: "early", Payload: []byte("before connect")})
	require.NoError(t, err)

	a := openApp(t, testConfig(t, ss))
	runApp(t, a)
	rec := waitState(t, a, "early", models.SyncStateSynced)
	assert.Equal(t, "before connect", string(rec.Payload))
}

func TestOpenRecoversInterruptedWork(t *testing.T) {
	cfg := testConfig(t, nil)
	backend := keystore.NewMemoryBackend(keystore.OriginHardware)
	a, err := Open(cfg, WithKeyBackends(backend))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = a.Service.SubmitWriteWithID(ctx, "m1", []byte("x"))
	require.NoError(t, err)
	task, err := a.Store.LiveTask(ctx, "m1")
	require.NoError(t, err)
	_, err = a.Store.ClaimTask(ctx, task.ID, time.Now())
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// Reopen without starting the engine, as read-only commands do.
	b, err := Open(cfg, WithKeyBackends(backend))
	require.NoError(t, err)
	defer b.Close()
	rec, err := b.Service.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatePending, rec.SyncState)
	task, err = b.Store.LiveTask(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
	require.NoError(t, b.Service.Delete(ctx, "m1"), "recovered records are not busy")
}

func TestSyncUntilDrained(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	a := openApp(t, testConfig(t, ss))
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := a.Service.SubmitWriteWithID(ctx, id, []byte(id))
		require.NoError(t, err)
	}

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.SyncUntilDrained(syncCtx))

	recs, err := a.Service.List(ctx, models.Query{States: []models.SyncState{models.SyncStateSynced}})
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	var notFound int
	for _, id := range []string{"a", "b", "c"} {
		if _, err := ss.Repo.Get(ctx, id); errors.Is(err, serverstore.ErrNotFound) {
			notFound++
		}
	}
	assert.Zero(t, notFound)
}

func TestOpenWithoutServerWorksOffline(t *testing.T) {
	a := openApp(t, testConfig(t, nil))
	assert.Nil(t, a.Client)

	_, err := a.Service.SubmitWriteWithID(context.Background(), "m1", []byte("x"))
	require.NoError(t, err)
	assert.ErrorIs(t, a.Run(context.Background()), config.ErrNoServerURL)
}

func TestStateDirectoryIsLocked(t *testing.T) {
	cfg := testConfig(t, nil)
	openApp(t, cfg)

	_, err := Open(cfg, WithKeyBackends(keystore.NewMemoryBackend(keystore.OriginHardware)))
	var le *lockfile.LockError
	assert.True(t, errors.As(err, &le), "got %v", err)
}

func TestFileKeyPersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t, nil)
	cfg.Passphrase = "correct horse"
	backend := func() keystore.Backend {
		return keystore.NewFileBackend(cfg.KeyDir(), cfg.Passphrase, keystore.WithIterations(1000))
	}

	a, err := Open(cfg, WithKeyBackends(backend()))
	require.NoError(t, err)
	_, err = a.Service.SubmitWriteWithID(context.Background(), "m1", []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(cfg, WithKeyBackends(backend()))
	require.NoError(t, err)
	defer b.Close()
	rec, err := b.Service.Get(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "secret", string(rec.Payload))
}
