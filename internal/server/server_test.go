package server_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
	"github.com/BTreeMap/SyncPipe/internal/schema"
	"github.com/BTreeMap/SyncPipe/internal/server"
	"github.com/BTreeMap/SyncPipe/internal/serverstore"
	"github.com/BTreeMap/SyncPipe/internal/testutil"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createOp(id, payload string) models.Operation {
	return models.Operation{Kind: models.OperationCreate, RecordID: id, IdempotencyKey: id, Payload: []byte(payload)}
}

func TestSubmitAndFetch(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	c := ss.NewClient(t, "device-1")
	ctx := context.Background()

	ack, err := c.Submit(ctx, createOp("m1", `{"text":"hello"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, ack.ServerID)
	assert.Equal(t, int64(1), ack.Version)

	again, err := c.Submit(ctx, createOp("m1", `{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, ack.ServerID, again.ServerID, "resubmission acknowledged again")
	assert.Equal(t, ack.Version, again.Version)

	st, err := c.Fetch(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, `{"text":"hello"}`, string(st.Payload))
	assert.Equal(t, int64(1), st.Version)

	st, err = c.Fetch(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, st.Deleted)

	require.NoError(t, c.Health(ctx))
}

func TestSubmitConflict(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	c := ss.NewClient(t, "device-1")
	ctx := context.Background()

	_, err := c.Submit(ctx, createOp("m1", "one"))
	require.NoError(t, err)
	_, err = c.Submit(ctx, models.Operation{Kind: models.OperationUpdate, RecordID: "m1", IdempotencyKey: "m1", Payload: []byte("two"), BaseVersion: 1})
	require.NoError(t, err)

	_, err = c.Submit(ctx, models.Operation{Kind: models.OperationUpdate, RecordID: "m1", IdempotencyKey: "m1", Payload: []byte("stale"), BaseVersion: 1})
	var ce *remote.ConflictError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.True(t, ce.HasCurrent)
	assert.Equal(t, int64(2), ce.Current.Version)
	assert.Equal(t, "two", string(ce.Current.Payload))
}

func TestSubmitValidation(t *testing.T) {
	v, err := schema.New([]byte(`{"type":"object","required":["text"]}`))
	require.NoError(t, err)
	ss := testutil.NewSyncServer(t, server.WithValidator(v))
	c := ss.NewClient(t, "device-1")

	_, err = c.Submit(context.Background(), createOp("m1", `{"title":"x"}`))
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.NotEmpty(t, ve.Reason)
	assert.False(t, remote.Retryable(err))

	_, err = ss.Repo.Get(context.Background(), "m1")
	assert.ErrorIs(t, err, serverstore.ErrNotFound)
}

func TestAuthentication(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	client := ss.HTTP.Client()

	resp, err := client.Get(ss.HTTP.URL + "/v1/records/m1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "no token")

	req, err := http.NewRequest(http.MethodGet, ss.HTTP.URL+"/v1/records/m1", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "bad token")

	signer := remote.NewTokenSigner("other-secret", "device-1", time.Minute)
	token, err := signer.Sign()
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong secret")

	resp, err = client.Get(ss.HTTP.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")

	// A client with the wrong secret sees a retryable failure.
	cfg := ss.ClientConfig("device-1")
	cfg.TokenSecret = "other-secret"
	c, err := remote.NewHTTPClient(cfg)
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), createOp("m1", "x"))
	assert.True(t, remote.Retryable(err))
}

func TestHandlerRejections(t *testing.T) {
	repo, err := serverstore.NewSQLiteRepo(serverstore.WithSQLiteDSN(t.TempDir() + "/server.db"))
	require.NoError(t, err)
	defer repo.Close()
	h := server.New(repo, server.WithTokenSecret(testutil.TestTokenSecret)).Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, httptest.NewRequest(http.MethodGet, "/v1/submit", nil), "device-1"))
	testutil.AssertStatus(t, rr, http.StatusMethodNotAllowed, "GET submit")
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))

	rr = httptest.NewRecorder()
	bad := httptest.NewRequest(http.MethodPost, "/v1/submit", strings.NewReader(`"not an operation"`))
	h.ServeHTTP(rr, testutil.Authorize(t, bad, "device-1"))
	env := testutil.AssertStatus(t, rr, http.StatusBadRequest, "bad json")
	assert.Equal(t, "error", env.Status)

	op := createOp("m1", "x")
	req := testutil.SubmitRequest(t, op)
	req.Header.Set("Idempotency-Key", "different")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, req, "device-1"))
	testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity, "header key mismatch")

	op.IdempotencyKey = "other"
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, testutil.SubmitRequest(t, op), "device-1"))
	env = testutil.AssertStatus(t, rr, http.StatusUnprocessableEntity, "body key mismatch")
	assert.Contains(t, env.Message, "idempotency key")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, testutil.SubmitRequest(t, createOp("m1", "x")), "device-1"))
	env = testutil.AssertStatus(t, rr, http.StatusOK, "accepted")
	assert.Equal(t, "ok", env.Status)
	assert.Empty(t, rr.Header().Get(server.ReplayHeader))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	var ack models.ServerAck
	env.ResultInto(t, &ack)
	assert.NotEmpty(t, ack.ServerID)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, testutil.SubmitRequest(t, createOp("m1", "x")), "device-1"))
	env = testutil.AssertStatus(t, rr, http.StatusOK, "replayed")
	assert.Equal(t, "true", rr.Header().Get(server.ReplayHeader))
	var again models.ServerAck
	env.ResultInto(t, &again)
	assert.Equal(t, ack.ServerID, again.ServerID)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, testutil.Authorize(t, httptest.NewRequest(http.MethodGet, "/v1/records/missing", nil), "device-1"))
	testutil.AssertStatus(t, rr, http.StatusNotFound, "unknown record")
}

func TestHealth(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	rr := httptest.NewRecorder()
	ss.Server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	env := testutil.AssertStatus(t, rr, http.StatusOK, "health")

	var body struct {
		Status      string `json:"status"`
		Subscribers int    `json:"feed_subscribers"`
	}
	env.ResultInto(t, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Zero(t, body.Subscribers)
}

func TestFeedBroadcastsChanges(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	follower := ss.NewClient(t, "device-2")
	writer := ss.NewClient(t, "device-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan models.ServerState, 4)
	done := make(chan error, 1)
	go func() {
		done <- follower.Follow(ctx, time.Time{}, func(st models.ServerState) error {
			got <- st
			return nil
		})
	}()

	require.Eventually(t, func() bool { return ss.Server.FeedSubscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := writer.Submit(ctx, createOp("m1", "pushed"))
	require.NoError(t, err)
	select {
	case st := <-got:
		assert.Equal(t, "m1", st.RecordID)
		assert.Equal(t, "pushed", string(st.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no feed frame")
	}

	// Replays are not rebroadcast.
	_, err = writer.Submit(ctx, createOp("m1", "pushed"))
	require.NoError(t, err)
	select {
	case st := <-got:
		t.Fatalf("unexpected frame %+v", st)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not return")
	}
}

func TestCachedReplay(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	cache := serverstore.NewRedisCache(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	defer cache.Close()

	ss := testutil.NewSyncServer(t, server.WithCache(cache))
	c := ss.NewClient(t, "device-1")
	ctx := context.Background()

	op := createOp("m1", "x")
	first, err := c.Submit(ctx, op)
	require.NoError(t, err)
	_, hit, err := cache.Lookup(ctx, op)
	require.NoError(t, err)
	assert.True(t, hit)

	second, err := c.Submit(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, first.ServerID, second.ServerID)
	assert.Equal(t, first.Version, second.Version)
}

func TestFeedCatchesUpSince(t *testing.T) {
	ss := testutil.NewSyncServer(t)
	writer := ss.NewClient(t, "device-1")
	follower := ss.NewClient(t, "device-2")
	ctx := context.Background()

	_, err := writer.Submit(ctx, createOp("m1", "first"))
	require.NoError(t, err)
	ack, err := writer.Submit(ctx, createOp("m2", "second"))
	require.NoError(t, err)
	_, err = writer.Submit(ctx, models.Operation{Kind: models.OperationDelete, RecordID: "m1", IdempotencyKey: "m1", BaseVersion: 1})
	require.NoError(t, err)

	collect := func(since time.Time, want int) map[string]models.ServerState {
		t.Helper()
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		got := make(map[string]models.ServerState)
		err := follower.Follow(ctx, since, func(st models.ServerState) error {
			got[st.RecordID] = st
			if len(got) == want {
				cancel()
			}
			return nil
		})
		require.ErrorIs(t, err, context.Canceled, "caught up on %d of %d records", len(got), want)
		return got
	}

	all := collect(time.Time{}, 2)
	assert.Equal(t, "second", string(all["m2"].Payload))
	assert.True(t, all["m1"].Deleted, "tombstones are replayed")

	recent := collect(ack.ServerTimestamp, 2)
	assert.Equal(t, int64(2), recent["m1"].Version)

	rr := httptest.NewRecorder()
	ss.Server.Handler().ServeHTTP(rr, testutil.Authorize(t, httptest.NewRequest(http.MethodGet, "/v1/feed?since=yesterday", nil), "device-2"))
	testutil.AssertStatus(t, rr, http.StatusBadRequest, "malformed since")
}
