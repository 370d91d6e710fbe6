package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
)

// Envelope is a decoded {status, message, result} response with the result left raw.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// DecodeEnvelope reads a response envelope from r.
func DecodeEnvelope(t testing.TB, r io.Reader) Envelope {
	t.Helper()
	var env Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		t.Fatalf("failed to decode response envelope: %v", err)
	}
	return env
}

// ResultInto decodes the envelope result into v.
func (e Envelope) ResultInto(t testing.TB, v any) {
	t.Helper()
	if err := json.Unmarshal(e.Result, v); err != nil {
		t.Fatalf("failed to decode %s result: %v", e.Status, err)
	}
}

// AssertStatus fails the test when the response code differs.
func AssertStatus(t testing.TB, rr *httptest.ResponseRecorder, expected int, context string) Envelope {
	t.Helper()
	if rr.Code != expected {
		t.Fatalf("%s: expected status %d, got %d (%s)", context, expected, rr.Code, rr.Body.String())
	}
	return DecodeEnvelope(t, rr.Body)
}

// SubmitRequest builds a POST /v1/submit for op with a matching Idempotency-Key header.
func SubmitRequest(t testing.TB, op models.Operation) *http.Request {
	t.Helper()
	body, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("failed to marshal operation: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/submit", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", op.IdempotencyKey)
	return req
}

// Authorize adds a device token signed with TestTokenSecret to req.
func Authorize(t testing.TB, req *http.Request, deviceID string) *http.Request {
	t.Helper()
	token, err := remote.NewTokenSigner(TestTokenSecret, deviceID, time.Minute).Sign()
	if err != nil {
		t.Fatalf("failed to sign device token: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}
