package main

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BTreeMap/SyncPipe/internal/config"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
)

// isolate points configuration at a fresh state directory and clears the environment.
func isolate(t *testing.T) string {
	t.Helper()
	for _, key := range []string{
		config.ConfigEnv, "SYNCPIPE_STATE_DIR", "SYNCPIPE_SERVER_URL", "SYNCPIPE_PINS",
		"SYNCPIPE_DEVICE_ID", "SYNCPIPE_TOKEN_SECRET", "SYNCPIPE_PASSPHRASE", "SYNCPIPE_LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	t.Setenv("SYNCPIPE_STATE_DIR", dir)
	t.Setenv("SYNCPIPE_PASSPHRASE", "cli-test")
	return dir
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("SYNCPIPE_SERVER_URL", "https://env.example")
	t.Setenv("SYNCPIPE_DEVICE_ID", "env-device")

	cfg, err := loadConfig(&rootOptions{serverURL: "https://flag.example", stateDir: "/tmp/flag-state"})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.ServerURL != "https://flag.example" {
		t.Errorf("Expected flag server URL, got %q", cfg.ServerURL)
	}
	if cfg.StateDir != "/tmp/flag-state" {
		t.Errorf("Expected flag state dir, got %q", cfg.StateDir)
	}
	if cfg.DeviceID != "env-device" {
		t.Errorf("Expected device ID from environment, got %q", cfg.DeviceID)
	}
}

func TestQueryFlags(t *testing.T) {
	qf := queryFlags{states: []string{"Pending", " failed"}, limit: 5}
	q, err := qf.query([]string{"a"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(q.States) != 2 || q.States[0] != models.SyncStatePending || q.States[1] != models.SyncStateFailed {
		t.Errorf("Unexpected states %v", q.States)
	}
	if q.Limit != 5 || len(q.IDs) != 1 {
		t.Errorf("Unexpected query %+v", q)
	}

	qf.states = []string{"lost"}
	if _, err := qf.query(nil); err == nil {
		t.Error("Expected an error for an unknown state")
	}
}

func TestReadPayload(t *testing.T) {
	got, err := readPayload(strings.NewReader("ignored"), []string{"inline"})
	if err != nil || string(got) != "inline" {
		t.Errorf("Expected inline payload, got %q (%v)", got, err)
	}
	got, err = readPayload(strings.NewReader("from stdin\n"), []string{"-"})
	if err != nil || string(got) != "from stdin" {
		t.Errorf("Expected stdin payload, got %q (%v)", got, err)
	}
	got, err = readPayload(strings.NewReader("no args"), nil)
	if err != nil || string(got) != "no args" {
		t.Errorf("Expected stdin payload, got %q (%v)", got, err)
	}
}

func TestExitCode(t *testing.T) {
	if code := exitCode(fmt.Errorf("sync: %w", config.ErrNoServerURL)); code != exitUnavailable {
		t.Errorf("Expected %d for a missing server, got %d", exitUnavailable, code)
	}
	if code := exitCode(errors.New("boom")); code != exitFailure {
		t.Errorf("Expected %d, got %d", exitFailure, code)
	}
}

func TestOfflineWriteEditList(t *testing.T) {
	isolate(t)

	out, err := execute(t, "", "write", "--id", "note-1", `{"text":"draft"}`)
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if strings.TrimSpace(out) != "note-1" {
		t.Errorf("Expected the record ID, got %q", out)
	}

	if _, err := execute(t, `{"text":"final"}`, "edit", "note-1"); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	out, err = execute(t, "", "--json", "list", "--state", "pending")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	var rows []struct {
		ID        string           `json:"id"`
		SyncState models.SyncState `json:"sync_state"`
		Payload   string           `json:"payload"`
	}
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(rows) != 1 || rows[0].ID != "note-1" || rows[0].Payload != `{"text":"final"}` {
		t.Errorf("Unexpected rows %+v", rows)
	}

	out, err = execute(t, "", "status", "note-1")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "pending") {
		t.Errorf("Expected a pending status, got %q", out)
	}
}

func TestSyncWithoutServer(t *testing.T) {
	isolate(t)
	_, err := execute(t, "", "sync")
	if !errors.Is(err, config.ErrNoServerURL) {
		t.Fatalf("Expected ErrNoServerURL, got %v", err)
	}
}

func TestWipeRequiresConfirmation(t *testing.T) {
	isolate(t)
	if _, err := execute(t, "", "wipe"); err == nil {
		t.Fatal("Expected wipe without --yes to fail")
	}
	if _, err := execute(t, "", "write", "x"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := execute(t, "", "wipe", "--yes"); err != nil {
		t.Fatalf("wipe failed: %v", err)
	}
}

func TestPinRejectsBadAddress(t *testing.T) {
	if _, err := fetchPin(t.Context(), "no-port"); err == nil {
		t.Fatal("Expected an error for an address without a port")
	}
}

func TestPinMatchesServerCertificate(t *testing.T) {
	ss := newPinServer(t)
	pin, err := fetchPin(t.Context(), ss.addr)
	if err != nil {
		t.Fatalf("fetchPin failed: %v", err)
	}
	if pin != remote.SPKIPin(ss.cert) {
		t.Errorf("Expected %q, got %q", remote.SPKIPin(ss.cert), pin)
	}
}

type pinServer struct {
	addr string
	cert *x509.Certificate
}

func newPinServer(t *testing.T) pinServer {
	t.Helper()
	srv := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	return pinServer{addr: srv.Listener.Addr().String(), cert: srv.Certificate()}
}
