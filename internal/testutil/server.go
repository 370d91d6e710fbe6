package testutil

import (
	"crypto/x509"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/remote"
	"github.com/BTreeMap/SyncPipe/internal/server"
	"github.com/BTreeMap/SyncPipe/internal/serverstore"
)

// TestTokenSecret is the device token secret shared by NewSyncServer and its clients.
const TestTokenSecret = "test-device-secret"

// SyncServer is a reference sync server on an httptest TLS listener.
type SyncServer struct {
	Server *server.Server
	Repo   serverstore.Repo
	HTTP   *httptest.Server
	Faults *Faults
	// Pin is the SPKI pin of the test certificate.
	Pin string
}

// NewSyncServer starts a sync server backed by a temporary SQLite repo. It is shut down
// when the test ends.
func NewSyncServer(t testing.TB, opts ...server.Option) *SyncServer {
	t.Helper()
	repo, err := serverstore.NewSQLiteRepo(serverstore.WithSQLiteDSN(filepath.Join(t.TempDir(), "server.db")))
	if err != nil {
		t.Fatalf("NewSQLiteRepo failed: %v", err)
	}
	srv := server.New(repo, append([]server.Option{server.WithTokenSecret(TestTokenSecret)}, opts...)...)
	faults := &Faults{}
	ts := httptest.NewTLSServer(faults.wrap(srv.Handler()))
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		repo.Close()
	})
	return &SyncServer{
		Server: srv,
		Repo:   repo,
		HTTP:   ts,
		Faults: faults,
		Pin:    remote.SPKIPin(ts.Certificate()),
	}
}

// ClientConfig returns a remote.Config that trusts and pins the test server.
func (s *SyncServer) ClientConfig(deviceID string) remote.Config {
	roots := x509.NewCertPool()
	roots.AddCert(s.HTTP.Certificate())
	return remote.Config{
		BaseURL:     s.HTTP.URL,
		Pins:        []string{s.Pin},
		RootCAs:     roots,
		DeviceID:    deviceID,
		TokenSecret: TestTokenSecret,
		CallTimeout: 5 * time.Second,
	}
}

// NewClient returns a pinned client for the test server.
func (s *SyncServer) NewClient(t testing.TB, deviceID string) *remote.HTTPClient {
	t.Helper()
	c, err := remote.NewHTTPClient(s.ClientConfig(deviceID))
	if err != nil {
		t.Fatalf("NewHTTPClient failed: %v", err)
	}
	return c
}

// Faults injects failures in front of the server handler.
type Faults struct {
	mu       sync.Mutex
	offline  bool
	failNext int
	failCode int
	dropAcks int
	submits  int
}

// SetOffline makes every request fail at the connection level until cleared.
func (f *Faults) SetOffline(offline bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = offline
}

// FailNextSubmits answers the next n submits with status without applying them.
func (f *Faults) FailNextSubmits(n, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext, f.failCode = n, status
}

// DropNextAcks applies the next n submits but answers them with 503, as if the
// response were lost.
func (f *Faults) DropNextAcks(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropAcks = n
}

// Submits returns how many submit requests reached the fault layer.
func (f *Faults) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

func (f *Faults) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		offline := f.offline
		submit := r.URL.Path == "/v1/submit"
		var failCode int
		drop := false
		if submit {
			f.submits++
			switch {
			case offline:
			case f.failNext > 0:
				f.failNext--
				failCode = f.failCode
			case f.dropAcks > 0:
				f.dropAcks--
				drop = true
			}
		}
		f.mu.Unlock()

		switch {
		case offline:
			panic(http.ErrAbortHandler)
		case failCode != 0:
			w.WriteHeader(failCode)
		case drop:
			next.ServeHTTP(httptest.NewRecorder(), r)
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			next.ServeHTTP(w, r)
		}
	})
}
