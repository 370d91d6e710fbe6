// Package server implements the reference sync server: idempotent operation apply with
// optimistic version checks, record fetch and a websocket push feed.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/serverstore"
)

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 10 * time.Second

// PayloadValidator checks submitted operations. *schema.Validator implements it.
type PayloadValidator interface {
	Validate(payload []byte) error
}

// Server serves the sync protocol over a Repo.
type Server struct {
	repo        serverstore.Repo
	validator   PayloadValidator
	cache       serverstore.IdempotencyCache
	tokenSecret string
	feed        *feedHub
	started     time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithTokenSecret enables device token authentication with the shared HMAC secret.
func WithTokenSecret(secret string) Option {
	return func(s *Server) {
		s.tokenSecret = secret
	}
}

// WithValidator validates payloads of create and update operations.
func WithValidator(v PayloadValidator) Option {
	return func(s *Server) {
		s.validator = v
	}
}

// WithCache puts an idempotency cache in front of the repo.
func WithCache(c serverstore.IdempotencyCache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// WithFeedBuffer sets how many frames a feed subscriber may lag before it is dropped.
func WithFeedBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.feed.buffer = n
		}
	}
}

// New creates a Server over repo.
func New(repo serverstore.Repo, opts ...Option) *Server {
	s := &Server{repo: repo, feed: newFeedHub(), started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	if s.tokenSecret == "" {
		slog.Warn("Server.New: no token secret configured, device authentication disabled")
	}
	return s
}

// Handler returns the HTTP handler for all endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/submit", s.authenticate(http.HandlerFunc(s.submitHandler)))
	mux.Handle("/v1/records/{id}", s.authenticate(http.HandlerFunc(s.recordHandler)))
	mux.Handle("/v1/feed", s.authenticate(http.HandlerFunc(s.feedHandler)))
	mux.HandleFunc("/healthz", s.healthHandler)
	return mux
}

// Run serves TLS on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", addr)
		errCh <- srv.ListenAndServeTLS(certFile, keyFile)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	s.feed.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// FeedSubscribers reports how many devices are connected to the feed.
func (s *Server) FeedSubscribers() int {
	return s.feed.count()
}

// Close drops every feed subscriber.
func (s *Server) Close() {
	s.feed.closeAll()
}
