// Package app wires the SyncPipe client runtime: state-directory lock, key store, crypto
// engine, local store, remote client, sync engine and the command facade.
package app

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/config"
	"github.com/BTreeMap/SyncPipe/internal/crypt"
	"github.com/BTreeMap/SyncPipe/internal/engine"
	"github.com/BTreeMap/SyncPipe/internal/keystore"
	"github.com/BTreeMap/SyncPipe/internal/lockfile"
	"github.com/BTreeMap/SyncPipe/internal/messaging"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
	"github.com/BTreeMap/SyncPipe/internal/schema"
	"github.com/BTreeMap/SyncPipe/internal/store"
)

// lockOwner is recorded in the state-directory lock file.
const lockOwner = "syncpipe-client"

// drainPoll is how often SyncUntilDrained checks for an empty outbox.
const drainPoll = 50 * time.Millisecond

// App is an opened client runtime. Close releases it.
type App struct {
	Config  config.Client
	Keys    *keystore.Store
	Store   *store.SQLiteStore
	Client  *remote.HTTPClient // nil until the server is configured
	Engine  *engine.Engine
	Service *messaging.Service

	lock *lockfile.Lock
}

// Option adjusts how Open builds the runtime.
type Option func(*options)

type options struct {
	backends []keystore.Backend
}

// WithKeyBackends replaces the default file key backend.
func WithKeyBackends(b ...keystore.Backend) Option {
	return func(o *options) {
		o.backends = b
	}
}

// Open locks the state directory, builds every component and resets sync work left in
// flight by a crash. The engine is not started.
func Open(cfg config.Client, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.backends == nil {
		o.backends = []keystore.Backend{keystore.NewFileBackend(cfg.KeyDir(), cfg.Passphrase)}
	}

	lock, err := lockfile.AcquireLock(cfg.StateDir, lockOwner)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, lock: lock}
	if err := a.build(o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(o options) error {
	cfg := a.Config
	keys, err := keystore.New(keystore.DefaultAlias, o.backends...)
	if err != nil {
		return fmt.Errorf("key store: %w", err)
	}
	a.Keys = keys
	sealer, err := crypt.NewRecordSealer(crypt.NewEngine(keys), keys)
	if err != nil {
		return fmt.Errorf("provision data key: %w", err)
	}
	slog.Info("App.Open: data key ready", "origin", sealer.Handle().Origin())

	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(cfg.DBPath()), store.WithSealer(sealer))
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	a.Store = st

	// The state lock is held, so nothing can still be in flight from an earlier run.
	recovered, err := st.RecoverInFlight(context.Background())
	if err != nil {
		return fmt.Errorf("recover interrupted sync work: %w", err)
	}
	if recovered > 0 {
		slog.Info("App.Open: recovered interrupted sync tasks", "count", recovered)
	}

	validator, err := schema.Load(cfg.SchemaFile)
	if err != nil {
		return fmt.Errorf("load payload schema: %w", err)
	}
	resolver, err := engine.ResolverByName(cfg.Resolver)
	if err != nil {
		return err
	}

	var client remote.Client = unconfiguredClient{}
	if cfg.ValidateRemote() == nil {
		c, err := newRemoteClient(cfg)
		if err != nil {
			return err
		}
		a.Client = c
		client = c
	}

	a.Engine = engine.New(st, client, engine.Config{
		Workers:     cfg.Workers,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Resolver:    resolver,
	})
	svcOpts := []messaging.Option{messaging.WithKeyWiper(keys)}
	if validator != nil {
		svcOpts = append(svcOpts, messaging.WithValidator(validator))
	}
	a.Service = messaging.NewService(st, a.Engine, svcOpts...)
	return nil
}

func newRemoteClient(cfg config.Client) (*remote.HTTPClient, error) {
	rc := remote.Config{
		BaseURL:     cfg.ServerURL,
		Pins:        cfg.Pins,
		ServerName:  cfg.ServerName,
		DeviceID:    cfg.DeviceID,
		TokenSecret: cfg.TokenSecret,
		CallTimeout: cfg.CallTimeout,
	}
	if rc.DeviceID == "" {
		host, _ := os.Hostname()
		rc.DeviceID = host
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", cfg.CAFile)
		}
		rc.RootCAs = pool
	}
	return remote.NewHTTPClient(rc)
}

// Run synchronizes until ctx is cancelled, following the push feed when enabled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateRemote(); err != nil {
		return err
	}
	if a.Config.Feed {
		go func() {
			if err := a.Engine.Follow(ctx, a.Client); err != nil {
				slog.Error("App.Run: push feed stopped", "error", err)
			}
		}()
	}
	return a.Engine.Run(ctx)
}

// SyncUntilDrained runs the engine until the outbox is empty, the engine halts or ctx
// ends. Tasks waiting out a backoff keep it running.
func (a *App) SyncUntilDrained(ctx context.Context) error {
	if err := a.Config.ValidateRemote(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Engine.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
	}()

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-done:
			done <- err
			return err
		case <-ticker.C:
			ok, err := a.Engine.Drained(ctx)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// Close releases the store and the state-directory lock.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.lock != nil {
		errs = append(errs, a.lock.Release())
	}
	return errors.Join(errs...)
}

// unconfiguredClient stands in for the remote client until a server is configured, so
// local commands work offline. Any submission is a retryable failure.
type unconfiguredClient struct{}

func (unconfiguredClient) Submit(context.Context, models.Operation) (models.ServerAck, error) {
	return models.ServerAck{}, &remote.TransportError{Op: "submit", Err: config.ErrNoServerURL}
}

func (unconfiguredClient) Fetch(context.Context, string) (models.ServerState, error) {
	return models.ServerState{}, &remote.TransportError{Op: "fetch", Err: config.ErrNoServerURL}
}
