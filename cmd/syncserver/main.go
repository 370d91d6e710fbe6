package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/config"
	"github.com/BTreeMap/SyncPipe/internal/schema"
	"github.com/BTreeMap/SyncPipe/internal/server"
	"github.com/BTreeMap/SyncPipe/internal/serverstore"
)

// ErrTLSRequired is returned when the certificate or key file is missing.
var ErrTLSRequired = errors.New("TLS certificate and key files are required")

func main() {
	// Initialize structured logger
	initializeLogger(os.Getenv("SYNCPIPE_LOG_LEVEL"))

	// Load environment configuration
	cfg, err := loadEnvironmentConfig(os.Getenv(config.ConfigEnv))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], cfg)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping sync server", "addr", flags.addr, "dsn_set", flags.dsn != "")
	if err := run(ctx, flags); err != nil {
		slog.Error("Sync server failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Sync server exited successfully")
}

// Flags holds command line flag values
type Flags struct {
	dsn         string
	addr        string
	certFile    string
	keyFile     string
	tokenSecret string
	schemaFile  string
	redisURL    string
	cacheTTL    time.Duration
	logLevel    string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: config.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from the optional YAML file, .env and the environment
func loadEnvironmentConfig(path string) (config.Server, error) {
	cfg, err := config.LoadServer(path)
	if err != nil {
		return config.Server{}, err
	}
	slog.Debug("environment configuration loaded",
		"config_file", path,
		"state_dir", cfg.StateDir,
		"addr", cfg.Addr,
		"redis_set", cfg.RedisURL != "")
	return cfg, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, cfg config.Server) (Flags, error) {
	var flags Flags
	stateDir := fs.String("state-dir", cfg.StateDir, "state directory for the default SQLite database (overrides $SYNCPIPE_STATE_DIR)")
	fs.StringVar(&flags.dsn, "db-dsn", cfg.DSN, "database DSN, SQLite path or Postgres URL (overrides $SYNCPIPE_SERVER_DSN or $DATABASE_URL)")
	fs.StringVar(&flags.addr, "addr", cfg.Addr, "listen address (overrides $SYNCPIPE_SERVER_ADDR)")
	fs.StringVar(&flags.certFile, "tls-cert", cfg.CertFile, "TLS certificate file (overrides $SYNCPIPE_TLS_CERT)")
	fs.StringVar(&flags.keyFile, "tls-key", cfg.KeyFile, "TLS private key file (overrides $SYNCPIPE_TLS_KEY)")
	fs.StringVar(&flags.tokenSecret, "token-secret", cfg.TokenSecret, "device token secret (overrides $SYNCPIPE_TOKEN_SECRET)")
	fs.StringVar(&flags.schemaFile, "schema", cfg.SchemaFile, "JSON schema for record payloads (overrides $SYNCPIPE_SCHEMA)")
	fs.StringVar(&flags.redisURL, "redis-url", cfg.RedisURL, "Redis URL for the acknowledgement cache (overrides $SYNCPIPE_REDIS_URL or $REDIS_URL)")
	fs.DurationVar(&flags.cacheTTL, "cache-ttl", cfg.CacheTTL, "how long cached acknowledgements live")
	fs.StringVar(&flags.logLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// Resolve the default SQLite file against the final state directory
	cfg.StateDir = *stateDir
	cfg.DSN = flags.dsn
	flags.dsn = cfg.ResolvedDSN()

	slog.Debug("flags parsed",
		"stateDir", *stateDir,
		"dsn_set", flags.dsn != "",
		"addr", flags.addr,
		"tls_cert", flags.certFile,
		"token_secret_set", flags.tokenSecret != "",
		"schema", flags.schemaFile,
		"redis_set", flags.redisURL != "",
		"cacheTTL", flags.cacheTTL)
	return flags, nil
}

// buildServerOptions constructs server options. The returned cleanup releases the cache.
func buildServerOptions(ctx context.Context, flags Flags) ([]server.Option, func(), error) {
	opts := []server.Option{server.WithTokenSecret(flags.tokenSecret)}
	cleanup := func() {}

	validator, err := schema.Load(flags.schemaFile)
	if err != nil {
		return nil, cleanup, err
	}
	if validator != nil {
		opts = append(opts, server.WithValidator(validator))
	}

	if flags.redisURL != "" {
		cache, err := serverstore.NewRedisCacheFromURL(ctx, flags.redisURL, flags.cacheTTL)
		if err != nil {
			return nil, cleanup, err
		}
		slog.Debug("Acknowledgement cache enabled", "ttl", flags.cacheTTL)
		opts = append(opts, server.WithCache(cache))
		cleanup = func() {
			if err := cache.Close(); err != nil {
				slog.Warn("Failed to close acknowledgement cache", "error", err)
			}
		}
	}
	return opts, cleanup, nil
}

// run opens the repository and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	if flags.certFile == "" || flags.keyFile == "" {
		return ErrTLSRequired
	}
	if flags.tokenSecret == "" {
		return config.ErrNoTokenSecret
	}

	repo, err := serverstore.Open(flags.dsn)
	if err != nil {
		return fmt.Errorf("open server store: %w", err)
	}
	defer repo.Close()

	opts, cleanup, err := buildServerOptions(ctx, flags)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := server.New(repo, opts...)
	return srv.Run(ctx, flags.addr, flags.certFile, flags.keyFile)
}
