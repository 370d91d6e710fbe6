// Package config loads SyncPipe configuration. Sources are layered: built-in defaults,
// then a .env file, then an optional YAML file, then SYNCPIPE_* environment variables.
// Command-line flags are applied last by the binaries.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultServerStateDir is the default directory for sync server data
	DefaultServerStateDir = "/var/lib/syncpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "syncpipe.db"
	// DefaultServerDBFileName is the default SQLite database filename of the sync server
	DefaultServerDBFileName = "syncserver.db"
	// DefaultKeyDirName is the key directory inside the state directory
	DefaultKeyDirName = "keys"
	// DefaultServerAddr is the default listen address of the sync server
	DefaultServerAddr = ":8443"
	// DefaultCallTimeout bounds each remote call
	DefaultCallTimeout = 15 * time.Second
)

// ConfigEnv names the environment variable pointing at a YAML config file.
const ConfigEnv = "SYNCPIPE_CONFIG"

var (
	// ErrNoServerURL is returned when the client has nowhere to sync to.
	ErrNoServerURL = errors.New("server URL not configured")
	// ErrNoPins is returned when the client has no certificate pins.
	ErrNoPins = errors.New("at least one certificate pin is required")
	// ErrNoTokenSecret is returned when device tokens cannot be signed or verified.
	ErrNoTokenSecret = errors.New("token secret not configured")
)

// Client configures the SyncPipe client runtime.
type Client struct {
	StateDir    string        `yaml:"state_dir"`
	DBFile      string        `yaml:"db_file"`
	ServerURL   string        `yaml:"server_url"`
	Pins        []string      `yaml:"pins"`
	CAFile      string        `yaml:"ca_file"`
	ServerName  string        `yaml:"server_name"`
	DeviceID    string        `yaml:"device_id"`
	TokenSecret string        `yaml:"token_secret"`
	Passphrase  string        `yaml:"passphrase"` // unlocks the file key store
	SchemaFile  string        `yaml:"schema_file"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	Resolver    string        `yaml:"resolver"`
	Feed        bool          `yaml:"feed"`
	LogLevel    string        `yaml:"log_level"`
}

// Server configures the reference sync server.
type Server struct {
	StateDir    string        `yaml:"state_dir"`
	DSN         string        `yaml:"dsn"`
	Addr        string        `yaml:"addr"`
	CertFile    string        `yaml:"cert_file"`
	KeyFile     string        `yaml:"key_file"`
	TokenSecret string        `yaml:"token_secret"`
	SchemaFile  string        `yaml:"schema_file"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	LogLevel    string        `yaml:"log_level"`
}

// DefaultClientStateDir returns ~/.local/state/syncpipe, or a relative directory when
// the home directory is unknown.
func DefaultClientStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".syncpipe"
	}
	return filepath.Join(home, ".local", "state", "syncpipe")
}

// DefaultClient returns the built-in client settings.
func DefaultClient() Client {
	return Client{
		StateDir:    DefaultClientStateDir(),
		DBFile:      DefaultDBFileName,
		Workers:     4,
		MaxAttempts: 8,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
		CallTimeout: DefaultCallTimeout,
		Resolver:    "server_wins",
		Feed:        true,
		LogLevel:    "info",
	}
}

// DefaultServer returns the built-in server settings.
func DefaultServer() Server {
	return Server{
		StateDir: DefaultServerStateDir,
		Addr:     DefaultServerAddr,
		CacheTTL: 24 * time.Hour,
		LogLevel: "info",
	}
}

// loadDotEnv loads a .env file from the working directory when present.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}
}

// loadYAML decodes path over cfg. An empty path falls back to $SYNCPIPE_CONFIG.
func loadYAML(path string, cfg any) error {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	slog.Debug("config file loaded", "path", path)
	return nil
}

func envString(key string, current string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return current
}

// LoadClient layers defaults, .env, the YAML file at path and the environment.
func LoadClient(path string) (Client, error) {
	loadDotEnv()
	cfg := DefaultClient()
	if err := loadYAML(path, &cfg); err != nil {
		return Client{}, err
	}

	cfg.StateDir = envString("SYNCPIPE_STATE_DIR", cfg.StateDir)
	cfg.DBFile = envString("SYNCPIPE_DB_FILE", cfg.DBFile)
	cfg.ServerURL = envString("SYNCPIPE_SERVER_URL", cfg.ServerURL)
	if pins := util.SplitListEnv("SYNCPIPE_PINS"); len(pins) > 0 {
		cfg.Pins = pins
	}
	cfg.CAFile = envString("SYNCPIPE_CA_FILE", cfg.CAFile)
	cfg.ServerName = envString("SYNCPIPE_SERVER_NAME", cfg.ServerName)
	cfg.DeviceID = envString("SYNCPIPE_DEVICE_ID", cfg.DeviceID)
	cfg.TokenSecret = envString("SYNCPIPE_TOKEN_SECRET", cfg.TokenSecret)
	cfg.Passphrase = envString("SYNCPIPE_PASSPHRASE", cfg.Passphrase)
	cfg.SchemaFile = envString("SYNCPIPE_SCHEMA", cfg.SchemaFile)
	cfg.Workers = util.ParseIntEnv("SYNCPIPE_WORKERS", cfg.Workers)
	cfg.MaxAttempts = util.ParseIntEnv("SYNCPIPE_MAX_ATTEMPTS", cfg.MaxAttempts)
	cfg.BackoffBase = util.ParseDurationEnv("SYNCPIPE_BACKOFF_BASE", cfg.BackoffBase)
	cfg.BackoffMax = util.ParseDurationEnv("SYNCPIPE_BACKOFF_MAX", cfg.BackoffMax)
	cfg.CallTimeout = util.ParseDurationEnv("SYNCPIPE_CALL_TIMEOUT", cfg.CallTimeout)
	cfg.Resolver = envString("SYNCPIPE_RESOLVER", cfg.Resolver)
	cfg.Feed = util.ParseBoolEnv("SYNCPIPE_FEED", cfg.Feed)
	cfg.LogLevel = envString("SYNCPIPE_LOG_LEVEL", cfg.LogLevel)

	slog.Debug("client configuration loaded",
		"state_dir", cfg.StateDir,
		"server_url", cfg.ServerURL,
		"pins", len(cfg.Pins),
		"device_id", cfg.DeviceID,
		"token_secret_set", cfg.TokenSecret != "",
		"passphrase_set", cfg.Passphrase != "",
		"workers", cfg.Workers,
		"max_attempts", cfg.MaxAttempts)
	return cfg, nil
}

// DBPath returns the SQLite file of the local store. A relative DBFile lives in the
// state directory.
func (c Client) DBPath() string {
	if filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.StateDir, c.DBFile)
}

// KeyDir returns the directory of the file key store.
func (c Client) KeyDir() string {
	return filepath.Join(c.StateDir, DefaultKeyDirName)
}

// ValidateRemote checks the settings needed to talk to the server.
func (c Client) ValidateRemote() error {
	var errs []error
	if c.ServerURL == "" {
		errs = append(errs, ErrNoServerURL)
	}
	if len(c.Pins) == 0 {
		errs = append(errs, ErrNoPins)
	}
	if c.TokenSecret == "" {
		errs = append(errs, ErrNoTokenSecret)
	}
	return errors.Join(errs...)
}

// LoadServer layers defaults, .env, the YAML file at path and the environment.
func LoadServer(path string) (Server, error) {
	loadDotEnv()
	cfg := DefaultServer()
	if err := loadYAML(path, &cfg); err != nil {
		return Server{}, err
	}

	cfg.StateDir = envString("SYNCPIPE_STATE_DIR", cfg.StateDir)
	cfg.DSN = envString("DATABASE_URL", cfg.DSN)
	cfg.DSN = envString("SYNCPIPE_SERVER_DSN", cfg.DSN)
	cfg.Addr = envString("SYNCPIPE_SERVER_ADDR", cfg.Addr)
	cfg.CertFile = envString("SYNCPIPE_TLS_CERT", cfg.CertFile)
	cfg.KeyFile = envString("SYNCPIPE_TLS_KEY", cfg.KeyFile)
	cfg.TokenSecret = envString("SYNCPIPE_TOKEN_SECRET", cfg.TokenSecret)
	cfg.SchemaFile = envString("SYNCPIPE_SCHEMA", cfg.SchemaFile)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.RedisURL = envString("SYNCPIPE_REDIS_URL", cfg.RedisURL)
	cfg.CacheTTL = util.ParseDurationEnv("SYNCPIPE_CACHE_TTL", cfg.CacheTTL)
	cfg.LogLevel = envString("SYNCPIPE_LOG_LEVEL", cfg.LogLevel)

	slog.Debug("server configuration loaded",
		"state_dir", cfg.StateDir,
		"dsn_set", cfg.DSN != "",
		"addr", cfg.Addr,
		"token_secret_set", cfg.TokenSecret != "",
		"redis_set", cfg.RedisURL != "")
	return cfg, nil
}

// ResolvedDSN returns the configured DSN or the default SQLite file in the state directory.
func (s Server) ResolvedDSN() string {
	if s.DSN != "" {
		return s.DSN
	}
	return filepath.Join(s.StateDir, DefaultServerDBFileName)
}

// ParseLogLevel maps debug, info, warn and error to slog levels. Unknown values are info.
func ParseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}
