package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/SyncPipe/internal/app"
	"github.com/BTreeMap/SyncPipe/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
	stateDir   string
	serverURL  string
	deviceID   string
	logLevel   string
	jsonOutput bool
}

// Exit codes.
const (
	exitFailure     = 1
	exitUnavailable = 2
)

func exitCode(err error) int {
	if errors.Is(err, config.ErrNoServerURL) || errors.Is(err, config.ErrNoPins) {
		return exitUnavailable
	}
	return exitFailure
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "syncpipe",
		Short:         "SyncPipe - offline-first record sync",
		Long:          "Write records locally, keep them encrypted at rest and deliver them to the sync server exactly once.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.ConfigEnv), "path to YAML config file (overrides $"+config.ConfigEnv+")")
	cmd.PersistentFlags().StringVar(&opts.stateDir, "state-dir", "", "state directory (overrides $SYNCPIPE_STATE_DIR)")
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", "", "sync server URL (overrides $SYNCPIPE_SERVER_URL)")
	cmd.PersistentFlags().StringVar(&opts.deviceID, "device-id", "", "device identifier (overrides $SYNCPIPE_DEVICE_ID)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		newWriteCommand(opts),
		newEditCommand(opts),
		newDeleteCommand(opts),
		newGetCommand(opts),
		newListCommand(opts),
		newWatchCommand(opts),
		newStatusCommand(opts),
		newRetryCommand(opts),
		newSyncCommand(opts),
		newRunCommand(opts),
		newStatsCommand(opts),
		newWipeCommand(opts),
		newPinCommand(opts),
	)
	return cmd
}

// initializeLogger sets up structured logging on stderr at the configured level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLogLevel(level)}))
	slog.SetDefault(logger)
}

// loadConfig layers command line flags over the file and environment configuration.
func loadConfig(opts *rootOptions) (config.Client, error) {
	cfg, err := config.LoadClient(opts.configPath)
	if err != nil {
		return config.Client{}, err
	}
	if opts.stateDir != "" {
		cfg.StateDir = opts.stateDir
	}
	if opts.serverURL != "" {
		cfg.ServerURL = opts.serverURL
	}
	if opts.deviceID != "" {
		cfg.DeviceID = opts.deviceID
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	slog.Debug("flags applied",
		"state_dir", cfg.StateDir,
		"server_url", cfg.ServerURL,
		"device_id", cfg.DeviceID,
		"log_level", cfg.LogLevel)
	return cfg, nil
}

// withApp opens the client runtime for the duration of fn.
func withApp(opts *rootOptions, fn func(*app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	initializeLogger(cfg.LogLevel)
	a, err := app.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			slog.Warn("failed to close client runtime", "error", cerr)
		}
	}()
	return fn(a)
}
