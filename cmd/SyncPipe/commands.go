package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BTreeMap/SyncPipe/internal/app"
	"github.com/BTreeMap/SyncPipe/internal/models"
	"github.com/BTreeMap/SyncPipe/internal/remote"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

// pinDialTimeout bounds the TLS handshake of the pin command.
const pinDialTimeout = 10 * time.Second

func newWriteCommand(opts *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "write [payload|-]",
		Short: "Store a new record and queue it for sync",
		Long: `Store a new record locally and queue it for delivery.

The payload is taken from the argument, or from stdin when it is "-" or omitted.

Example:
  syncpipe write '{"text":"hello"}'
  echo '{"text":"hello"}' | syncpipe write --id note-1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				newID, err := a.Service.SubmitWriteWithID(cmd.Context(), id, payload)
				if err != nil {
					return err
				}
				return printValue(cmd.OutOrStdout(), opts, map[string]string{"id": newID}, newID)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record ID (a UUID is generated when empty)")
	return cmd
}

func newEditCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <id> [payload|-]",
		Short: "Replace the payload of a record",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				rec, err := a.Service.Edit(cmd.Context(), args[0], payload)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), opts, []models.Record{rec})
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record locally and on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				return a.Service.Delete(cmd.Context(), args[0])
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				rec, err := a.Service.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), opts, []models.Record{rec})
			})
		},
	}
}

// queryFlags are the record filters shared by list and watch.
type queryFlags struct {
	states         []string
	includeDeleted bool
	limit          int
}

func (f *queryFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&f.states, "state", nil, "only records in these sync states (pending, syncing, synced, failed)")
	cmd.Flags().BoolVar(&f.includeDeleted, "include-deleted", false, "include tombstones")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of records (0 for all)")
}

func (f *queryFlags) query(ids []string) (models.Query, error) {
	q := models.Query{IDs: ids, IncludeDeleted: f.includeDeleted, Limit: f.limit}
	for _, s := range f.states {
		st := models.SyncState(strings.ToLower(strings.TrimSpace(s)))
		switch st {
		case models.SyncStatePending, models.SyncStateSyncing, models.SyncStateSynced, models.SyncStateFailed:
			q.States = append(q.States, st)
		default:
			return models.Query{}, fmt.Errorf("unknown sync state %q", s)
		}
	}
	return q, nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "list [id...]",
		Short: "List records and their sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qf.query(args)
			if err != nil {
				return err
			}
			return withApp(opts, func(a *app.App) error {
				recs, err := a.Service.List(cmd.Context(), q)
				if err != nil {
					return err
				}
				return printRecords(cmd.OutOrStdout(), opts, recs)
			})
		},
	}
	qf.register(cmd)
	return cmd
}

func newWatchCommand(opts *rootOptions) *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "watch [id...]",
		Short: "Print matching records, then every change to them until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := qf.query(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(opts, func(a *app.App) error {
				for rec, err := range a.Service.Observe(ctx, q) {
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
					if err := printRecords(cmd.OutOrStdout(), opts, []models.Record{rec}); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	qf.register(cmd)
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show where a record stands in synchronization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				st, err := a.Service.CurrentSyncStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				text := fmt.Sprintf("%s\t%s\tversion=%d", st.RecordID, st.State, st.ServerVersion)
				if st.PendingKind != "" {
					text += fmt.Sprintf("\tpending=%s attempt=%d", st.PendingKind, st.Attempt)
				}
				if st.NextEligibleAt != nil {
					text += "\tnext=" + st.NextEligibleAt.Format(time.RFC3339)
				}
				if st.FailureReason != "" {
					text += "\treason=" + st.FailureReason
				}
				return printValue(cmd.OutOrStdout(), opts, st, text)
			})
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				return a.Service.RetryFailed(cmd.Context(), args[0])
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued work and exit once the outbox is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return withApp(opts, func(a *app.App) error {
				return a.SyncUntilDrained(ctx)
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits indefinitely)")
	return cmd
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:     "run",
		Aliases: []string{"daemon"},
		Short:   "Synchronize continuously until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(opts, func(a *app.App) error {
				if events {
					go printEvents(ctx, cmd.OutOrStdout(), a)
				}
				err := a.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "print sync events as JSON lines")
	return cmd
}

func printEvents(ctx context.Context, w io.Writer, a *app.App) {
	enc := json.NewEncoder(w)
	for ev := range a.Service.Events(ctx) {
		if err := enc.Encode(ev); err != nil {
			return
		}
	}
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize records and queued work",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(opts, func(a *app.App) error {
				st, err := a.Service.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), st)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, s := range []models.SyncState{models.SyncStatePending, models.SyncStateSyncing, models.SyncStateSynced, models.SyncStateFailed} {
					fmt.Fprintf(tw, "%s\t%d\n", s, st.Records[s])
				}
				fmt.Fprintf(tw, "tombstones\t%d\n", st.Tombstones)
				for status, n := range st.Tasks {
					fmt.Fprintf(tw, "tasks %s\t%d\n", status, n)
				}
				if st.NextEligibleAt != nil {
					fmt.Fprintf(tw, "next eligible\t%s\n", st.NextEligibleAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}

func newWipeCommand(opts *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Erase every local record, queued task and encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("wipe destroys local data that has not synced; pass --yes to confirm")
			}
			return withApp(opts, func(a *app.App) error {
				return a.Service.Wipe(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the wipe")
	return cmd
}

func newPinCommand(opts *rootOptions) *cobra.Command {
	var qr bool
	cmd := &cobra.Command{
		Use:   "pin <host:port>",
		Short: "Print the certificate pin of a sync server",
		Long: `Connect to a sync server and print the SPKI pin of its leaf certificate.

Compare the pin out of band before adding it to the pins list; this command does not
verify the certificate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pin, err := fetchPin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printValue(cmd.OutOrStdout(), opts, map[string]string{"pin": pin}, pin); err != nil {
				return err
			}
			if qr {
				qrterminal.GenerateHalfBlock(pin, qrterminal.L, cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&qr, "qr", false, "also render the pin as a QR code")
	return cmd
}

// fetchPin reads the leaf certificate presented at addr without verifying it.
func fetchPin(ctx context.Context, addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: pinDialTimeout},
		Config:    &tls.Config{ServerName: host, InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()
	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", fmt.Errorf("%s presented no certificate", addr)
	}
	return remote.SPKIPin(certs[0]), nil
}

// readPayload returns args[0], or stdin when args is empty or "-".
func readPayload(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) > 0 && args[0] != "-" {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printValue(w io.Writer, opts *rootOptions, v any, text string) error {
	if opts.jsonOutput {
		return printJSON(w, v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}

// printRecords prints one line per record: id, state, server version, payload.
func printRecords(w io.Writer, opts *rootOptions, recs []models.Record) error {
	if opts.jsonOutput {
		type row struct {
			models.Record
			Payload string `json:"payload"`
		}
		rows := make([]row, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, row{Record: r, Payload: string(r.Payload)})
		}
		return printJSON(w, rows)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, r := range recs {
		state := string(r.SyncState)
		if r.Deleted {
			state += " (deleted)"
		}
		fmt.Fprintf(tw, "%s\t%s\tv%d\t%s\n", r.ID, state, r.ServerVersion, r.Payload)
	}
	return tw.Flush()
}
