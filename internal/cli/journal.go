package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/storefront-sync/config"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/transport/sse"
)

// NewJournalCommand creates the journal command group.
func NewJournalCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Read the sync event journal",
	}
	cmd.AddCommand(newJournalTailCommand(rootOpts))
	cmd.AddCommand(newJournalRecentCommand(rootOpts))
	cmd.AddCommand(newJournalPruneCommand(rootOpts))
	return cmd
}

type tailOptions struct {
	URL  string
	From int64
}

func newJournalTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tailOptions{}
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow a running daemon's journal",
		Long: `Follow the journal of a running daemon over Server-Sent Events. The stream
reconnects on failure and resumes after the last entry printed.`,
		Example: `  syncd journal tail --url http://localhost:8080
  syncd journal tail --url http://localhost:8080 --from 1200 --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sse.NewClient(strings.TrimRight(opts.URL, "/")+"/v1/stream/journal", &http.Client{})
			client.Logger = logging.Discard()

			err := client.Subscribe(cmd.Context(), opts.From, func(b sse.Batch) error {
				for _, e := range b.Entries {
					if err := printEntry(cmd.OutOrStdout(), rootOpts.Format, e); err != nil {
						return err
					}
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "http://localhost:8080", "base URL of the daemon's diagnostics server")
	cmd.Flags().Int64Var(&opts.From, "from", 0, "resume after this sequence number")
	return cmd
}

type recentOptions struct {
	DB    string
	Key   string
	Limit int
}

func newJournalRecentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &recentOptions{}
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Print the newest journal entries from the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal(rootOpts, opts.DB)
			if err != nil {
				return err
			}
			defer j.Close()

			var records []storage.Record
			if opts.Key != "" {
				records, err = j.ByKey(cmd.Context(), opts.Key, opts.Limit)
			} else {
				records, err = j.Recent(cmd.Context(), opts.Limit)
			}
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read journal", err)
			}
			for _, r := range records {
				if err := printEntry(cmd.OutOrStdout(), rootOpts.Format, sse.NewEntry(r)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "journal database file or postgres:// URL (defaults to the configured journal)")
	cmd.Flags().StringVar(&opts.Key, "key", "", "only entries for this cache key")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of entries")
	return cmd
}

type pruneOptions struct {
	DB        string
	OlderThan time.Duration
}

func newJournalPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &pruneOptions{}
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete journal entries older than a duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.OlderThan <= 0 {
				return WrapExitError(ExitCommandError, "invalid --older-than", fmt.Errorf("must be positive, got %s", opts.OlderThan))
			}
			j, err := openJournal(rootOpts, opts.DB)
			if err != nil {
				return err
			}
			defer j.Close()

			n, err := j.Prune(cmd.Context(), time.Now().Add(-opts.OlderThan))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to prune journal", err)
			}
			if rootOpts.Format == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]int64{"removed": n})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.DB, "db", "", "journal database file or postgres:// URL (defaults to the configured journal)")
	cmd.Flags().DurationVar(&opts.OlderThan, "older-than", 7*24*time.Hour, "age of the entries to delete")
	return cmd
}

// openJournal opens the configured journal. db overrides it: a postgres://
// URL selects PostgreSQL, anything else is a SQLite file.
func openJournal(rootOpts *RootOptions, db string) (storage.Journal, error) {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	jc := cfg.Journal
	switch {
	case strings.HasPrefix(db, "postgres://"), strings.HasPrefix(db, "postgresql://"):
		jc.Driver, jc.DSN = config.DriverPostgres, db
	case db != "":
		jc.Driver, jc.Path = config.DriverSQLite, db
	}

	j, err := openStore(jc, logging.Discard())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	if j == nil {
		return nil, WrapExitError(ExitCommandError, "no journal configured", errors.New("pass --db or set journal.path"))
	}
	return j, nil
}

func printEntry(w io.Writer, format string, e sse.Entry) error {
	if format == "json" {
		return printJSON(w, e)
	}
	line := fmt.Sprintf("%6d  %s  %-20s", e.Seq, time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339), e.Event)
	if e.Key != "" {
		line += "  key=" + e.Key
	}
	if len(e.Data) > 0 && string(e.Data) != "null" {
		line += "  " + string(e.Data)
	}
	if e.Error != "" {
		line += "  error=" + e.Error
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
