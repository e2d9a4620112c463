package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"checkin/internal/attendance"
	"checkin/internal/backend"
	"checkin/internal/config"
	"checkin/internal/presence"
	"checkin/internal/roster"
	"checkin/internal/scan"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "migrate",
		Short:        "Create or update the store schema",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()
			return output(cmd.OutOrStdout(), opts.Format, map[string]any{"migrated": b.Kind}, func(w io.Writer) {
				fmt.Fprintf(w, "✓ schema up to date (%s)\n", b.Kind)
			})
		},
	}
}

// NewImportCommand creates the import command.
func NewImportCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <roster.csv>",
		Short: "Upsert students from a roster CSV",
		Long: `Upsert students from a CSV with the columns numCuenta, nombre, Semestre
and Grupo. Rows with a malformed account id or missing fields are reported
and skipped. Use "-" to read from stdin.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			res, err := roster.Import(cmd.Context(), b.Store, in, opts.log)
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				fmt.Fprintf(w, "✓ imported %d student(s), skipped %d\n", res.Saved, len(res.Skipped))
				for _, s := range res.Skipped {
					fmt.Fprintf(w, "  line %d: %s\n", s.Line, s.Reason)
				}
			})
		},
	}
}

// NewEventsCommand creates the events command.
func NewEventsCommand(opts *RootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:          "events <account-id>",
		Short:        "List recorded check-ins and check-outs of a student",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			acct := scan.Normalize(args[0])
			if !scan.Complete(acct) {
				return fmt.Errorf("account id %q must be 6 digits", args[0])
			}
			b, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			all, err := b.Store.ListEvents(cmd.Context(), acct)
			if err != nil {
				return err
			}
			events := all[:0]
			for _, e := range all {
				if day == "" || e.DayBucket == day {
					events = append(events, e)
				}
			}
			return output(cmd.OutOrStdout(), opts.Format, events, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "DAY\tSEQ\tKIND\tTIME\tNAME")
				for _, e := range events {
					fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", e.DayBucket, e.Sequence, e.Kind, e.When.In(opts.cfg.Location()).Format(time.TimeOnly), e.Name)
				}
				tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "only this day (YYYY-MM-DD)")
	return cmd
}

// NewPresentCommand creates the present command.
func NewPresentCommand(opts *RootOptions) *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:          "present",
		Short:        "List students checked in and not yet checked out",
		Long:         "Reads the presence set the worker maintains in redis.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if day == "" {
				day = attendance.DayBucket(time.Now(), opts.cfg.Location())
			}
			cfg := opts.cfg
			cfg.QueueBackend = config.BackendRedis
			feed, err := backend.OpenFeed(cfg)
			if err != nil {
				return err
			}
			defer feed.Close()

			members, err := presence.NewRedisSet(feed.Redis.Client, "", 0).Members(cmd.Context(), day)
			if err != nil {
				return fmt.Errorf("read presence: %w", err)
			}
			return output(cmd.OutOrStdout(), opts.Format, map[string]any{"day": day, "present": members}, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d present\n", day, len(members))
				for _, m := range members {
					fmt.Fprintln(w, "  "+m)
				}
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day bucket (YYYY-MM-DD), default today")
	return cmd
}

func output(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
