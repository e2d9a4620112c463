// Package cli implements kioskctl, the operator tool for the check-in kiosk.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"checkin/internal/backend"
	"checkin/internal/config"
	"checkin/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Store       string
	SQLitePath  string
	DatabaseURL string
	RedisAddr   string
	LogLevel    string
	Format      string // "json" | "text"

	cfg config.App
	log zerolog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for kioskctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "kioskctl",
		Short:         "Operate the attendance check-in kiosk",
		Long:          "Schema migration, roster import and read-only queries against the kiosk's store.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Store, "store", "", "store backend (postgres|sqlite|memory), overrides STORE_BACKEND")
	cmd.PersistentFlags().StringVar(&opts.SQLitePath, "sqlite-path", "", "sqlite file, overrides SQLITE_PATH")
	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "postgres URL, overrides DATABASE_URL")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "", "redis address, overrides REDIS_ADDR")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewEventsCommand(opts))
	cmd.AddCommand(NewPresentCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	cfg := config.Load()
	if o.Store != "" {
		cfg.StoreBackend = o.Store
	}
	if o.SQLitePath != "" {
		cfg.SQLitePath = o.SQLitePath
	}
	if o.DatabaseURL != "" {
		cfg.DatabaseURL = o.DatabaseURL
	}
	if o.RedisAddr != "" {
		cfg.RedisAddr = o.RedisAddr
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	o.cfg = cfg
	o.log = zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr(), NoColor: true}).With().Timestamp().Logger()
	logging.SetLevel(cfg.LogLevel)
	return nil
}

// open connects to the configured store and applies the schema.
func (o *RootOptions) open(ctx context.Context) (*backend.Backend, error) {
	b, err := backend.Open(ctx, o.cfg, o.log)
	if err != nil {
		return nil, err
	}
	if err := b.Migrate(ctx); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
