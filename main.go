package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	_ "time/tzdata"

	"lexora/internal/config"
	"lexora/library"

	"github.com/spf13/cobra"
)

const defaultConfigFile = "lexora.yaml"

// app bundles what every command needs. The database is opened here and
// closed here; the manager only borrows it.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *library.Database
	mgr    *library.LibraryManager
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	db, err := library.OpenDatabase(library.DatabaseOptions{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.BusyTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mgr, err := newManager(cfg, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("database ready", "driver", db.Driver(), "path", cfg.Database.Path)
	return &app{cfg: cfg, logger: logger, db: db, mgr: mgr}, nil
}

func newManager(cfg *config.Config, db *library.Database, logger *slog.Logger) (*library.LibraryManager, error) {
	rate, err := cfg.DailyFineRate()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return library.NewLibraryManager(db,
		library.WithLogger(logger),
		library.WithClock(library.SystemClock(loc)),
		library.WithPolicy(library.Policy{
			DailyFineRate:  rate,
			LoanPeriodDays: cfg.Circulation.LoanPeriodDays,
			MaxRenewals:    cfg.Circulation.MaxRenewals,
		}),
		library.WithRetry(
			library.WithMaxAttempts(cfg.Retry.MaxAttempts),
			library.WithBaseDelay(cfg.RetryBaseDelay()),
		),
	)
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func (a *app) Close() error { return a.db.Close() }

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "lexora",
		Short:         "Library circulation: issue, return and track loans",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runShell(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigFile, "path to the YAML config file")

	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := openApp(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, args)
		}
	}
	root.AddCommand(
		newIssueCmd(withApp),
		newReturnCmd(withApp),
		newRenewCmd(withApp),
		newOverdueCmd(withApp),
		newLoansCmd(withApp),
		newStatsCmd(withApp),
		newAddBookCmd(withApp),
		newAddMemberCmd(withApp),
		newSetCopiesCmd(withApp),
		newFineCmd(&configPath),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
