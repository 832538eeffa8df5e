package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/Hi-Media/pg-staging/internal/services/pgbouncer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var bouncerCmd = &cobra.Command{
	Use:   "bouncer",
	Short: "Inspect and manage the pgbouncer in front of the staging server",
}

var bouncerShowCmd = &cobra.Command{
	Use:       "show <stats|pools|databases>",
	Short:     "Run SHOW on the pgbouncer admin console",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"stats", "pools", "databases"},
	RunE:      runBouncerShow,
}

var bouncerPauseCmd = &cobra.Command{
	Use:   "pause <dbname>",
	Short: "PAUSE a database on the admin console",
	Args:  cobra.ExactArgs(1),
	RunE: bouncerConsole(func(cmd *cobra.Command, svc pgbouncer.Service, cfg models.PgBouncerConfig, db string) error {
		return svc.Pause(cmd.Context(), cfg, db)
	}),
}

var bouncerResumeCmd = &cobra.Command{
	Use:   "resume <dbname>",
	Short: "RESUME a database on the admin console",
	Args:  cobra.ExactArgs(1),
	RunE: bouncerConsole(func(cmd *cobra.Command, svc pgbouncer.Service, cfg models.PgBouncerConfig, db string) error {
		return svc.Resume(cmd.Context(), cfg, db)
	}),
}

var bouncerDropCmd = &cobra.Command{
	Use:   "drop <dbname>",
	Short: "Write a pgbouncer.ini without dbname",
	Long: `Fetch the live pgbouncer.ini over SSH, remove dbname from its
[databases] section and write the result to a temporary file whose path is
printed. Installing the file and reloading pgbouncer is left to the operator.`,
	Args: cobra.ExactArgs(1),
	RunE: bouncerConsole(func(cmd *cobra.Command, svc pgbouncer.Service, cfg models.PgBouncerConfig, db string) error {
		result, err := svc.RemoveDatabase(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), result.ConfigPath)
		return nil
	}),
}

func init() {
	bouncerCmd.AddCommand(bouncerShowCmd, bouncerPauseCmd, bouncerResumeCmd, bouncerDropCmd)
}

// bouncerConsole wraps a single-database pgbouncer action with config
// loading and signal handling.
func bouncerConsole(
	action func(cmd *cobra.Command, svc pgbouncer.Service, cfg models.PgBouncerConfig, db string) error,
) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.PgBouncer == nil {
			return fmt.Errorf("pgbouncer is not configured")
		}

		ctx, cancel := signalContext()
		defer cancel()
		cmd.SetContext(ctx)

		if err := action(cmd, pgbouncer.New(log.Logger), *cfg.PgBouncer, args[0]); err != nil {
			log.Error().Err(err).Str("database", args[0]).Str("command", cmd.Name()).Msg("pgbouncer command failed")
			return err
		}
		return nil
	}
}

func runBouncerShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.PgBouncer == nil {
		return fmt.Errorf("pgbouncer is not configured")
	}

	ctx, cancel := signalContext()
	defer cancel()

	rows, err := pgbouncer.New(log.Logger).Show(ctx, *cfg.PgBouncer, args[0])
	if err != nil {
		log.Error().Err(err).Msg("pgbouncer query failed")
		return err
	}

	out := cmd.OutOrStdout()
	for _, row := range rows {
		fields := make([]string, 0, len(row))
		for _, k := range slices.Sorted(maps.Keys(row)) {
			fields = append(fields, k+"="+row[k])
		}
		_, _ = fmt.Fprintln(out, strings.Join(fields, " "))
	}

	return nil
}
