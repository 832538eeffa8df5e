package main

import (
	"github.com/Hi-Media/pg-staging/internal/services/postgres"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var dropdbCmd = &cobra.Command{
	Use:   "dropdb [dbname]",
	Short: "Drop a staging database",
	Long: `Drop a database through the maintenance connection. Defaults to the
configured restore.dbname. Nothing is dropped automatically after a failed
restore; use this command to clean up before retrying.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDropDB,
}

func runDropDB(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbname := cfg.Restore.DBName
	if len(args) == 1 {
		dbname = args[0]
	}

	ctx, cancel := signalContext()
	defer cancel()

	conn, err := postgres.New(log.Logger).Connect(ctx, cfg.Restore.MaintenanceConn())
	if err != nil {
		log.Error().Err(err).Msg("connection failed")
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := conn.DropDatabase(ctx, dbname); err != nil {
		log.Error().Err(err).Str("database", dbname).Msg("dropdb failed")
		return err
	}

	log.Info().Str("database", dbname).Msg("database dropped")
	return nil
}
