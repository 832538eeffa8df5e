package main

import (
	"github.com/Hi-Media/pg-staging/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Execute the staging restore workflow",
	Long: `Execute the complete staging workflow:
1. Wake-on-LAN (if configured)
2. Fetch the archive (local, restic or s3)
3. Connect to the maintenance database
4. Create the target database and its schemas
5. Filter the archive catalog against the schema and table whitelist
6. pg_restore the filtered catalog
7. Point the pgbouncer alias at the new database (if configured)
8. Write metrics and send a Telegram notification (if configured)`,
	RunE: runRestore,
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("database", cfg.Restore.DBName).
		Str("host", cfg.Restore.Host).
		Strs("schemas", cfg.Restore.Schemas).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger)
	if err := runnerSvc.Run(ctx, *cfg); err != nil {
		log.Error().Err(err).Msg("restore failed")
		return err
	}

	log.Info().Msg("restore completed successfully")
	return nil
}
