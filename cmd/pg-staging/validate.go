package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the configuration file without contacting any server.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return cmd.Help()
	}

	// Check if file exists
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		log.Error().Str("file", configFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", configFile)
	}

	// Load configuration
	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to parse config")
		return err
	}

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		log.Error().Err(err).Msg("configuration validation failed")
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Restore:")
	fmt.Printf("  Database: %s (owner %s)\n", cfg.Restore.DBName, cfg.Restore.Owner)
	fmt.Printf("  Server: %s\n", cfg.Restore.MaintenanceConn().Target())
	fmt.Printf("  pg_restore: %s\n", cfg.Restore.RestoreCmd)
	fmt.Printf("  Single transaction: %v\n", cfg.Restore.SingleTransaction)
	if len(cfg.Restore.Schemas) == 0 {
		fmt.Println("  Schemas: all")
	} else {
		fmt.Printf("  Schemas: %s\n", strings.Join(cfg.Restore.Schemas, ", "))
		fmt.Printf("  Tables: %s\n", strings.Join(cfg.Restore.Tables, ", "))
	}
	fmt.Println()
	fmt.Println("Archive:")
	fmt.Printf("  Source: %s\n", cfg.Archive.Source)
	fmt.Printf("  Path: %s\n", cfg.Archive.Path)
	if cfg.Archive.Restic != nil {
		fmt.Printf("  Repository: %s\n", cfg.Archive.Restic.Repository)
		fmt.Printf("  Snapshot: %s\n", cfg.Archive.Restic.Snapshot)
	}
	if cfg.Archive.S3 != nil {
		fmt.Printf("  Bucket: %s (%s)\n", cfg.Archive.S3.Bucket, cfg.Archive.S3.Endpoint)
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  PgBouncer: %v\n", cfg.PgBouncer != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)
	fmt.Printf("  Metrics: %v\n", cfg.Metrics != nil)

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		fmt.Printf("  Poll Address: %s\n", cfg.WOL.PollAddress)
	}

	if cfg.PgBouncer != nil {
		fmt.Println()
		fmt.Println("PgBouncer Configuration:")
		fmt.Printf("  Console: %s:%d\n", cfg.PgBouncer.Host, cfg.PgBouncer.Port)
		fmt.Printf("  Config file: %s@%s:%s\n", cfg.PgBouncer.SSH.Username, cfg.PgBouncer.SSH.Host, cfg.PgBouncer.ConfFile)
		if cfg.PgBouncer.Alias != "" {
			fmt.Printf("  Alias: %s -> %s\n", cfg.PgBouncer.Alias, cfg.Restore.DBName)
		}
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if cfg.Metrics != nil {
		fmt.Println()
		fmt.Println("Metrics Configuration:")
		fmt.Printf("  Textfile: %s\n", cfg.Metrics.Textfile)
		fmt.Printf("  Namespace: %s\n", cfg.Metrics.Namespace)
	}

	return nil
}
