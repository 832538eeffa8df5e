package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/services/archive"
	"github.com/Hi-Media/pg-staging/internal/services/pgrestore"
	"github.com/Hi-Media/pg-staging/internal/toc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var listFile string

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the filtered pg_restore listing",
	Long: `Print the archive catalog as it would be handed to pg_restore -L, with
excluded entries commented out. No database server is contacted.

The catalog comes from --list (a file produced by pg_restore -l, "-" for
stdin) or else from running pg_restore -l on the configured archive.`,
	RunE: runCatalog,
}

func init() {
	catalogCmd.Flags().StringVarP(&listFile, "list", "l", "", "read an existing pg_restore -l listing instead of the archive")
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	filter, err := toc.NewFilterSet(cfg.Restore.Schemas, cfg.Restore.Tables)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	var listing io.Reader
	switch listFile {
	case "":
		archiveSvc := archive.New(log.Logger)
		fetched, err := archiveSvc.Fetch(ctx, cfg.Archive, os.TempDir())
		if err != nil {
			return err
		}
		if fetched.Error != nil {
			return fetched.Error
		}
		defer func() { _ = archiveSvc.Release(fetched) }()

		out, err := pgrestore.New(log.Logger).List(ctx, cfg.Restore.RestoreCmd, fetched.Path)
		if err != nil {
			log.Error().Err(err).Msg("catalog listing failed")
			return err
		}
		listing = strings.NewReader(out)
	case "-":
		listing = cmd.InOrStdin()
	default:
		f, err := os.Open(listFile)
		if err != nil {
			return fmt.Errorf("failed to open listing: %w", err)
		}
		defer func() { _ = f.Close() }()
		listing = f
	}

	rewriter := toc.NewRewriter(filter).Observe(func(d toc.Decision) {
		if d.Verdict.Excluded() {
			log.Debug().
				Str("id", d.Entry.ID).
				Str("type", d.Entry.Type()).
				Str("schema", d.Attribution.Schema).
				Str("verdict", d.Verdict.String()).
				Msg("excluding catalog entry")
		}
	})

	stats, err := rewriter.Rewrite(cmd.OutOrStdout(), listing)
	if err != nil {
		return fmt.Errorf("failed to filter listing: %w", err)
	}

	log.Info().
		Int("lines", stats.Lines).
		Int("kept", stats.Kept).
		Int("excluded", stats.Excluded).
		Int("opaque", stats.Opaque).
		Msg("catalog filtered")

	return nil
}
