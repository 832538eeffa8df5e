// Package restore runs the restore pipeline: create the target database and
// its schemas, filter the archive catalog, then hand the filtered listing to
// pg_restore.
package restore

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/Hi-Media/pg-staging/internal/services/pgrestore"
	"github.com/Hi-Media/pg-staging/internal/services/postgres"
	"github.com/Hi-Media/pg-staging/internal/toc"
	"github.com/rs/zerolog"
)

// Service defines the interface for the restore pipeline.
type Service interface {
	Run(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error)
}

// Impl implements the Service interface.
type Impl struct {
	db      postgres.Service
	tool    pgrestore.Service
	tempDir string
	logger  zerolog.Logger
}

// New creates a new restore service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		db:     postgres.New(logger),
		tool:   pgrestore.New(logger),
		logger: logger,
	}
}

// NewWithServices creates a new restore service with custom collaborators (for testing).
// An empty tempDir means os.TempDir.
func NewWithServices(logger zerolog.Logger, db postgres.Service, tool pgrestore.Service, tempDir string) *Impl {
	return &Impl{
		db:      db,
		tool:    tool,
		tempDir: tempDir,
		logger:  logger,
	}
}

// session is the mutable state of one run. It is never shared.
type session struct {
	cfg     models.RestoreConfig
	archive string
	filter  toc.FilterSet
	stage   models.RestoreStage
	conn    postgres.MaintenanceConn
	scratch string
	result  *models.RestoreResult
}

type step struct {
	name string
	next models.RestoreStage
	run  func(ctx context.Context, sess *session) error
}

// Run restores archive into cfg.DBName. Any step failure aborts the run: the
// database is left as it is, nothing is retried. The returned result is
// always non-nil once the filter has been built.
func (s *Impl) Run(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
	start := time.Now()

	cfg.Schemas = slices.Clone(cfg.Schemas)
	cfg.Tables = slices.Clone(cfg.Tables)

	filter, err := toc.NewFilterSet(cfg.Schemas, cfg.Tables)
	if err != nil {
		return nil, fmt.Errorf("invalid restore filter: %w", err)
	}

	sess := &session{
		cfg:     cfg,
		archive: archive,
		filter:  filter,
		stage:   models.StageInit,
		result: &models.RestoreResult{
			Database: cfg.DBName,
			Archive:  archive,
		},
	}
	defer s.teardown(sess)

	s.logger.Info().
		Str("database", cfg.DBName).
		Str("archive", archive).
		Str("target", cfg.TargetConn().Target()).
		Msg("starting restore")

	if filter.Enabled() {
		s.logger.Info().
			Strs("schemas", filter.Schemas()).
			Int("tables", len(filter.Tables())).
			Msg("restoring only whitelisted schemas")
	}

	steps := []step{
		{name: "connect", next: models.StageConnected, run: s.connect},
		{name: "create_database", next: models.StageDatabaseCreated, run: s.createDatabase},
		{name: "create_schemas", next: models.StageSchemasCreated, run: s.createSchemas},
		{name: "filter_catalog", next: models.StageCatalogFiltered, run: s.filterCatalog},
		{name: "pg_restore", next: models.StageRestored, run: s.apply},
	}

	for _, st := range steps {
		if err := st.run(ctx, sess); err != nil {
			s.logger.Error().Err(err).
				Str("step", st.name).
				Str("stage", sess.stage.String()).
				Msg("restore failed")

			sess.result.FailedStage = st.next
			sess.stage = models.StageFailed
			sess.result.Stage = sess.stage
			sess.result.Duration = time.Since(start)
			sess.result.Error = err
			return sess.result, err
		}

		sess.stage = st.next
		s.logger.Debug().Str("stage", sess.stage.String()).Msg("stage reached")
	}

	sess.result.Stage = sess.stage
	sess.result.SizeBytes = s.databaseSize(ctx, sess)
	sess.result.Duration = time.Since(start)

	s.logger.Info().
		Str("database", cfg.DBName).
		Dur("duration", sess.result.Duration).
		Msg("restore completed")

	return sess.result, nil
}

func (s *Impl) connect(ctx context.Context, sess *session) error {
	conn, err := s.db.Connect(ctx, sess.cfg.MaintenanceConn())
	if err != nil {
		return err
	}
	sess.conn = conn
	return nil
}

func (s *Impl) createDatabase(ctx context.Context, sess *session) error {
	return sess.conn.CreateDatabase(ctx, sess.cfg.DBName, sess.cfg.Owner)
}

func (s *Impl) createSchemas(ctx context.Context, sess *session) error {
	return s.db.CreateSchemas(ctx, sess.cfg.TargetConn(), sess.cfg.Owner, sess.cfg.Schemas)
}

func (s *Impl) filterCatalog(ctx context.Context, sess *session) error {
	listing, err := s.tool.List(ctx, sess.cfg.RestoreCmd, sess.archive)
	if err != nil {
		return err
	}

	catalogErr := func(err error) error {
		return &models.StagingError{
			Kind:   models.ErrCatalogListFailed,
			Target: sess.archive,
			Err:    err,
		}
	}

	f, err := os.CreateTemp(s.tempDir, "pg-staging-*.list")
	if err != nil {
		return catalogErr(fmt.Errorf("failed to create catalog file: %w", err))
	}
	sess.scratch = f.Name()

	rewriter := toc.NewRewriter(sess.filter).Observe(func(d toc.Decision) {
		if d.Verdict.Excluded() {
			s.logger.Debug().
				Str("id", d.Entry.ID).
				Str("type", d.Entry.Type()).
				Str("schema", d.Attribution.Schema).
				Str("verdict", d.Verdict.String()).
				Msg("excluding catalog entry")
		}
	})

	stats, err := rewriter.Rewrite(f, strings.NewReader(listing))
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing catalog file: %w", closeErr)
	}
	if err != nil {
		return catalogErr(err)
	}

	sess.result.Catalog = models.CatalogStats{
		Lines:    stats.Lines,
		Kept:     stats.Kept,
		Excluded: stats.Excluded,
		Opaque:   stats.Opaque,
	}

	s.logger.Info().
		Str("file", sess.scratch).
		Int("lines", stats.Lines).
		Int("kept", stats.Kept).
		Int("excluded", stats.Excluded).
		Int("excluded_acl", stats.Verdicts[toc.ExcludeACL]).
		Int("excluded_schema", stats.Verdicts[toc.ExcludeSchema]).
		Int("excluded_table_data", stats.Verdicts[toc.ExcludeTableData]).
		Msg("catalog filtered")

	return nil
}

func (s *Impl) apply(ctx context.Context, sess *session) error {
	opts := pgrestore.ApplyOptions{
		RestoreCmd:        sess.cfg.RestoreCmd,
		Host:              sess.cfg.Host,
		Port:              sess.cfg.Port,
		Owner:             sess.cfg.Owner,
		Password:          sess.cfg.Password,
		Database:          sess.cfg.DBName,
		SingleTransaction: sess.cfg.SingleTransaction,
		Schemas:           sess.cfg.Schemas,
		ListFile:          sess.scratch,
		Archive:           sess.archive,
	}

	_, err := s.tool.Apply(ctx, opts)
	return err
}

// databaseSize reports the restored size. A failure only logs a warning.
func (s *Impl) databaseSize(ctx context.Context, sess *session) int64 {
	size, err := sess.conn.DatabaseSize(ctx, sess.cfg.DBName)
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not read restored database size")
		return 0
	}
	return size
}

// teardown releases the connection and the scratch listing on every path.
func (s *Impl) teardown(sess *session) {
	if sess.conn != nil {
		if err := sess.conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close maintenance connection")
		}
	}
	if sess.scratch != "" {
		if err := os.Remove(sess.scratch); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file", sess.scratch).Msg("failed to remove catalog file")
		}
	}
}
