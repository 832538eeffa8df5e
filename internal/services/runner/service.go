// Package runner orchestrates a staging refresh: wake the database host,
// fetch the archive, restore it, then repoint pgbouncer.
package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/Hi-Media/pg-staging/internal/metrics"
	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/Hi-Media/pg-staging/internal/services/archive"
	"github.com/Hi-Media/pg-staging/internal/services/pgbouncer"
	"github.com/Hi-Media/pg-staging/internal/services/restore"
	"github.com/Hi-Media/pg-staging/internal/services/telegram"
	"github.com/Hi-Media/pg-staging/internal/services/wol"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Service defines the interface for the staging runner.
type Service interface {
	Run(ctx context.Context, cfg models.StagingConfig) error
}

// Recorder receives the outcome of a run.
type Recorder interface {
	RecordRestoreSuccess(duration time.Duration, sizeBytes int64, kept, excluded int)
	RecordRestoreFailure(step string)
	WriteTextfile(path string) error
}

// RecorderFactory builds a Recorder for a metric namespace.
type RecorderFactory func(namespace string) Recorder

// Services groups the collaborators of the runner.
type Services struct {
	WOL       wol.Service
	Archive   archive.Service
	Restore   restore.Service
	PgBouncer pgbouncer.Service
	Telegram  telegram.Service
	Metrics   RecorderFactory
}

// Impl implements the runner Service interface.
type Impl struct {
	svc     Services
	logger  zerolog.Logger
	tempDir string
}

// New creates a new runner service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		svc: Services{
			WOL:       wol.New(logger),
			Archive:   archive.New(logger),
			Restore:   restore.New(logger),
			PgBouncer: pgbouncer.New(logger),
			Telegram:  telegram.New(logger),
			Metrics:   func(namespace string) Recorder { return metrics.New(namespace) },
		},
		logger:  logger,
		tempDir: os.TempDir(),
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(logger zerolog.Logger, svc Services, tempDir string) *Impl {
	return &Impl{
		svc:     svc,
		logger:  logger,
		tempDir: tempDir,
	}
}

// Run executes the complete staging workflow.
//
//nolint:gocognit,gocyclo // one branch per workflow step
func (s *Impl) Run(ctx context.Context, cfg models.StagingConfig) error {
	startTime := time.Now()
	var failedStep string
	var runErr error
	var restoreResult *models.RestoreResult
	var switched *models.PgBouncerResult

	s.logger.Info().
		Str("database", cfg.Restore.DBName).
		Str("host", cfg.Restore.Host).
		Str("source", cfg.Archive.Source).
		Msg("starting staging run")

	defer func() {
		if cfg.Metrics != nil {
			s.writeMetrics(*cfg.Metrics, failedStep, runErr, restoreResult, time.Since(startTime))
		}
		if cfg.Telegram != nil {
			s.sendNotification(ctx, cfg, startTime, failedStep, runErr, restoreResult, switched)
		}
	}()

	// Step 1: Wake-on-LAN (if configured)
	if cfg.WOL != nil {
		failedStep = "wol"
		if err := s.runWOL(ctx, cfg.WOL); err != nil {
			runErr = err
			return err
		}
	}

	// Step 2: Fetch the archive
	failedStep = "archive"
	fetched, err := s.svc.Archive.Fetch(ctx, cfg.Archive, s.tempDir)
	if err != nil {
		runErr = err
		return fmt.Errorf("archive fetch failed: %w", err)
	}
	if fetched.Error != nil {
		runErr = fetched.Error
		return fmt.Errorf("archive fetch failed: %w", fetched.Error)
	}
	defer func() {
		if err := s.svc.Archive.Release(fetched); err != nil {
			s.logger.Warn().Err(err).Str("path", fetched.Path).Msg("failed to remove fetched archive")
		}
	}()

	// Step 3: Restore
	failedStep = "restore"
	restoreResult, err = s.svc.Restore.Run(ctx, cfg.Restore, fetched.Path)
	if err != nil {
		runErr = err
		return fmt.Errorf("restore failed: %w", err)
	}
	if restoreResult.Error != nil {
		runErr = restoreResult.Error
		return fmt.Errorf("restore failed: %w", restoreResult.Error)
	}

	s.logger.Info().
		Str("database", restoreResult.Database).
		Int("entries_kept", restoreResult.Catalog.Kept).
		Int("entries_excluded", restoreResult.Catalog.Excluded).
		Str("size", humanize.IBytes(uint64(max(restoreResult.SizeBytes, 0)))).
		Dur("duration", restoreResult.Duration).
		Msg("restore completed")

	// Step 4: Repoint pgbouncer (if configured)
	if cfg.PgBouncer != nil && cfg.PgBouncer.Alias != "" {
		failedStep = "pgbouncer"
		switched, err = s.svc.PgBouncer.SwitchToDatabase(ctx, *cfg.PgBouncer, cfg.PgBouncer.Alias, cfg.Restore.DBName)
		if err != nil {
			runErr = err
			return fmt.Errorf("pgbouncer switch failed: %w", err)
		}
		if switched.Error != nil {
			runErr = switched.Error
			return fmt.Errorf("pgbouncer switch failed: %w", switched.Error)
		}
	}

	// Success - clear failedStep
	failedStep = ""
	s.logger.Info().
		Dur("duration", time.Since(startTime)).
		Msg("staging run completed successfully")

	return nil
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", cfg.PollAddress).
		Msg("sending Wake-on-LAN packet")

	result, err := s.svc.WOL.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}

	if !result.TargetReady && cfg.PollAddress != "" {
		return fmt.Errorf("target did not become ready after WOL")
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

func (s *Impl) writeMetrics(
	cfg models.MetricsConfig,
	failedStep string,
	runErr error,
	result *models.RestoreResult,
	duration time.Duration,
) {
	if s.svc.Metrics == nil || cfg.Textfile == "" {
		return
	}

	rec := s.svc.Metrics(cfg.Namespace)
	if runErr != nil {
		rec.RecordRestoreFailure(failedStep)
	} else {
		var size int64
		var kept, excluded int
		if result != nil {
			size = result.SizeBytes
			kept, excluded = result.Catalog.Kept, result.Catalog.Excluded
		}
		rec.RecordRestoreSuccess(duration, size, kept, excluded)
	}

	if err := rec.WriteTextfile(cfg.Textfile); err != nil {
		s.logger.Error().Err(err).Str("file", cfg.Textfile).Msg("failed to write metrics")
		return
	}

	s.logger.Debug().Str("file", cfg.Textfile).Msg("metrics written")
}

func (s *Impl) sendNotification(
	ctx context.Context,
	cfg models.StagingConfig,
	startTime time.Time,
	failedStep string,
	runErr error,
	result *models.RestoreResult,
	switched *models.PgBouncerResult,
) {
	msg := models.TelegramMessage{
		Success:   runErr == nil,
		Database:  cfg.Restore.DBName,
		Host:      cfg.Restore.Host,
		Archive:   cfg.Archive.Path,
		StartTime: startTime,
		Duration:  time.Since(startTime),
		Schemas:   cfg.Restore.Schemas,
	}

	if runErr != nil {
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	if runErr == nil && result != nil {
		msg.SizeBytes = result.SizeBytes
		msg.EntriesKept = result.Catalog.Kept
		msg.EntriesExcluded = result.Catalog.Excluded
	}

	if runErr == nil && switched != nil {
		msg.PgBouncerAlias = switched.Alias
	}

	sent, err := s.svc.Telegram.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if sent.Error != nil {
		s.logger.Error().Err(sent.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
