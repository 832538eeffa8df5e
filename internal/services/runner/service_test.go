package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

// Mock implementations.
type mockWOLService struct {
	wakeFunc func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

func (m *mockWOLService) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	if m.wakeFunc != nil {
		return m.wakeFunc(ctx, cfg)
	}
	return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
}

type mockArchiveService struct {
	fetchFunc func(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error)
	released  []*models.ArchiveResult
}

func (m *mockArchiveService) Fetch(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, cfg, destDir)
	}
	return &models.ArchiveResult{Path: cfg.Path, SizeBytes: 4096}, nil
}

func (m *mockArchiveService) Release(result *models.ArchiveResult) error {
	m.released = append(m.released, result)
	return nil
}

type mockRestoreService struct {
	runFunc func(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error)
}

func (m *mockRestoreService) Run(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
	if m.runFunc != nil {
		return m.runFunc(ctx, cfg, archive)
	}
	return &models.RestoreResult{
		Database:  cfg.DBName,
		Archive:   archive,
		Stage:     models.StageRestored,
		Catalog:   models.CatalogStats{Lines: 120, Kept: 100, Excluded: 12, Opaque: 8},
		SizeBytes: 1 << 20,
	}, nil
}

type mockPgBouncerService struct {
	switchFunc func(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error)
}

func (m *mockPgBouncerService) Show(ctx context.Context, cfg models.PgBouncerConfig, what string) ([]map[string]string, error) {
	return nil, nil
}

func (m *mockPgBouncerService) FetchConfig(ctx context.Context, cfg models.PgBouncerConfig) (*ini.File, error) {
	return ini.Empty(), nil
}

func (m *mockPgBouncerService) SwitchToDatabase(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error) {
	if m.switchFunc != nil {
		return m.switchFunc(ctx, cfg, alias, realDB)
	}
	return &models.PgBouncerResult{ConfigPath: "/tmp/pgbouncer.1.ini", Alias: alias, Database: realDB}, nil
}

func (m *mockPgBouncerService) RemoveDatabase(ctx context.Context, cfg models.PgBouncerConfig, dbname string) (*models.PgBouncerResult, error) {
	return &models.PgBouncerResult{Database: dbname}, nil
}

func (m *mockPgBouncerService) Pause(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error {
	return nil
}

func (m *mockPgBouncerService) Resume(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error {
	return nil
}

type mockTelegramService struct {
	sendFunc func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

func (m *mockTelegramService) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, cfg, msg)
	}
	return &models.TelegramResult{MessageSent: true}, nil
}

type mockRecorder struct {
	namespace string
	success   bool
	failed    string
	size      int64
	kept      int
	excluded  int
	written   string
	writeErr  error
}

func (m *mockRecorder) RecordRestoreSuccess(duration time.Duration, sizeBytes int64, kept, excluded int) {
	m.success = true
	m.size = sizeBytes
	m.kept = kept
	m.excluded = excluded
}

func (m *mockRecorder) RecordRestoreFailure(step string) {
	m.failed = step
}

func (m *mockRecorder) WriteTextfile(path string) error {
	m.written = path
	return m.writeErr
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func minimalConfig() models.StagingConfig {
	return models.StagingConfig{
		Restore: models.RestoreConfig{
			DBName:     "payment_20101015",
			Owner:      "payment",
			User:       "postgres",
			Host:       "staging1",
			Port:       5432,
			MaintDB:    "postgres",
			RestoreCmd: "pg_restore",
		},
		Archive: models.ArchiveConfig{
			Source: models.ArchiveSourceLocal,
			Path:   "/backups/payment.dump",
		},
	}
}

func defaultServices() Services {
	return Services{
		WOL:       &mockWOLService{},
		Archive:   &mockArchiveService{},
		Restore:   &mockRestoreService{},
		PgBouncer: &mockPgBouncerService{},
		Telegram:  &mockTelegramService{},
	}
}

func TestRun_Success_MinimalConfig(t *testing.T) {
	var capturedArchive string
	var capturedDB string
	svc := defaultServices()
	archiveSvc := &mockArchiveService{}
	svc.Archive = archiveSvc
	svc.Restore = &mockRestoreService{
		runFunc: func(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
			capturedArchive = archive
			capturedDB = cfg.DBName
			return &models.RestoreResult{Database: cfg.DBName, Stage: models.StageRestored}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	err := runner.Run(context.Background(), minimalConfig())

	require.NoError(t, err)
	assert.Equal(t, "/backups/payment.dump", capturedArchive)
	assert.Equal(t, "payment_20101015", capturedDB)
	require.Len(t, archiveSvc.released, 1)
	assert.Equal(t, "/backups/payment.dump", archiveSvc.released[0].Path)
}

func TestRun_ArchiveFetchedIntoTempDir(t *testing.T) {
	dir := t.TempDir()
	var capturedDest string
	svc := defaultServices()
	svc.Archive = &mockArchiveService{
		fetchFunc: func(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
			capturedDest = destDir
			return &models.ArchiveResult{Path: filepath.Join(destDir, "pg-staging-1-payment.dump"), Fetched: true}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, dir)

	require.NoError(t, runner.Run(context.Background(), minimalConfig()))
	assert.Equal(t, dir, capturedDest)
}

func TestRun_WithWOL(t *testing.T) {
	wolCalled := false
	svc := defaultServices()
	svc.WOL = &mockWOLService{
		wakeFunc: func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
			wolCalled = true
			return &models.WOLResult{PacketSent: true, TargetReady: true}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.WOL = &models.WOLConfig{
		MACAddress:   "AA:BB:CC:DD:EE:FF",
		BroadcastIP:  "255.255.255.255",
		PollAddress:  "staging1:5432",
		Timeout:      5 * time.Minute,
		PollInterval: 10 * time.Second,
	}

	err := runner.Run(context.Background(), cfg)

	assert.NoError(t, err)
	assert.True(t, wolCalled)
}

func TestRun_WOLFailure(t *testing.T) {
	restoreCalled := false
	svc := defaultServices()
	svc.WOL = &mockWOLService{
		wakeFunc: func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{Error: errors.New("timeout")}, nil
		},
	}
	svc.Restore = &mockRestoreService{
		runFunc: func(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
			restoreCalled = true
			return &models.RestoreResult{}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF"}

	err := runner.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "WOL failed")
	assert.False(t, restoreCalled)
}

func TestRun_WOLTargetNotReady(t *testing.T) {
	svc := defaultServices()
	svc.WOL = &mockWOLService{
		wakeFunc: func(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
			return &models.WOLResult{PacketSent: true, TargetReady: false}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.WOL = &models.WOLConfig{MACAddress: "AA:BB:CC:DD:EE:FF", PollAddress: "staging1:5432"}

	err := runner.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
}

func TestRun_ArchiveFailure(t *testing.T) {
	archiveSvc := &mockArchiveService{
		fetchFunc: func(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
			return &models.ArchiveResult{Error: errors.New("archive /backups/payment.dump not found")}, nil
		},
	}
	svc := defaultServices()
	svc.Archive = archiveSvc

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	err := runner.Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive fetch failed")
	assert.Empty(t, archiveSvc.released)
}

func TestRun_RestoreFailure(t *testing.T) {
	archiveSvc := &mockArchiveService{}
	restoreErr := &models.StagingError{
		Kind:    models.ErrDatabaseCreateFailed,
		Target:  "staging1:5432/payment_20101015",
		Command: "createdb -h staging1 -p 5432 -U postgres -O payment payment_20101015",
		Detail:  `database "payment_20101015" already exists`,
	}
	svc := defaultServices()
	svc.Archive = archiveSvc
	svc.Restore = &mockRestoreService{
		runFunc: func(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
			return &models.RestoreResult{Stage: models.StageFailed, FailedStage: models.StageDatabaseCreated, Error: restoreErr}, restoreErr
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	err := runner.Run(context.Background(), minimalConfig())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore failed")
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrDatabaseCreateFailed, kind)
	// The archive is released even when the restore fails.
	assert.Len(t, archiveSvc.released, 1)
}

func TestRun_WithPgBouncer(t *testing.T) {
	var capturedAlias, capturedDB string
	svc := defaultServices()
	svc.PgBouncer = &mockPgBouncerService{
		switchFunc: func(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error) {
			capturedAlias, capturedDB = alias, realDB
			return &models.PgBouncerResult{Alias: alias, Database: realDB, ConfigPath: "/tmp/pgbouncer.1.ini"}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.PgBouncer = &models.PgBouncerConfig{Host: "bouncer1", Port: 6432, Alias: "payment"}

	require.NoError(t, runner.Run(context.Background(), cfg))
	assert.Equal(t, "payment", capturedAlias)
	assert.Equal(t, "payment_20101015", capturedDB)
}

func TestRun_PgBouncerWithoutAliasSkipped(t *testing.T) {
	called := false
	svc := defaultServices()
	svc.PgBouncer = &mockPgBouncerService{
		switchFunc: func(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error) {
			called = true
			return &models.PgBouncerResult{}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.PgBouncer = &models.PgBouncerConfig{Host: "bouncer1", Port: 6432}

	require.NoError(t, runner.Run(context.Background(), cfg))
	assert.False(t, called)
}

func TestRun_PgBouncerFailure(t *testing.T) {
	svc := defaultServices()
	svc.PgBouncer = &mockPgBouncerService{
		switchFunc: func(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error) {
			err := &models.StagingError{Kind: models.ErrConfigUnavailable, Err: errors.New("connection refused")}
			return &models.PgBouncerResult{Error: err}, err
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.PgBouncer = &models.PgBouncerConfig{Host: "bouncer1", Alias: "payment"}

	err := runner.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "pgbouncer switch failed")
}

func TestRun_WithTelegram_Success(t *testing.T) {
	var capturedMsg models.TelegramMessage
	svc := defaultServices()
	svc.Telegram = &mockTelegramService{
		sendFunc: func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
			capturedMsg = msg
			return &models.TelegramResult{MessageSent: true}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Restore.Schemas = []string{"payment"}
	cfg.PgBouncer = &models.PgBouncerConfig{Host: "bouncer1", Alias: "payment"}
	cfg.Telegram = &models.TelegramConfig{
		BotToken: "123456:ABC",
		ChatID:   "-100123",
	}

	err := runner.Run(context.Background(), cfg)

	require.NoError(t, err)
	assert.True(t, capturedMsg.Success)
	assert.Equal(t, "staging1", capturedMsg.Host)
	assert.Equal(t, "payment_20101015", capturedMsg.Database)
	assert.Equal(t, "/backups/payment.dump", capturedMsg.Archive)
	assert.Equal(t, []string{"payment"}, capturedMsg.Schemas)
	assert.Equal(t, 100, capturedMsg.EntriesKept)
	assert.Equal(t, 12, capturedMsg.EntriesExcluded)
	assert.Equal(t, int64(1<<20), capturedMsg.SizeBytes)
	assert.Equal(t, "payment", capturedMsg.PgBouncerAlias)
	assert.Empty(t, capturedMsg.FailedStep)
}

func TestRun_WithTelegram_Failure(t *testing.T) {
	var capturedMsg models.TelegramMessage
	svc := defaultServices()
	svc.Telegram = &mockTelegramService{
		sendFunc: func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
			capturedMsg = msg
			return &models.TelegramResult{MessageSent: true}, nil
		},
	}
	svc.Restore = &mockRestoreService{
		runFunc: func(ctx context.Context, cfg models.RestoreConfig, archive string) (*models.RestoreResult, error) {
			err := errors.New("pg_restore: exit status 1")
			return &models.RestoreResult{Error: err}, err
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "123456:ABC", ChatID: "-100123"}

	err := runner.Run(context.Background(), cfg)

	require.Error(t, err)
	assert.False(t, capturedMsg.Success)
	assert.Equal(t, "restore", capturedMsg.FailedStep)
	assert.Contains(t, capturedMsg.ErrorMessage, "pg_restore: exit status 1")
	assert.Zero(t, capturedMsg.EntriesKept)
}

func TestRun_TelegramFailureDoesNotFailRun(t *testing.T) {
	svc := defaultServices()
	svc.Telegram = &mockTelegramService{
		sendFunc: func(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
			return &models.TelegramResult{Error: errors.New("bad request")}, nil
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Telegram = &models.TelegramConfig{BotToken: "123456:ABC", ChatID: "-100123"}

	assert.NoError(t, runner.Run(context.Background(), cfg))
}

func TestRun_Metrics_Success(t *testing.T) {
	rec := &mockRecorder{}
	svc := defaultServices()
	svc.Metrics = func(namespace string) Recorder {
		rec.namespace = namespace
		return rec
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Metrics = &models.MetricsConfig{Textfile: "/var/lib/node_exporter/pg_staging.prom", Namespace: "staging"}

	require.NoError(t, runner.Run(context.Background(), cfg))
	assert.Equal(t, "staging", rec.namespace)
	assert.True(t, rec.success)
	assert.Equal(t, int64(1<<20), rec.size)
	assert.Equal(t, 100, rec.kept)
	assert.Equal(t, 12, rec.excluded)
	assert.Equal(t, "/var/lib/node_exporter/pg_staging.prom", rec.written)
}

func TestRun_Metrics_Failure(t *testing.T) {
	rec := &mockRecorder{}
	svc := defaultServices()
	svc.Metrics = func(string) Recorder { return rec }
	svc.Archive = &mockArchiveService{
		fetchFunc: func(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
			return nil, errors.New("restic: exit status 1")
		},
	}

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Metrics = &models.MetricsConfig{Textfile: "/tmp/pg_staging.prom"}

	require.Error(t, runner.Run(context.Background(), cfg))
	assert.False(t, rec.success)
	assert.Equal(t, "archive", rec.failed)
	assert.Equal(t, "/tmp/pg_staging.prom", rec.written)
}

func TestRun_MetricsWriteFailureDoesNotFailRun(t *testing.T) {
	rec := &mockRecorder{writeErr: errors.New("permission denied")}
	svc := defaultServices()
	svc.Metrics = func(string) Recorder { return rec }

	runner := NewWithServices(testLogger(), svc, t.TempDir())

	cfg := minimalConfig()
	cfg.Metrics = &models.MetricsConfig{Textfile: "/proc/pg_staging.prom"}

	assert.NoError(t, runner.Run(context.Background(), cfg))
}
