// Package archive locates the pg_dump archive to restore and, when it lives
// in a restic repository or an S3 bucket, copies it to a local file first.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// Service defines the interface for archive retrieval.
type Service interface {
	Fetch(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error)
	Release(result *models.ArchiveResult) error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	// ExecuteToFile runs a command writing its stdout to outputPath.
	ExecuteToFile(ctx context.Context, env []string, outputPath string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteToFile runs a command with additional environment variables and
// writes stdout to outputPath. Stderr is captured for error reporting.
func (e *DefaultExecutor) ExecuteToFile(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = outFile.Close() }()

	var stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = outFile
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s failed: %w, stderr: %s", filepath.Base(name), err, msg)
		}
		return fmt.Errorf("%s failed: %w", filepath.Base(name), err)
	}

	return outFile.Close()
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	s3       S3ClientFactory
	logger   zerolog.Logger
}

// New creates a new archive service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		s3:       NewMinioClient,
		logger:   logger,
	}
}

// NewWithDeps creates a new archive service with custom dependencies (for testing).
func NewWithDeps(logger zerolog.Logger, executor CommandExecutor, s3 S3ClientFactory) *Impl {
	return &Impl{
		executor: executor,
		s3:       s3,
		logger:   logger,
	}
}

// Fetch makes the configured archive available as a local file.
func (s *Impl) Fetch(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
	start := time.Now()

	var result *models.ArchiveResult
	var err error

	switch cfg.Source {
	case "", models.ArchiveSourceLocal:
		result, err = s.local(cfg)
	case models.ArchiveSourceRestic:
		result, err = s.fetchRestic(ctx, cfg, destDir)
	case models.ArchiveSourceS3:
		result, err = s.fetchS3(ctx, cfg, destDir)
	default:
		err = fmt.Errorf("unknown archive source %q", cfg.Source)
	}

	if result == nil {
		result = &models.ArchiveResult{}
	}
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = err
		return result, err
	}

	s.logger.Info().
		Str("source", cfg.Source).
		Str("path", result.Path).
		Str("size", humanize.IBytes(uint64(result.SizeBytes))).
		Dur("duration", result.Duration).
		Msg("archive ready")

	return result, nil
}

// Release removes a fetched copy. Local archives are never touched.
func (s *Impl) Release(result *models.ArchiveResult) error {
	if result == nil || !result.Fetched || result.Path == "" {
		return nil
	}
	if err := os.Remove(result.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove fetched archive: %w", err)
	}
	s.logger.Debug().Str("path", result.Path).Msg("fetched archive removed")
	return nil
}

func (s *Impl) local(cfg models.ArchiveConfig) (*models.ArchiveResult, error) {
	info, err := os.Stat(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("archive not readable: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("archive %s is a directory", cfg.Path)
	}
	return &models.ArchiveResult{Path: cfg.Path, SizeBytes: info.Size()}, nil
}

func buildResticEnv(cfg *models.ResticSource) []string {
	env := []string{
		fmt.Sprintf("RESTIC_REPOSITORY=%s", cfg.Repository),
		fmt.Sprintf("RESTIC_PASSWORD=%s", cfg.Password),
	}

	if cfg.RestUser != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_USERNAME=%s", cfg.RestUser))
	}
	if cfg.RestPassword != "" {
		env = append(env, fmt.Sprintf("RESTIC_REST_PASSWORD=%s", cfg.RestPassword))
	}

	return env
}

// fetchRestic runs `restic dump <snapshot> <path>` into a temporary file.
func (s *Impl) fetchRestic(ctx context.Context, cfg models.ArchiveConfig, destDir string) (*models.ArchiveResult, error) {
	if cfg.Restic == nil {
		return nil, fmt.Errorf("restic source is not configured")
	}

	snapshot := cfg.Restic.Snapshot
	if snapshot == "" {
		snapshot = "latest"
	}

	args := []string{"dump"}
	if cfg.Restic.Host != "" {
		args = append(args, "--host", cfg.Restic.Host)
	}
	args = append(args, snapshot, cfg.Path)

	s.logger.Info().
		Str("repository", cfg.Restic.Repository).
		Str("snapshot", snapshot).
		Str("path", cfg.Path).
		Msg("dumping archive from restic")

	out, err := tempPath(destDir, cfg.Path)
	if err != nil {
		return nil, err
	}

	if err := s.executor.ExecuteToFile(ctx, buildResticEnv(cfg.Restic), out, "restic", args...); err != nil {
		_ = os.Remove(out)
		return nil, fmt.Errorf("restic dump failed: %w", err)
	}

	return fetched(out)
}

// tempPath reserves a file in destDir named after the archive.
func tempPath(destDir, name string) (string, error) {
	f, err := os.CreateTemp(destDir, "pg-staging-*-"+filepath.Base(name))
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func fetched(path string) (*models.ArchiveResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to stat fetched archive: %w", err)
	}
	if info.Size() == 0 {
		_ = os.Remove(path)
		return nil, fmt.Errorf("fetched archive is empty")
	}
	return &models.ArchiveResult{Path: path, SizeBytes: info.Size(), Fetched: true}, nil
}
