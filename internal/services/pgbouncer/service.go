// Package pgbouncer queries a pgbouncer admin console and edits its
// configuration so that a client-facing alias points at a freshly restored
// database.
package pgbouncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/Hi-Media/pg-staging/internal/services/ssh"
	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"
)

// AdminDatabase is the pseudo database serving the admin console.
const AdminDatabase = "pgbouncer"

// DatabasesSection lists the databases pgbouncer routes to.
const DatabasesSection = "databases"

// Service defines the interface for pgbouncer operations.
type Service interface {
	Show(ctx context.Context, cfg models.PgBouncerConfig, what string) ([]map[string]string, error)
	FetchConfig(ctx context.Context, cfg models.PgBouncerConfig) (*ini.File, error)
	SwitchToDatabase(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error)
	RemoveDatabase(ctx context.Context, cfg models.PgBouncerConfig, dbname string) (*models.PgBouncerResult, error)
	Pause(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error
	Resume(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Execute runs a command and returns its stdout. Stderr is folded into the error.
func (e *DefaultExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return out, err
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	ssh      ssh.Service
	tempDir  string
	logger   zerolog.Logger
}

// New creates a new pgbouncer service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		ssh:      ssh.New(logger),
		logger:   logger,
	}
}

// NewWithDeps creates a new pgbouncer service with custom dependencies (for testing).
// An empty tempDir means os.TempDir.
func NewWithDeps(logger zerolog.Logger, executor CommandExecutor, sshSvc ssh.Service, tempDir string) *Impl {
	return &Impl{
		executor: executor,
		ssh:      sshSvc,
		tempDir:  tempDir,
		logger:   logger,
	}
}

func (s *Impl) psql(ctx context.Context, cfg models.PgBouncerConfig, sql string) ([]byte, error) {
	psql := cfg.PsqlCmd
	if psql == "" {
		psql = "psql"
	}

	args := []string{
		"-h", cfg.Host,
		"-p", strconv.Itoa(cfg.Port),
		"-U", cfg.User,
		AdminDatabase,
		"-c", sql,
	}

	s.logger.Debug().Str("command", psql+" "+strings.Join(args, " ")).Msg("querying pgbouncer")

	out, err := s.executor.Execute(ctx, psql, args...)
	if err != nil {
		return out, fmt.Errorf("pgbouncer %q on %s:%d failed: %w", sql, cfg.Host, cfg.Port, err)
	}
	return out, nil
}

// Show runs SHOW <what> on the admin console and returns one map per row,
// keyed by column name.
func (s *Impl) Show(ctx context.Context, cfg models.PgBouncerConfig, what string) ([]map[string]string, error) {
	out, err := s.psql(ctx, cfg, fmt.Sprintf("SHOW %s;", what))
	if err != nil {
		return nil, err
	}
	return ParseTable(string(out)), nil
}

// ParseTable parses psql's aligned output: a header line, a dashed rule,
// the rows, then a "(N rows)" footer.
func ParseTable(out string) []map[string]string {
	var header []string
	var rows []map[string]string

	for i, line := range strings.Split(out, "\n") {
		switch {
		case i == 0:
			header = splitColumns(line)
		case i == 1:
			continue
		case strings.TrimSpace(line) == "" || strings.HasPrefix(line, "("):
			continue
		default:
			row := make(map[string]string, len(header))
			for k, col := range splitColumns(line) {
				if k < len(header) {
					row[header[k]] = col
				}
			}
			rows = append(rows, row)
		}
	}

	return rows
}

func splitColumns(line string) []string {
	cols := strings.Split(line, "|")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	return cols
}

// FetchConfig reads and parses the remote pgbouncer.ini.
func (s *Impl) FetchConfig(ctx context.Context, cfg models.PgBouncerConfig) (*ini.File, error) {
	unavailable := func(err error) error {
		return &models.StagingError{
			Kind:    models.ErrConfigUnavailable,
			Target:  fmt.Sprintf("%s:%s", cfg.SSH.Host, cfg.ConfFile),
			Command: fmt.Sprintf("ssh %s@%s cat %s", cfg.SSH.Username, cfg.SSH.Host, cfg.ConfFile),
			Err:     err,
		}
	}

	result, err := s.ssh.Cat(ctx, cfg.SSH, cfg.ConfFile)
	if err != nil {
		return nil, unavailable(err)
	}
	if result.Error != nil {
		return nil, unavailable(result.Error)
	}

	conf, err := ini.Load([]byte(result.Output))
	if err != nil {
		return nil, unavailable(fmt.Errorf("failed to parse %s: %w", cfg.ConfFile, err))
	}

	return conf, nil
}

func dsn(dbname string, port int) string {
	return fmt.Sprintf("dbname=%s port=%d", dbname, port)
}

// AddDatabase routes dbname to the local backend unless it is already listed.
func AddDatabase(conf *ini.File, dbname string, port int) {
	section := conf.Section(DatabasesSection)
	if section.HasKey(dbname) {
		return
	}
	section.Key(dbname).SetValue(dsn(dbname, port))
}

// DelDatabase removes dbname from the databases section.
func DelDatabase(conf *ini.File, dbname string) error {
	section := conf.Section(DatabasesSection)
	if !section.HasKey(dbname) {
		return fmt.Errorf("unable to find %q in pgbouncer", dbname)
	}
	section.DeleteKey(dbname)
	return nil
}

// SwitchDatabase makes alias point at realDB, and lists realDB itself.
func SwitchDatabase(conf *ini.File, alias, realDB string, port int) {
	AddDatabase(conf, realDB, port)
	conf.Section(DatabasesSection).Key(alias).SetValue(dsn(realDB, port))
}

// Write saves conf to a new pgbouncer.*.ini file in dir and returns its path.
func Write(conf *ini.File, dir string) (string, error) {
	f, err := os.CreateTemp(dir, "pgbouncer.*.ini")
	if err != nil {
		return "", fmt.Errorf("failed to create pgbouncer config: %w", err)
	}

	if _, err := conf.WriteTo(f); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write pgbouncer config: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write pgbouncer config: %w", err)
	}

	return f.Name(), nil
}

// SwitchToDatabase fetches the live configuration, points alias at realDB
// and writes the result to a local file. Installing the file and reloading
// pgbouncer is left to the operator.
func (s *Impl) SwitchToDatabase(ctx context.Context, cfg models.PgBouncerConfig, alias, realDB string) (*models.PgBouncerResult, error) {
	result := &models.PgBouncerResult{Alias: alias, Database: realDB}

	conf, err := s.FetchConfig(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, err
	}

	SwitchDatabase(conf, alias, realDB, cfg.BackendPort)

	path, err := Write(conf, s.tempDir)
	if err != nil {
		result.Error = err
		return result, err
	}
	result.ConfigPath = path

	s.logger.Info().
		Str("alias", alias).
		Str("database", realDB).
		Str("file", path).
		Msg("new pgbouncer.ini generated")

	return result, nil
}

// RemoveDatabase fetches the live configuration, drops dbname from it and
// writes the result to a local file.
func (s *Impl) RemoveDatabase(ctx context.Context, cfg models.PgBouncerConfig, dbname string) (*models.PgBouncerResult, error) {
	result := &models.PgBouncerResult{Database: dbname}

	conf, err := s.FetchConfig(ctx, cfg)
	if err != nil {
		result.Error = err
		return result, err
	}

	if err := DelDatabase(conf, dbname); err != nil {
		result.Error = err
		return result, err
	}

	if result.ConfigPath, err = Write(conf, s.tempDir); err != nil {
		result.Error = err
		return result, err
	}

	s.logger.Info().
		Str("database", dbname).
		Str("file", result.ConfigPath).
		Msg("new pgbouncer.ini generated")

	return result, nil
}

// Pause runs PAUSE on dbname.
func (s *Impl) Pause(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error {
	s.logger.Info().Str("database", dbname).Msg("pausing pgbouncer database")
	_, err := s.psql(ctx, cfg, fmt.Sprintf("PAUSE %s;", dbname))
	return err
}

// Resume runs RESUME on dbname.
func (s *Impl) Resume(ctx context.Context, cfg models.PgBouncerConfig, dbname string) error {
	s.logger.Info().Str("database", dbname).Msg("resuming pgbouncer database")
	_, err := s.psql(ctx, cfg, fmt.Sprintf("RESUME %s;", dbname))
	return err
}
