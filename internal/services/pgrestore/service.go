// Package pgrestore drives the pg_restore binary: it lists the table of
// contents of an archive and applies a filtered listing to a database.
package pgrestore

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/rs/zerolog"
)

// DefaultCommand returns the pg_restore path of a Debian-style install for
// the given major version, or the one on the default path.
func DefaultCommand(major string) string {
	if major == "" {
		return "/usr/bin/pg_restore"
	}
	return fmt.Sprintf("/usr/lib/postgresql/%s/bin/pg_restore", major)
}

// Service defines the interface for pg_restore operations.
type Service interface {
	List(ctx context.Context, restoreCmd, archive string) (string, error)
	Apply(ctx context.Context, opts ApplyOptions) (*ApplyResult, error)
}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	// Output runs the command and returns its stdout and stderr separately.
	Output(ctx context.Context, env []string, name string, args ...string) (stdout, stderr []byte, err error)
	// Stream runs the command and calls onLine for every line of its merged
	// stdout and stderr. It returns once the output is closed and the
	// command has exited.
	Stream(ctx context.Context, env []string, onLine func(string), name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// Output runs a command capturing stdout and stderr.
func (e *DefaultExecutor) Output(ctx context.Context, env []string, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), wrapExit(err)
}

// Stream runs a command, merging stderr into stdout.
func (e *DefaultExecutor) Stream(ctx context.Context, env []string, onLine func(string), name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return err
	}

	// Lines have no length limit; the exit status alone decides success.
	reader := bufio.NewReader(out)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			onLine(strings.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, out)
			}
			break
		}
	}

	return wrapExit(cmd.Wait())
}

func wrapExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Err: err}
	}
	return err
}

// ApplyOptions describes one pg_restore run against a target database.
type ApplyOptions struct {
	RestoreCmd        string
	Host              string
	Port              int
	Owner             string
	Password          string
	Database          string
	SingleTransaction bool
	Schemas           []string // emitted as -n flags, in order, once each
	ListFile          string
	Archive           string
}

// Args returns the pg_restore argument vector.
func (o ApplyOptions) Args() []string {
	var args []string
	if o.SingleTransaction {
		args = append(args, "-1")
	}
	args = append(args,
		"-h", o.Host,
		"-p", strconv.Itoa(o.Port),
		"-U", o.Owner,
		"-d", o.Database,
	)
	seen := make(map[string]bool, len(o.Schemas))
	for _, schema := range o.Schemas {
		if seen[schema] {
			continue
		}
		seen[schema] = true
		args = append(args, "-n", schema)
	}
	args = append(args, "-L", o.ListFile, o.Archive)
	return args
}

// CommandLine renders the full invocation, for logs and error hints.
func (o ApplyOptions) CommandLine() string {
	return o.RestoreCmd + " " + strings.Join(o.Args(), " ")
}

// ApplyResult holds the outcome of a pg_restore run.
type ApplyResult struct {
	Lines    int
	Duration time.Duration
}

// Impl implements the Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new pg_restore service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new pg_restore service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// List runs `pg_restore -l` and returns the listing it printed.
func (s *Impl) List(ctx context.Context, restoreCmd, archive string) (string, error) {
	s.logger.Debug().Str("command", restoreCmd).Str("archive", archive).Msg("listing archive catalog")

	stdout, stderr, err := s.executor.Output(ctx, nil, restoreCmd, "-l", archive)
	if err != nil {
		return "", &models.StagingError{
			Kind:     models.ErrCatalogListFailed,
			Target:   archive,
			Command:  fmt.Sprintf("%s -l %s", restoreCmd, archive),
			ExitCode: exitCode(err),
			Detail:   strings.TrimSpace(string(stderr)),
			Err:      fmt.Errorf("%s: %w", filepath.Base(restoreCmd), err),
		}
	}

	return string(stdout), nil
}

// Apply runs pg_restore with the filtered listing. Every output line is
// logged as it arrives.
func (s *Impl) Apply(ctx context.Context, opts ApplyOptions) (*ApplyResult, error) {
	start := time.Now()
	s.logger.Info().Str("command", opts.CommandLine()).Msg("running pg_restore")

	var env []string
	if opts.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", opts.Password))
	}

	result := &ApplyResult{}
	var tail []string
	onLine := func(line string) {
		result.Lines++
		s.logger.Debug().Str("source", "pg_restore").Msg(line)
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	}

	err := s.executor.Stream(ctx, env, onLine, opts.RestoreCmd, opts.Args()...)
	result.Duration = time.Since(start)
	if err != nil {
		return result, &models.StagingError{
			Kind:     models.ErrRestoreFailed,
			Target:   fmt.Sprintf("%s:%d/%s", opts.Host, opts.Port, opts.Database),
			Command:  opts.CommandLine(),
			ExitCode: exitCode(err),
			Detail:   strings.Join(tail, "\n"),
			Err:      fmt.Errorf("%s: %w", filepath.Base(opts.RestoreCmd), err),
		}
	}

	s.logger.Info().Dur("duration", result.Duration).Msg("pg_restore completed")
	return result, nil
}

// tailLines is how much pg_restore output an error keeps.
const tailLines = 20

func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 0
}
