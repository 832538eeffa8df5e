// Package postgres provides the PostgreSQL connections used to prepare a
// restore target: the maintenance connection and the short-lived connection
// that creates schemas in the new database.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PublicSchema exists in every new database and is never created.
const PublicSchema = "public"

// Service defines the interface for PostgreSQL connection operations.
type Service interface {
	Connect(ctx context.Context, params models.ConnParams) (MaintenanceConn, error)
	CreateSchemas(ctx context.Context, params models.ConnParams, owner string, schemas []string) error
}

// MaintenanceConn is a single connection to an administrative database. It
// must not be shared between concurrent operations.
type MaintenanceConn interface {
	CreateDatabase(ctx context.Context, name, owner string) error
	DropDatabase(ctx context.Context, name string) error
	DatabaseSize(ctx context.Context, name string) (int64, error)
	Close() error
}

// Opener opens a database handle for a libpq DSN. It allows swapping the
// driver in tests.
type Opener func(dsn string) (*sql.DB, error)

// DefaultOpener opens a lib/pq handle.
func DefaultOpener(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	open   Opener
	logger zerolog.Logger
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		open:   DefaultOpener,
		logger: logger,
	}
}

// NewWithOpener creates a new PostgreSQL service with a custom opener (for testing).
func NewWithOpener(logger zerolog.Logger, open Opener) *Impl {
	return &Impl{
		open:   open,
		logger: logger,
	}
}

// Connect opens the maintenance connection and pins a single session.
func (s *Impl) Connect(ctx context.Context, params models.ConnParams) (MaintenanceConn, error) {
	s.logger.Debug().
		Str("host", params.Host).
		Int("port", params.Port).
		Str("database", params.Database).
		Str("user", params.User).
		Msg("connecting to maintenance database")

	fail := func(err error) error {
		return &models.StagingError{
			Kind:    models.ErrConnectionFailed,
			Target:  params.Target(),
			Command: params.PsqlCommand(),
			Detail:  serverDetail(err),
			Err:     fmt.Errorf("could not connect to server %q: %w", params.Host, err),
		}
	}

	db, err := s.open(params.DSN())
	if err != nil {
		return nil, fail(err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fail(err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, fail(err)
	}

	s.logger.Info().Str("target", params.Target()).Msg("connected to maintenance database")

	return &maintenanceConn{db: db, conn: conn, params: params, logger: s.logger}, nil
}

// CreateSchemas creates every schema but public in the database named by
// params, owned by owner, in one transaction on a dedicated connection.
func (s *Impl) CreateSchemas(ctx context.Context, params models.ConnParams, owner string, schemas []string) error {
	var todo []string
	for _, schema := range schemas {
		if schema == PublicSchema || schema == "pg_catalog" || slices.Contains(todo, schema) {
			continue
		}
		todo = append(todo, schema)
	}

	if len(todo) == 0 {
		s.logger.Debug().Msg("no schema to create")
		return nil
	}

	s.logger.Info().Strs("schemas", todo).Str("owner", owner).Msg("creating schemas")

	var stmts []string
	for _, schema := range todo {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA %s AUTHORIZATION %s",
			pq.QuoteIdentifier(schema), pq.QuoteIdentifier(owner)))
	}

	fail := func(err error) error {
		return &models.StagingError{
			Kind:    models.ErrSchemaCreateFailed,
			Target:  params.Target(),
			Command: fmt.Sprintf("%s -c '%s;'", params.PsqlCommand(), strings.Join(stmts, "; ")),
			Detail:  serverDetail(err),
			Err:     err,
		}
	}

	db, err := s.open(params.DSN())
	if err != nil {
		return fail(err)
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fail(err)
	}

	for _, stmt := range stmts {
		s.logger.Debug().Str("sql", stmt).Msg("executing")
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fail(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(err)
	}

	return nil
}

type maintenanceConn struct {
	db     *sql.DB
	conn   *sql.Conn
	params models.ConnParams
	logger zerolog.Logger
}

// CreateDatabase runs CREATE DATABASE, which cannot run inside a transaction;
// statements on a *sql.Conn outside BeginTx are autocommitted.
func (c *maintenanceConn) CreateDatabase(ctx context.Context, name, owner string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %s WITH OWNER %s", pq.QuoteIdentifier(name), pq.QuoteIdentifier(owner))
	c.logger.Debug().Str("sql", stmt).Msg("executing")

	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return &models.StagingError{
			Kind:   models.ErrDatabaseCreateFailed,
			Target: c.params.Target(),
			Command: fmt.Sprintf("createdb -h %s -p %d -U %s -O %s %s",
				c.params.Host, c.params.Port, c.params.User, owner, name),
			Detail: serverDetail(err),
			Err:    fmt.Errorf("createdb: %w", err),
		}
	}

	c.logger.Info().Str("database", name).Str("owner", owner).Msg("created database")
	return nil
}

// DropDatabase runs DROP DATABASE.
func (c *maintenanceConn) DropDatabase(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP DATABASE %s", pq.QuoteIdentifier(name))
	c.logger.Debug().Str("sql", stmt).Msg("executing")

	if _, err := c.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("dropdb %s: %w", name, err)
	}

	c.logger.Info().Str("database", name).Msg("dropped database")
	return nil
}

// DatabaseSize returns pg_database_size of the named database.
func (c *maintenanceConn) DatabaseSize(ctx context.Context, name string) (int64, error) {
	var size int64
	if err := c.conn.QueryRowContext(ctx, "SELECT pg_database_size($1)", name).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to get database size: %w", err)
	}
	return size, nil
}

// Close releases the pinned session and the handle.
func (c *maintenanceConn) Close() error {
	connErr := c.conn.Close()
	dbErr := c.db.Close()
	return errors.Join(connErr, dbErr)
}

// serverDetail extracts the server-side message and detail of a pq error.
func serverDetail(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return ""
	}

	detail := fmt.Sprintf("%s (SQLSTATE %s)", pqErr.Message, pqErr.Code)
	if pqErr.Detail != "" {
		detail += ": " + pqErr.Detail
	}
	return detail
}
