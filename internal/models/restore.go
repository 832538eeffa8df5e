package models

import (
	"fmt"
	"strings"
	"time"
)

// RestoreConfig holds everything one restore run needs. It is passed by
// value and never modified once loaded.
type RestoreConfig struct {
	DBName            string // database to create and restore into
	Owner             string // role owning the new database and schemas
	User              string // role used for the maintenance connection
	Password          string
	Host              string
	Port              int
	MaintDB           string // administrative database, "postgres" by default
	Major             string // PostgreSQL major version tag, e.g. "9.1"
	RestoreCmd        string // pg_restore binary
	SingleTransaction bool   // pass -1 to pg_restore
	SSLMode           string // optional libpq sslmode
	Schemas           []string
	Tables            []string // "schema.table" entries
}

// MaintenanceConn returns the parameters of the maintenance connection.
func (c RestoreConfig) MaintenanceConn() ConnParams {
	return ConnParams{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.MaintDB,
		SSLMode:  c.SSLMode,
	}
}

// TargetConn returns the parameters of a connection to the restored database.
func (c RestoreConfig) TargetConn() ConnParams {
	p := c.MaintenanceConn()
	p.Database = c.DBName
	return p
}

// ConnParams identifies a PostgreSQL connection.
type ConnParams struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN renders the parameters as a libpq keyword/value string.
func (p ConnParams) DSN() string {
	parts := []string{
		"host=" + quoteDSNValue(p.Host),
		fmt.Sprintf("port=%d", p.Port),
		"user=" + quoteDSNValue(p.User),
		"dbname=" + quoteDSNValue(p.Database),
	}
	if p.Password != "" {
		parts = append(parts, "password="+quoteDSNValue(p.Password))
	}
	if p.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSNValue(p.SSLMode))
	}
	return strings.Join(parts, " ")
}

// Target renders host:port/dbname for logs and errors.
func (p ConnParams) Target() string {
	return fmt.Sprintf("%s:%d/%s", p.Host, p.Port, p.Database)
}

// PsqlCommand is the psql invocation an operator can use to reproduce a
// connection by hand.
func (p ConnParams) PsqlCommand() string {
	return fmt.Sprintf("psql -U %s -h %s -p %d %s", p.User, p.Host, p.Port, p.Database)
}

func quoteDSNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// RestoreStage is a state of the restore pipeline.
type RestoreStage int

// Pipeline stages, in order. StageFailed is absorbing.
const (
	StageInit RestoreStage = iota
	StageConnected
	StageDatabaseCreated
	StageSchemasCreated
	StageCatalogFiltered
	StageRestored
	StageFailed
)

func (s RestoreStage) String() string {
	switch s {
	case StageInit:
		return "init"
	case StageConnected:
		return "connected"
	case StageDatabaseCreated:
		return "database_created"
	case StageSchemasCreated:
		return "schemas_created"
	case StageCatalogFiltered:
		return "catalog_filtered"
	case StageRestored:
		return "restored"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the pipeline stops in this stage.
func (s RestoreStage) Terminal() bool {
	return s == StageRestored || s == StageFailed
}

// CatalogStats summarizes the filtered listing.
type CatalogStats struct {
	Lines    int
	Kept     int
	Excluded int
	Opaque   int
}

// RestoreResult holds the outcome of one restore pipeline run.
type RestoreResult struct {
	Database    string
	Archive     string
	Stage       RestoreStage // StageRestored, or StageFailed when the run failed
	FailedStage RestoreStage // stage being attempted when the run failed
	Catalog     CatalogStats
	SizeBytes   int64 // 0 when the size could not be read
	Duration    time.Duration
	Error       error
}
