package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stagingRestore() RestoreConfig {
	return RestoreConfig{
		DBName:   "payment_20101015",
		Owner:    "payment",
		User:     "dba",
		Password: `pa'ss\word`,
		Host:     "staging1",
		Port:     5433,
		MaintDB:  "postgres",
		SSLMode:  "disable",
	}
}

func TestConnParams_DSN(t *testing.T) {
	maint := stagingRestore().MaintenanceConn()

	assert.Equal(t,
		`host='staging1' port=5433 user='dba' dbname='postgres' password='pa\'ss\\word' sslmode='disable'`,
		maint.DSN())

	maint.Password, maint.SSLMode = "", ""
	assert.Equal(t, `host='staging1' port=5433 user='dba' dbname='postgres'`, maint.DSN())
}

func TestRestoreConfig_Connections(t *testing.T) {
	cfg := stagingRestore()

	assert.Equal(t, "staging1:5433/postgres", cfg.MaintenanceConn().Target())
	assert.Equal(t, "staging1:5433/payment_20101015", cfg.TargetConn().Target())
	assert.Equal(t, "psql -U dba -h staging1 -p 5433 postgres", cfg.MaintenanceConn().PsqlCommand())
}

func TestRestoreStage(t *testing.T) {
	stages := []RestoreStage{
		StageInit, StageConnected, StageDatabaseCreated, StageSchemasCreated,
		StageCatalogFiltered, StageRestored, StageFailed,
	}
	names := []string{
		"init", "connected", "database_created", "schemas_created",
		"catalog_filtered", "restored", "failed",
	}

	for i, s := range stages {
		assert.Equal(t, names[i], s.String())
		assert.Equal(t, s == StageRestored || s == StageFailed, s.Terminal(), s.String())
	}
	assert.Equal(t, "unknown", RestoreStage(42).String())
}

func TestStagingError_Format(t *testing.T) {
	tests := []struct {
		name string
		err  *StagingError
		want string
	}{
		{
			name: "cause with hint",
			err: &StagingError{
				Kind:    ErrConnectionFailed,
				Target:  "staging1:5433/postgres",
				Command: "psql -U dba -h staging1 -p 5433 postgres",
				Err:     errors.New("dial tcp: connection refused"),
			},
			want: "ConnectionFailed (staging1:5433/postgres): dial tcp: connection refused\n" +
				"hint: following command might help to debug:\n  psql -U dba -h staging1 -p 5433 postgres",
		},
		{
			name: "exit code and detail",
			err: &StagingError{
				Kind:     ErrRestoreFailed,
				Target:   "staging1:5433/payment_20101015",
				ExitCode: 1,
				Detail:   "pg_restore: [archiver] input file does not appear to be a valid archive\n",
			},
			want: "RestoreFailed (staging1:5433/payment_20101015): exit code 1\n" +
				"detail: pg_restore: [archiver] input file does not appear to be a valid archive",
		},
		{
			name: "kind only",
			err:  &StagingError{Kind: ErrCatalogListFailed},
			want: "CatalogListFailed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	cause := errors.New("permission denied to create database")
	wrapped := fmt.Errorf("restore failed: %w", &StagingError{Kind: ErrDatabaseCreateFailed, Err: cause})

	kind, ok := KindOf(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrDatabaseCreateFailed, kind)
	assert.ErrorIs(t, wrapped, cause)

	_, ok = KindOf(cause)
	assert.False(t, ok)
	assert.Equal(t, "Unknown", ErrorKind(0).String())
}
