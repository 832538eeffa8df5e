package pgbouncer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

type mockExecutor struct {
	executeFunc func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args ...string) ([]byte, error) {
	if m.executeFunc != nil {
		return m.executeFunc(ctx, name, args...)
	}
	return nil, nil
}

type mockSSH struct {
	catFunc func(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error)
}

func (m *mockSSH) Cat(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error) {
	if m.catFunc != nil {
		return m.catFunc(ctx, cfg, path)
	}
	return &models.SSHResult{CommandRun: true, Output: testIni}, nil
}

const testIni = `[databases]
payment = dbname=payment_20100301 port=5432
webadmin = dbname=webadmin port=5432

[pgbouncer]
listen_port = 6432
auth_type = md5
`

const showPools = ` database  |   user   | cl_active | cl_waiting
-----------+----------+-----------+------------
 payment   | payment  |        12 |          0
 pgbouncer | pgbouncer|         1 |          0
(2 rows)

`

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.PgBouncerConfig {
	return models.PgBouncerConfig{
		Host:        "bouncer1",
		Port:        6432,
		User:        "postgres",
		ConfFile:    "/etc/pgbouncer/pgbouncer.ini",
		Alias:       "payment",
		BackendPort: 5432,
		SSH: models.SSHConfig{
			Host:     "bouncer1",
			Port:     22,
			Username: "postgres",
		},
	}
}

func loadIni(t *testing.T, content string) *ini.File {
	t.Helper()
	conf, err := ini.Load([]byte(content))
	require.NoError(t, err)
	return conf
}

func TestParseTable(t *testing.T) {
	rows := ParseTable(showPools)

	require.Len(t, rows, 2)
	assert.Equal(t, "payment", rows[0]["database"])
	assert.Equal(t, "12", rows[0]["cl_active"])
	assert.Equal(t, "pgbouncer", rows[1]["user"])
}

func TestParseTable_Empty(t *testing.T) {
	assert.Empty(t, ParseTable(""))
	assert.Empty(t, ParseTable(" database \n----------\n(0 rows)\n"))
}

func TestShow(t *testing.T) {
	var capturedName string
	var capturedArgs []string

	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			capturedName = name
			capturedArgs = args
			return []byte(showPools), nil
		},
	}

	svc := NewWithDeps(testLogger(), executor, &mockSSH{}, t.TempDir())
	rows, err := svc.Show(context.Background(), testConfig(), "pools")

	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.Equal(t, "psql", capturedName)
	assert.Equal(t, []string{"-h", "bouncer1", "-p", "6432", "-U", "postgres", "pgbouncer", "-c", "SHOW pools;"}, capturedArgs)
}

func TestShow_Failure(t *testing.T) {
	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("exit status 2: psql: could not connect to server")
		},
	}

	svc := NewWithDeps(testLogger(), executor, &mockSSH{}, t.TempDir())
	_, err := svc.Show(context.Background(), testConfig(), "stats")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bouncer1:6432")
	assert.Contains(t, err.Error(), "could not connect")
}

func TestPauseResume(t *testing.T) {
	var commands []string
	cfg := testConfig()
	cfg.PsqlCmd = "/usr/bin/psql"

	executor := &mockExecutor{
		executeFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "/usr/bin/psql", name)
			commands = append(commands, args[len(args)-1])
			return nil, nil
		},
	}

	svc := NewWithDeps(testLogger(), executor, &mockSSH{}, t.TempDir())

	require.NoError(t, svc.Pause(context.Background(), cfg, "payment"))
	require.NoError(t, svc.Resume(context.Background(), cfg, "payment"))
	assert.Equal(t, []string{"PAUSE payment;", "RESUME payment;"}, commands)
}

func TestFetchConfig(t *testing.T) {
	var capturedPath string
	sshSvc := &mockSSH{
		catFunc: func(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error) {
			capturedPath = path
			return &models.SSHResult{CommandRun: true, Output: testIni}, nil
		},
	}

	svc := NewWithDeps(testLogger(), &mockExecutor{}, sshSvc, t.TempDir())
	conf, err := svc.FetchConfig(context.Background(), testConfig())

	require.NoError(t, err)
	assert.Equal(t, "/etc/pgbouncer/pgbouncer.ini", capturedPath)
	assert.Equal(t, "dbname=payment_20100301 port=5432", conf.Section(DatabasesSection).Key("payment").String())
	assert.Equal(t, "6432", conf.Section("pgbouncer").Key("listen_port").String())
}

func TestFetchConfig_Unavailable(t *testing.T) {
	sshSvc := &mockSSH{
		catFunc: func(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error) {
			return &models.SSHResult{Error: errors.New("failed to connect: connection refused")}, nil
		},
	}

	svc := NewWithDeps(testLogger(), &mockExecutor{}, sshSvc, t.TempDir())
	_, err := svc.FetchConfig(context.Background(), testConfig())

	require.Error(t, err)
	kind, ok := models.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, models.ErrConfigUnavailable, kind)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "ssh postgres@bouncer1 cat /etc/pgbouncer/pgbouncer.ini")
}

func TestAddDatabase(t *testing.T) {
	conf := loadIni(t, testIni)

	AddDatabase(conf, "payment_20101015", 5433)
	AddDatabase(conf, "payment", 5433)

	section := conf.Section(DatabasesSection)
	assert.Equal(t, "dbname=payment_20101015 port=5433", section.Key("payment_20101015").String())
	// Existing entries are left alone.
	assert.Equal(t, "dbname=payment_20100301 port=5432", section.Key("payment").String())
}

func TestDelDatabase(t *testing.T) {
	conf := loadIni(t, testIni)

	require.NoError(t, DelDatabase(conf, "webadmin"))
	assert.False(t, conf.Section(DatabasesSection).HasKey("webadmin"))

	err := DelDatabase(conf, "webadmin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unable to find "webadmin"`)
}

func TestSwitchDatabase(t *testing.T) {
	conf := loadIni(t, testIni)

	SwitchDatabase(conf, "payment", "payment_20101015", 5432)

	section := conf.Section(DatabasesSection)
	assert.Equal(t, "dbname=payment_20101015 port=5432", section.Key("payment").String())
	assert.Equal(t, "dbname=payment_20101015 port=5432", section.Key("payment_20101015").String())
	assert.Equal(t, "dbname=webadmin port=5432", section.Key("webadmin").String())
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	conf := loadIni(t, testIni)

	path, err := Write(conf, dir)

	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, strings.HasPrefix(filepath.Base(path), "pgbouncer."))
	assert.True(t, strings.HasSuffix(path, ".ini"))

	reloaded, err := ini.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dbname=webadmin port=5432", reloaded.Section(DatabasesSection).Key("webadmin").String())
}

func TestWrite_BadDir(t *testing.T) {
	_, err := Write(loadIni(t, testIni), filepath.Join(t.TempDir(), "missing"))

	require.Error(t, err)
}

func TestSwitchToDatabase(t *testing.T) {
	dir := t.TempDir()
	svc := NewWithDeps(testLogger(), &mockExecutor{}, &mockSSH{}, dir)

	result, err := svc.SwitchToDatabase(context.Background(), testConfig(), "payment", "staging")

	require.NoError(t, err)
	assert.Nil(t, result.Error)
	assert.Equal(t, "payment", result.Alias)
	assert.Equal(t, "staging", result.Database)

	content, err := os.ReadFile(result.ConfigPath)
	require.NoError(t, err)

	conf := loadIni(t, string(content))
	assert.Equal(t, "dbname=staging port=5432", conf.Section(DatabasesSection).Key("payment").String())
	assert.Equal(t, "dbname=staging port=5432", conf.Section(DatabasesSection).Key("staging").String())
	assert.Equal(t, "md5", conf.Section("pgbouncer").Key("auth_type").String())
}

func TestSwitchToDatabase_ConfigUnavailable(t *testing.T) {
	dir := t.TempDir()
	sshSvc := &mockSSH{
		catFunc: func(ctx context.Context, cfg models.SSHConfig, path string) (*models.SSHResult, error) {
			return &models.SSHResult{CommandRun: true, Error: errors.New("cat failed: No such file or directory")}, nil
		},
	}

	svc := NewWithDeps(testLogger(), &mockExecutor{}, sshSvc, dir)
	result, err := svc.SwitchToDatabase(context.Background(), testConfig(), "payment", "staging")

	require.Error(t, err)
	assert.Equal(t, err, result.Error)
	assert.Empty(t, result.ConfigPath)
	kind, _ := models.KindOf(err)
	assert.Equal(t, models.ErrConfigUnavailable, kind)

	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestRemoveDatabase(t *testing.T) {
	dir := t.TempDir()
	svc := NewWithDeps(testLogger(), &mockExecutor{}, &mockSSH{}, dir)

	result, err := svc.RemoveDatabase(context.Background(), testConfig(), "webadmin")

	require.NoError(t, err)
	assert.Equal(t, "webadmin", result.Database)
	conf, err := ini.Load(result.ConfigPath)
	require.NoError(t, err)
	assert.False(t, conf.Section(DatabasesSection).HasKey("webadmin"))
	assert.True(t, conf.Section(DatabasesSection).HasKey("payment"))
}

func TestRemoveDatabase_NotListed(t *testing.T) {
	dir := t.TempDir()
	svc := NewWithDeps(testLogger(), &mockExecutor{}, &mockSSH{}, dir)

	result, err := svc.RemoveDatabase(context.Background(), testConfig(), "payment_20090101")

	require.Error(t, err)
	assert.Contains(t, err.Error(), `unable to find "payment_20090101"`)
	assert.Empty(t, result.ConfigPath)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)
}

func TestDefaultExecutor_StderrInError(t *testing.T) {
	_, err := (&DefaultExecutor{}).Execute(context.Background(), "sh", "-c", "echo 'psql: FATAL' >&2; exit 2")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "psql: FATAL")
}
