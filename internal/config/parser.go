// Package config provides configuration file parsing.
package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/metrics"
	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/Hi-Media/pg-staging/internal/services/pgrestore"
	"github.com/Hi-Media/pg-staging/internal/toc"
	"github.com/spf13/viper"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	v := viper.New()
	v.SetConfigType("yaml")
	return &Parser{v: v}
}

// LoadFile loads configuration from a file path.
func (p *Parser) LoadFile(path string) (*models.StagingConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return p.parse()
}

// LoadReader loads configuration from a reader (useful for testing).
func (p *Parser) LoadReader(content string) (*models.StagingConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	return p.parse()
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse() (*models.StagingConfig, error) {
	cfg := &models.StagingConfig{}

	// Parse restore config (required).
	p.v.SetDefault("restore.single_transaction", true)
	cfg.Restore = models.RestoreConfig{
		DBName:            p.v.GetString("restore.dbname"),
		Owner:             p.v.GetString("restore.owner"),
		User:              p.v.GetString("restore.user"),
		Password:          p.expandEnv(p.v.GetString("restore.password")),
		Host:              p.v.GetString("restore.host"),
		Port:              p.v.GetInt("restore.port"),
		MaintDB:           p.v.GetString("restore.maintdb"),
		Major:             p.v.GetString("restore.major"),
		RestoreCmd:        p.expandEnv(p.v.GetString("restore.restore_cmd")),
		SingleTransaction: p.v.GetBool("restore.single_transaction"),
		SSLMode:           p.v.GetString("restore.sslmode"),
		Schemas:           p.v.GetStringSlice("restore.schemas"),
		Tables:            p.v.GetStringSlice("restore.tables"),
	}

	if cfg.Restore.DBName == "" {
		return nil, fmt.Errorf("restore.dbname is required")
	}

	// Set defaults.
	if cfg.Restore.Host == "" {
		cfg.Restore.Host = "localhost"
	}
	if cfg.Restore.Port == 0 {
		cfg.Restore.Port = 5432
	}
	if cfg.Restore.User == "" {
		cfg.Restore.User = "postgres"
	}
	if cfg.Restore.Owner == "" {
		cfg.Restore.Owner = cfg.Restore.User
	}
	if cfg.Restore.MaintDB == "" {
		cfg.Restore.MaintDB = "postgres"
	}
	if cfg.Restore.RestoreCmd == "" {
		cfg.Restore.RestoreCmd = pgrestore.DefaultCommand(cfg.Restore.Major)
	}

	// Parse archive config (required).
	cfg.Archive = models.ArchiveConfig{
		Source: p.v.GetString("archive.source"),
		Path:   p.expandEnv(p.v.GetString("archive.path")),
	}

	if cfg.Archive.Source == "" {
		cfg.Archive.Source = models.ArchiveSourceLocal
	}
	if cfg.Archive.Path == "" {
		return nil, fmt.Errorf("archive.path is required")
	}

	switch cfg.Archive.Source {
	case models.ArchiveSourceLocal:
	case models.ArchiveSourceRestic:
		cfg.Archive.Restic = &models.ResticSource{
			Repository:   p.expandEnv(p.v.GetString("archive.restic.repository")),
			Password:     p.expandEnv(p.v.GetString("archive.restic.password")),
			RestUser:     p.expandEnv(p.v.GetString("archive.restic.rest_user")),
			RestPassword: p.expandEnv(p.v.GetString("archive.restic.rest_password")),
			Snapshot:     p.v.GetString("archive.restic.snapshot"),
			Host:         p.v.GetString("archive.restic.host"),
		}
		if cfg.Archive.Restic.Repository == "" {
			return nil, fmt.Errorf("archive.restic.repository is required when archive.source is restic")
		}
		if cfg.Archive.Restic.Password == "" {
			return nil, fmt.Errorf("archive.restic.password is required when archive.source is restic")
		}
		if cfg.Archive.Restic.Snapshot == "" {
			cfg.Archive.Restic.Snapshot = "latest"
		}
	case models.ArchiveSourceS3:
		p.v.SetDefault("archive.s3.use_ssl", true)
		cfg.Archive.S3 = &models.S3Source{
			Bucket:    p.v.GetString("archive.s3.bucket"),
			Endpoint:  p.v.GetString("archive.s3.endpoint"),
			Region:    p.v.GetString("archive.s3.region"),
			AccessKey: p.expandEnv(p.v.GetString("archive.s3.access_key")),
			SecretKey: p.expandEnv(p.v.GetString("archive.s3.secret_key")),
			UseSSL:    p.v.GetBool("archive.s3.use_ssl"),
		}
		if cfg.Archive.S3.Bucket == "" {
			return nil, fmt.Errorf("archive.s3.bucket is required when archive.source is s3")
		}
		if cfg.Archive.S3.Endpoint == "" {
			cfg.Archive.S3.Endpoint = "s3.amazonaws.com"
		}
	default:
		return nil, fmt.Errorf("archive.source must be one of: local, restic, s3")
	}

	// Parse optional pgbouncer config.
	if p.v.IsSet("pgbouncer") { //nolint:nestif // config parsing with defaults
		cfg.PgBouncer = &models.PgBouncerConfig{
			Host:        p.v.GetString("pgbouncer.host"),
			Port:        p.v.GetInt("pgbouncer.port"),
			User:        p.v.GetString("pgbouncer.user"),
			ConfFile:    p.v.GetString("pgbouncer.conf_file"),
			Alias:       p.v.GetString("pgbouncer.alias"),
			BackendPort: p.v.GetInt("pgbouncer.backend_port"),
			PsqlCmd:     p.v.GetString("pgbouncer.psql_cmd"),
			SSH: models.SSHConfig{
				Host:           p.v.GetString("pgbouncer.ssh.host"),
				Port:           p.v.GetInt("pgbouncer.ssh.port"),
				Username:       p.v.GetString("pgbouncer.ssh.username"),
				KeyPath:        p.expandEnv(p.v.GetString("pgbouncer.ssh.key_path")),
				KnownHostsFile: p.expandEnv(p.v.GetString("pgbouncer.ssh.known_hosts")),
			},
		}

		if cfg.PgBouncer.Host == "" {
			return nil, fmt.Errorf("pgbouncer.host is required when pgbouncer is configured")
		}
		if cfg.PgBouncer.Port == 0 {
			cfg.PgBouncer.Port = 6432
		}
		if cfg.PgBouncer.User == "" {
			cfg.PgBouncer.User = "postgres"
		}
		if cfg.PgBouncer.ConfFile == "" {
			cfg.PgBouncer.ConfFile = "/etc/pgbouncer/pgbouncer.ini"
		}
		if cfg.PgBouncer.BackendPort == 0 {
			cfg.PgBouncer.BackendPort = cfg.Restore.Port
		}
		if cfg.PgBouncer.PsqlCmd == "" {
			cfg.PgBouncer.PsqlCmd = "psql"
		}
		if cfg.PgBouncer.SSH.Host == "" {
			cfg.PgBouncer.SSH.Host = cfg.PgBouncer.Host
		}
		if cfg.PgBouncer.SSH.Port == 0 {
			cfg.PgBouncer.SSH.Port = 22
		}
		if cfg.PgBouncer.SSH.Username == "" {
			cfg.PgBouncer.SSH.Username = "postgres"
		}
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			PollAddress:   p.v.GetString("wol.poll_address"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("wol.mac_address is required when wol is configured")
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.PollAddress == "" {
			cfg.WOL.PollAddress = fmt.Sprintf("%s:%d", cfg.Restore.Host, cfg.Restore.Port)
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("telegram.bot_token is required when telegram is configured")
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram.chat_id is required when telegram is configured")
		}
	}

	// Parse optional metrics config.
	if p.v.IsSet("metrics") {
		cfg.Metrics = &models.MetricsConfig{
			Textfile:  p.expandEnv(p.v.GetString("metrics.textfile")),
			Namespace: p.v.GetString("metrics.namespace"),
		}

		if cfg.Metrics.Textfile == "" {
			return nil, fmt.Errorf("metrics.textfile is required when metrics is configured")
		}
		if cfg.Metrics.Namespace == "" {
			cfg.Metrics.Namespace = metrics.DefaultNamespace
		}
	}

	return cfg, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.StagingConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	if cfg.Restore.DBName == "" {
		return fmt.Errorf("restore.dbname is required")
	}

	if cfg.Restore.Port <= 0 || cfg.Restore.Port > 65535 {
		return fmt.Errorf("restore.port %d is out of range", cfg.Restore.Port)
	}

	for i, schema := range cfg.Restore.Schemas {
		if slices.Contains(cfg.Restore.Schemas[:i], schema) {
			return fmt.Errorf("restore.schemas lists %q more than once", schema)
		}
	}

	if _, err := toc.NewFilterSet(cfg.Restore.Schemas, cfg.Restore.Tables); err != nil {
		return fmt.Errorf("restore.tables: %w", err)
	}

	if cfg.Archive.Path == "" {
		return fmt.Errorf("archive.path is required")
	}

	switch cfg.Archive.Source {
	case models.ArchiveSourceLocal, "":
	case models.ArchiveSourceRestic:
		if cfg.Archive.Restic == nil {
			return fmt.Errorf("archive.restic is required when archive.source is restic")
		}
	case models.ArchiveSourceS3:
		if cfg.Archive.S3 == nil {
			return fmt.Errorf("archive.s3 is required when archive.source is s3")
		}
	default:
		return fmt.Errorf("archive.source must be one of: local, restic, s3")
	}

	return nil
}
