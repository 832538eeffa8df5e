// Package models contains the data structures used throughout pg-staging.
package models

// StagingConfig holds the complete configuration for a staging restore run.
type StagingConfig struct {
	Restore   RestoreConfig
	Archive   ArchiveConfig
	PgBouncer *PgBouncerConfig // nil if not configured
	WOL       *WOLConfig       // nil if not configured
	Telegram  *TelegramConfig  // nil if not configured
	Metrics   *MetricsConfig   // nil if not configured
}

// MetricsConfig controls the node_exporter textfile written after each run.
type MetricsConfig struct {
	Textfile  string // path of the .prom file
	Namespace string // metric name prefix, "pg_staging" by default
}
