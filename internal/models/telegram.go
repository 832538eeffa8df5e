package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a restore notification.
type TelegramMessage struct {
	Success   bool
	Database  string
	Host      string
	Archive   string
	StartTime time.Time
	Duration  time.Duration

	// Restore stats (if successful).
	SizeBytes       int64
	EntriesKept     int
	EntriesExcluded int
	Schemas         []string
	PgBouncerAlias  string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
