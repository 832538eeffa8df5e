// Package telegram sends restore reports to a Telegram chat.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Hi-Media/pg-staging/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// DefaultAPIURL is the Bot API endpoint used by New.
const DefaultAPIURL = "https://api.telegram.org"

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	apiURL     string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return NewWithClient(logger, &http.Client{Timeout: 30 * time.Second}, DefaultAPIURL)
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, apiURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger.With().Str("component", "telegram").Logger(),
		apiURL:     strings.TrimRight(apiURL, "/"),
	}
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type apiReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// SendNotification posts the restore report for msg to cfg.ChatID.
// Delivery failures are reported in the result, never as an error.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, msg models.TelegramMessage) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	payload, err := json.Marshal(sendMessageRequest{
		ChatID:                cfg.ChatID,
		Text:                  render(msg),
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	endpoint := s.apiURL + "/bot" + cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Debug().
		Str("chat_id", cfg.ChatID).
		Str("database", msg.Database).
		Bool("success", msg.Success).
		Msg("posting restore report")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = apiError(resp)
		return result, nil
	}

	result.MessageSent = true
	return result, nil
}

// apiError builds an error from a non-200 Bot API reply, keeping the
// description Telegram returns when there is one.
func apiError(resp *http.Response) error {
	var reply apiReply
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(body, &reply) == nil && reply.Description != "" {
		return fmt.Errorf("telegram API returned status %d: %s", resp.StatusCode, reply.Description)
	}
	return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
}

// report accumulates an HTML formatted Telegram message.
type report struct {
	strings.Builder
}

func (r *report) title(ok bool) {
	if ok {
		r.WriteString("✅ <b>Staging Restore Successful</b>\n")
		return
	}
	r.WriteString("❌ <b>Staging Restore Failed</b>\n")
}

func (r *report) section(name string) {
	fmt.Fprintf(r, "\n<b>%s</b>\n", name)
}

func (r *report) field(label, value string) {
	fmt.Fprintf(r, "%s: %s\n", label, html.EscapeString(value))
}

func (r *report) code(label, value string) {
	fmt.Fprintf(r, "%s: <code>%s</code>\n", label, html.EscapeString(value))
}

func render(msg models.TelegramMessage) string {
	var r report
	r.title(msg.Success)

	r.section("Run")
	r.code("Database", msg.Database)
	r.field("Host", msg.Host)
	r.field("Archive", msg.Archive)
	if !msg.StartTime.IsZero() {
		r.field("Started", msg.StartTime.Format("2006-01-02 15:04:05"))
	}
	r.field("Duration", msg.Duration.Round(time.Second).String())

	if !msg.Success {
		r.section("Error")
		r.field("Failed step", msg.FailedStep)
		r.code("Error", msg.ErrorMessage)
		return r.String()
	}

	r.section("Catalog")
	schemas := "all"
	if len(msg.Schemas) > 0 {
		schemas = strings.Join(msg.Schemas, ", ")
	}
	r.field("Schemas", schemas)
	r.field("Entries kept", humanize.Comma(int64(msg.EntriesKept)))
	r.field("Entries excluded", humanize.Comma(int64(msg.EntriesExcluded)))
	if msg.SizeBytes > 0 {
		r.field("Database size", humanize.IBytes(uint64(msg.SizeBytes)))
	}

	if msg.PgBouncerAlias != "" {
		r.section("PgBouncer")
		fmt.Fprintf(&r, "<code>%s</code> now points to <code>%s</code>\n",
			html.EscapeString(msg.PgBouncerAlias), html.EscapeString(msg.Database))
	}

	return r.String()
}
