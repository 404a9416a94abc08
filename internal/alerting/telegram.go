package alerting

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
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig holds configuration for Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	APIURL   string // Defaults to the public Bot API
}

// TelegramAlerter sends alerts via Telegram.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}

	return &TelegramAlerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the name of the alerter.
func (t *TelegramAlerter) Name() string {
	return "telegram"
}

// telegramMessage represents the Telegram API message format.
type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// telegramResponse represents the Telegram API response.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends an alert via Telegram.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	return t.send(ctx, t.formatMessage(severity, message, fields...))
}

// SendSessionSummary sends a formatted session summary.
func (t *TelegramAlerter) SendSessionSummary(ctx context.Context, summary SessionSummary) error {
	return t.send(ctx, formatSessionSummary(summary))
}

func (t *TelegramAlerter) send(ctx context.Context, text string) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      text,
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIURL, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(respBody, &telegramResp); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("telegram API error: %s", telegramResp.Description)
	}

	return nil
}

// formatMessage formats the alert message for Telegram.
func (t *TelegramAlerter) formatMessage(severity Severity, message string, fields ...any) string {
	text := fmt.Sprintf("%s <b>[%s]</b>\n%s", severity.Emoji(), severity.String(), html.EscapeString(message))

	if fieldsStr := FormatFields(fields...); fieldsStr != "" {
		text += "\n\n<b>Details:</b>\n" + html.EscapeString(fieldsStr)
	}

	text += fmt.Sprintf("\n\n<i>%s</i>", time.Now().Format("2006-01-02 15:04:05 MST"))

	return text
}

// formatSessionSummary formats a session summary for Telegram.
func formatSessionSummary(s SessionSummary) string {
	var b strings.Builder

	emoji := "📈"
	if s.TotalPnL.IsNegative() {
		emoji = "📉"
	}
	fmt.Fprintf(&b, "%s <b>Session Summary</b>\n<b>Started:</b> %s\n<b>Duration:</b> %s\n\n",
		emoji,
		s.Started.Format("2006-01-02 15:04:05"),
		s.Duration().Round(time.Second),
	)

	b.WriteString("<b>Inventories:</b>\n")
	for _, snap := range s.Inventories {
		fmt.Fprintf(&b, "• %s %s: pos %s, total $%s\n",
			html.EscapeString(snap.Name),
			html.EscapeString(snap.Ticker),
			snap.Pos.String(),
			snap.TotalPnL.StringFixed(2),
		)
	}

	fmt.Fprintf(&b, "\n<b>Totals:</b>\n• Realized: $%s\n• Fees: $%s\n• Total PnL: $%s\n• Reports: %d applied, %d unmatched",
		s.RealizedPnL.StringFixed(2),
		s.RealizedFee.StringFixed(2),
		s.TotalPnL.StringFixed(2),
		s.Applied,
		s.Unmatched,
	)

	if len(s.Halted) > 0 {
		fmt.Fprintf(&b, "\n\n🚨 <b>Halted:</b> %s", html.EscapeString(strings.Join(s.Halted, ", ")))
	}

	return b.String()
}
