package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/snatchd/snatchd/pkg/log"
	"github.com/snatchd/snatchd/pkg/metrics"
)

// TelegramSink posts task notifications to a Telegram chat via the Bot
// API. Sends are best-effort: an unconfigured bot is skipped silently and
// any transport or API error is logged, never returned.
type TelegramSink struct {
	settings *Settings
	client   *http.Client
	baseURL  string
}

// NewTelegramSink creates a sink that reloads its bot token and chat id
// from settings on every send.
func NewTelegramSink(settings *Settings) *TelegramSink {
	return &TelegramSink{
		settings: settings,
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  "https://api.telegram.org",
	}
}

// Telegram sends text as a Markdown-formatted message to the configured
// chat.
func (t *TelegramSink) Telegram(text string) {
	logger := log.WithComponent("notify")

	cfg, err := t.settings.Telegram()
	if err != nil {
		logger.Warn().Err(err).Msg("telegram config unreadable, skipping notification")
		return
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		logger.Debug().Msg("telegram not configured, skipping notification")
		return
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id":    cfg.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		logger.Error().Err(err).Msg("telegram payload encoding failed")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, cfg.BotToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("telegram", "error").Inc()
		logger.Error().Err(err).Msg("telegram send failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.NotificationsTotal.WithLabelValues("telegram", "error").Inc()
		logger.Error().Int("status", resp.StatusCode).Str("body", string(body)).Msg("telegram send rejected")
		return
	}

	metrics.NotificationsTotal.WithLabelValues("telegram", "ok").Inc()
	logger.Info().Msg("telegram notification sent")
}
