// Package notify delivers trade notifications to Telegram.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Saravanaperu/Webportal-SingleUser/internal/config"
)

const telegramAPIBase = "https://api.telegram.org"

// TelegramNotifier sends messages through the Telegram bot API. When
// unconfigured it silently does nothing, so callers never need to
// check whether notifications are enabled.
type TelegramNotifier struct {
	httpClient *http.Client
	logger     zerolog.Logger
	baseURL    string
	botToken   string
	chatID     string
	enabled    bool
}

// NewTelegramNotifier creates a notifier from configuration.
func NewTelegramNotifier(cfg config.NotificationConfig, logger zerolog.Logger) *TelegramNotifier {
	enabled := cfg.Enabled && cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != ""
	return &TelegramNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "notify").Logger(),
		baseURL:    telegramAPIBase,
		botToken:   cfg.Telegram.BotToken,
		chatID:     cfg.Telegram.ChatID,
		enabled:    enabled,
	}
}

// Notify sends a message. Delivery failures are logged, never
// propagated; a notification must not take down the trading path.
func (t *TelegramNotifier) Notify(ctx context.Context, message string) {
	if !t.enabled {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		t.logger.Debug().Err(err).Msg("building notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn().Err(err).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Warn().Int("status", resp.StatusCode).Msg("notification rejected")
	}
}
