package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	appconfig "fillwatch/config"
	"fillwatch/logger"
)

// Sender delivers one rendered message to a chat or channel. Sends are
// allowed to fail transiently; the dispatcher owns retry policy.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// TelegramSender posts messages through the Telegram Bot API. A local
// rate limiter keeps the process inside Telegram's per-chat limits.
type TelegramSender struct {
	apiURL  string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

func NewTelegramSender(cfg appconfig.TelegramConfig, ratePerSecond float64, burst int) *TelegramSender {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &TelegramSender{
		apiURL:  cfg.APIURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		log:     logger.GetLogger(),
	}
}

type telegramRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(telegramRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	var parsed telegramResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode telegram response: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram rejected message (status %d): %s", resp.StatusCode, parsed.Description)
	}

	t.log.WithComponent("telegram").WithFields(logger.Fields{
		"chat_id": chatID,
		"bytes":   len(text),
	}).Debug("message delivered")
	return nil
}
