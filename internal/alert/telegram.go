package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramNotifier posts messages through the Bot API sendMessage method.
type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	client   *resty.Client
}

func NewTelegramNotifier(enabled bool, botToken, chatID, baseURL string, timeout time.Duration) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:  enabled,
		botToken: botToken,
		chatID:   chatID,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout),
	}
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.enabled {
		return nil
	}
	var parsed telegramSendMessageResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(telegramSendMessageRequest{ChatID: t.chatID, Text: msg}).
		SetResult(&parsed).
		Post("/bot" + t.botToken + "/sendMessage")
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		body := resp.Body()
		if len(body) > 4096 {
			body = body[:4096]
		}
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode(), strings.TrimSpace(string(body)))
	}
	if len(resp.Body()) == 0 {
		return nil
	}
	if !parsed.OK && parsed.Description != "" {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}
