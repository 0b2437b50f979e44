package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookNotifier posts messages to Discord-compatible webhooks.
type WebhookNotifier struct {
	hooks  map[string]string
	client *http.Client
}

// NewWebhookNotifier maps channel names to webhook URLs. A nil client gets a 10s timeout.
func NewWebhookNotifier(hooks map[string]string, client *http.Client) *WebhookNotifier {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	cp := make(map[string]string, len(hooks))
	for k, v := range hooks {
		cp[k] = v
	}
	return &WebhookNotifier{hooks: cp, client: client}
}

type webhookPayload struct {
	Content string `json:"content"`
}

func (w *WebhookNotifier) SendToChannel(ctx context.Context, channel, text string) error {
	url, ok := w.hooks[channel]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	body, err := json.Marshal(webhookPayload{Content: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", channel, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", channel, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook %s: status %d: %s", channel, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
