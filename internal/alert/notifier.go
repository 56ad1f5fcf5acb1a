// Package alert delivers out-of-band notifications for events that need a
// human: fatal stops, circuit-breaker trips, forced flattening.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/your-org/hedge-grid-bot/pkg/logger"
)

// Notifier sends a short message about a notable event. Implementations must
// not block the trading loop for long.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// NoOpNotifier discards notifications. Used when no webhook is configured.
type NoOpNotifier struct{}

func (NoOpNotifier) Notify(ctx context.Context, title, message string) error { return nil }

// WebhookNotifier posts a JSON payload to a configured webhook URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("alert: encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("alert: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("alert: posting webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned status %d", resp.StatusCode)
	}
	logger.Debugf("[alert] delivered %q", title)
	return nil
}

// FromConfig returns a webhook notifier when a URL is configured, otherwise
// the no-op implementation.
func FromConfig(webhookURL string) Notifier {
	if webhookURL == "" {
		return NoOpNotifier{}
	}
	return NewWebhookNotifier(webhookURL)
}
