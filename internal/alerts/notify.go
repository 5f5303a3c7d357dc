package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Notifier delivers critical alerts to external channels.
type Notifier interface {
	Notify(alert *Alert) error
}

// WebhookNotifier pushes alerts to a chat-style webhook and, optionally, a
// paging endpoint. Both deliveries are attempted; either failing marks the
// notification failed, but callers always swallow that.
type WebhookNotifier struct {
	mu       sync.RWMutex
	chatURL  string
	pagerURL string
	client   *http.Client
}

// NewWebhookNotifier builds a notifier. Empty URLs disable that channel.
func NewWebhookNotifier(chatURL, pagerURL string) *WebhookNotifier {
	return &WebhookNotifier{
		chatURL:  chatURL,
		pagerURL: pagerURL,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// SetEndpoints swaps the webhook destinations, used by config hot-reload.
func (n *WebhookNotifier) SetEndpoints(chatURL, pagerURL string) {
	n.mu.Lock()
	n.chatURL = chatURL
	n.pagerURL = pagerURL
	n.mu.Unlock()
}

type chatPayload struct {
	Text string `json:"text"`
}

type pagerPayload struct {
	Summary   string            `json:"summary"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Notify posts the alert to every configured channel.
func (n *WebhookNotifier) Notify(alert *Alert) error {
	n.mu.RLock()
	chatURL, pagerURL := n.chatURL, n.pagerURL
	n.mu.RUnlock()

	var firstErr error
	if chatURL != "" {
		text := fmt.Sprintf("[%s] %s: %s", alert.Severity, alert.Title, alert.Message)
		if err := n.post(chatURL, chatPayload{Text: text}); err != nil {
			firstErr = err
		}
	}
	if pagerURL != "" {
		payload := pagerPayload{
			Summary:   alert.Title,
			Severity:  string(alert.Severity),
			Source:    "tenant-kms",
			Timestamp: alert.Timestamp,
			Details:   alert.Metadata,
		}
		if err := n.post(pagerURL, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (n *WebhookNotifier) post(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
