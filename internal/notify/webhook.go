package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Sink delivers operator-facing messages. Implementations must never block a
// poll cycle for long and must treat delivery as best effort.
type Sink interface {
	Post(ctx context.Context, content string) error
}

// Webhook posts messages to a Discord-compatible webhook endpoint.
type Webhook struct {
	url       string
	username  string
	avatarURL string
	client    *http.Client
}

// NewWebhook returns nil when no URL is configured, so callers can keep a
// plain nil check instead of a disabled flag.
func NewWebhook(url, username, avatarURL string) *Webhook {
	if url == "" {
		return nil
	}
	return &Webhook{
		url:       url,
		username:  username,
		avatarURL: avatarURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Content   string `json:"content"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Post sends one message. Failures are returned for logging but are never
// fatal to the caller.
func (w *Webhook) Post(ctx context.Context, content string) error {
	if w == nil {
		return nil
	}
	body, err := json.Marshal(webhookPayload{
		Content:   content,
		Username:  w.username,
		AvatarURL: w.avatarURL,
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// PostLogged is Post with the error demoted to a log line.
func PostLogged(ctx context.Context, sink Sink, content string) {
	if sink == nil {
		return
	}
	if err := sink.Post(ctx, content); err != nil {
		log.Printf("notification not delivered: %v", err)
	}
}
