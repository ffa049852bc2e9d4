package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"testline/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts each digest as JSON to every configured endpoint.
// Endpoints with an event filter only receive digests whose events
// match.
type WebhookSink struct {
	Webhooks []config.WebhookConfig
	Client   *http.Client
}

func NewWebhookSink(webhooks []config.WebhookConfig) *WebhookSink {
	return &WebhookSink{
		Webhooks: webhooks,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, d Digest) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	for _, hook := range s.Webhooks {
		if !hookWants(hook, "escalation.digest") {
			continue
		}
		if err := s.post(ctx, hook, body); err != nil {
			return fmt.Errorf("webhook %s: %w", hook.URL, err)
		}
	}
	return nil
}

func (s *WebhookSink) post(ctx context.Context, hook config.WebhookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Testline-Event", "escalation.digest")
	if hook.Secret != "" {
		mac := hmac.New(sha256.New, []byte(hook.Secret))
		mac.Write(body)
		req.Header.Set("X-Testline-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func hookWants(hook config.WebhookConfig, event string) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == event {
			return true
		}
	}
	return false
}
