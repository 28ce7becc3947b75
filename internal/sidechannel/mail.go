// Package sidechannel implements the narrow external collaborators the
// dispatcher can hand payloads to: bug-report mail delivery and the
// shared-photo like counter. Both are fire-and-forget; failures are
// logged and never surfaced to the originating session.
package sidechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relaynode-project/relaynode/internal/config"
)

// WebhookMailer delivers bug-report emails through an HTTP relay service
// instead of speaking SMTP from the node itself.
type WebhookMailer struct {
	cfg    config.MailConfig
	client *http.Client
}

// NewWebhookMailer creates a mailer for the configured webhook.
func NewWebhookMailer(cfg config.MailConfig) *WebhookMailer {
	return &WebhookMailer{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a mail request to the relay webhook.
func (m *WebhookMailer) Send(subject, body string) error {
	if !m.cfg.Enabled || m.cfg.WebhookURL == "" {
		log.Debug().Str("subject", subject).Msg("mail side channel disabled, dropping message")
		return nil
	}

	payload, err := json.Marshal(map[string]string{
		"to":      m.cfg.Recipient,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal mail payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("mail webhook returned status %d", resp.StatusCode)
	}

	log.Info().Str("subject", subject).Msg("bug report mail delivered")
	return nil
}
