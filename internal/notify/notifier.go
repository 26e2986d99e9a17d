// Package notify delivers best-effort operational notifications. A failed
// notification must never fail the operation that triggered it; callers log
// the returned error and move on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"dealbridge.app/sync/core/config"
	"dealbridge.app/sync/internal/resilience"
)

const serviceName = "notify"

type Notifier interface {
	Notify(ctx context.Context, subject, message, recipient string) error
}

// New returns a webhook-backed notifier, or a log-only one when no webhook
// URL is configured.
func New(cfg config.NotifyConfig, exec *resilience.Executor, logger *slog.Logger) Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WebhookURL == "" {
		return &logNotifier{logger: logger}
	}
	return &webhookNotifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		url:        cfg.WebhookURL,
		exec:       exec,
		policy:     resilience.ReprocessPolicy(),
		logger:     logger,
	}
}

type webhookNotifier struct {
	httpClient *http.Client
	url        string
	exec       *resilience.Executor
	policy     resilience.RetryPolicy
	logger     *slog.Logger
}

func (n *webhookNotifier) Notify(ctx context.Context, subject, message, recipient string) error {
	payload, err := json.Marshal(map[string]string{
		"subject":   subject,
		"message":   message,
		"recipient": recipient,
	})
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	_, err = resilience.Call(ctx, n.exec, serviceName, n.policy, func(ctx context.Context) (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, fmt.Errorf("building notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return struct{}{}, &resilience.HTTPError{StatusCode: resp.StatusCode}
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}

	n.logger.InfoContext(ctx, "notification delivered", "subject", subject, "recipient", recipient)
	return nil
}

type logNotifier struct {
	logger *slog.Logger
}

func (n *logNotifier) Notify(ctx context.Context, subject, message, recipient string) error {
	n.logger.WarnContext(ctx, "notification (no webhook configured)",
		"subject", subject, "recipient", recipient, "message", message)
	return nil
}
