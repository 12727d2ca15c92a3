// Package notify sends push notifications at the end of composite jobs.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"borgwarden/internal/models"

	"github.com/cenkalti/backoff/v4"
)

// Sender delivers a notification and reports the provider's HTTP status code.
type Sender interface {
	Send(ctx context.Context, cfg *models.NotificationConfig, title, message string) (int, error)
}

const defaultPushoverURL = "https://api.pushover.net/1/messages.json"

// PushoverSender sends notifications through the Pushover message API.
type PushoverSender struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewPushoverSender creates a sender; baseURL is overridable for tests.
func NewPushoverSender(baseURL string, logger *slog.Logger) *PushoverSender {
	if baseURL == "" {
		baseURL = defaultPushoverURL
	}
	return &PushoverSender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Send posts the message, retrying transient failures with exponential
// backoff. Client errors (4xx) are not retried.
func (s *PushoverSender) Send(ctx context.Context, cfg *models.NotificationConfig, title, message string) (int, error) {
	form := url.Values{}
	form.Set("token", cfg.AppToken)
	form.Set("user", cfg.UserKey)
	form.Set("title", title)
	form.Set("message", message)

	var statusCode int
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build pushover request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("pushover request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		statusCode = resp.StatusCode
		if resp.StatusCode >= 500 {
			return fmt.Errorf("pushover returned status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("pushover returned status %d", resp.StatusCode))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return statusCode, err
	}

	s.logger.Info("notification sent", "provider", cfg.Provider, "config", cfg.Name)
	return statusCode, nil
}
