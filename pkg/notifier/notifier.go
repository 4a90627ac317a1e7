// Package notifier delivers operator notifications for fleet events. The
// only shipped implementation posts to per-group Slack webhooks; failures are
// for the caller to log, never to act on.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNoDestination indicates the group has no configured notification
// destination. It is a local configuration gap: the notification is skipped,
// nothing else is affected.
var ErrNoDestination = errors.New("notifier: no destination for group")

// DefaultTimeout bounds a single webhook delivery so a slow endpoint cannot
// stall a reconciliation cycle.
const DefaultTimeout = 5 * time.Second

// Notifier delivers a free-text message to the destination of a group.
type Notifier interface {
	Notify(ctx context.Context, group, message string) error
}

// NotifierFunc adapts a function into a Notifier.
type NotifierFunc func(ctx context.Context, group, message string) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, group, message string) error {
	return f(ctx, group, message)
}

// SlackNotifier posts messages to group-specific Slack incoming webhooks.
type SlackNotifier struct {
	webhooks   map[string]string
	httpClient *http.Client
}

type slackPayload struct {
	Text string `json:"text"`
}

// NewSlackNotifier constructs a notifier from a group-to-webhook mapping.
// Groups absent from the map fail with ErrNoDestination at notify time.
func NewSlackNotifier(webhooks map[string]string, timeout time.Duration) *SlackNotifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cloned := make(map[string]string, len(webhooks))
	for group, url := range webhooks {
		if strings.TrimSpace(url) != "" {
			cloned[group] = url
		}
	}
	return &SlackNotifier{
		webhooks:   cloned,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Notify implements Notifier. The message is prefixed with the group name so
// shared channels stay readable.
func (s *SlackNotifier) Notify(ctx context.Context, group, message string) error {
	url, ok := s.webhooks[group]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDestination, group)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(slackPayload{Text: fmt.Sprintf("[%s] %s", group, message)})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post slack webhook for group %s: %w", group, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook for group %s returned status %s", group, resp.Status)
	}
	return nil
}

var _ Notifier = (*SlackNotifier)(nil)
var _ Notifier = NotifierFunc(nil)
