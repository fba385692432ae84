package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"
)

// SlogSink writes alerts to the process log. Useful as a default
// channel and in tests.
type SlogSink struct {
	name   string
	logger *slog.Logger
}

// NewSlogSink creates a log-based sink. A nil logger uses the default.
func NewSlogSink(name string, logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{name: name, logger: logger.With("sink", name)}
}

func (s *SlogSink) Name() string { return s.name }

func (s *SlogSink) Deliver(_ context.Context, al *Alert) error {
	s.logger.Warn("alert",
		"alert_id", al.ID,
		"kind", string(al.Kind),
		"agent_id", al.AgentID,
		"metric", string(al.Metric),
		"severity", string(al.Severity),
		"message", al.Message)
	return nil
}

// WebhookSink POSTs alerts as JSON to an HTTP endpoint.
type WebhookSink struct {
	name   string
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink. A nil client gets a 10 second
// timeout.
func NewWebhookSink(name, url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{name: name, url: url, client: client}
}

func (s *WebhookSink) Name() string { return s.name }

func (s *WebhookSink) Deliver(ctx context.Context, al *Alert) error {
	body, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// FileSink appends alerts as JSON lines to a file. Safe for concurrent
// use.
type FileSink struct {
	name string
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (or creates) the alert log file.
func NewFileSink(name, path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening alert log: %w", err)
	}
	return &FileSink{name: name, path: path, f: f}, nil
}

func (s *FileSink) Name() string { return s.name }

func (s *FileSink) Deliver(_ context.Context, al *Alert) error {
	line, err := json.Marshal(al)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("writing alert log: %w", err)
	}
	return nil
}

// Close releases the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
