// Package email delivers transactional messages for the auth core.
package email

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

	"truxe.io/internal/obs"
)

// Template identifiers.
const (
	TemplateMagicLink = "magic_link"
)

// Message is one templated email.
type Message struct {
	To         string            `json:"to"`
	Subject    string            `json:"subject"`
	TemplateID string            `json:"template_id"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Sender delivers a message. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log instead of delivering them (dev mode).
type LogSender struct{}

// Send logs the message at debug level.
func (LogSender) Send(ctx context.Context, msg Message) error {
	obs.Logger().DebugContext(ctx, "email suppressed", "to", msg.To, "template", msg.TemplateID, "variables", msg.Variables)
	return nil
}

// HTTPSender posts messages as JSON to a delivery service endpoint.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPSender constructs an HTTPSender. A nil client gets a 10s timeout client.
func NewHTTPSender(endpoint, apiKey string, client *http.Client) (*HTTPSender, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("email: endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{endpoint: endpoint, apiKey: apiKey, client: client}, nil
}

// Send delivers msg; any non-2xx response is an error.
func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("email: send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email: delivery service returned %d", resp.StatusCode)
	}
	return nil
}
