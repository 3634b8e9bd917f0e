// Package email delivers transactional notifications.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const postmarkEndpoint = "https://api.postmarkapp.com/email"

// Sender sends transactional emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message is a rendered email.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
	Text    string
	Tag     string
}

// PostmarkSender sends emails through the Postmark HTTP API.
type PostmarkSender struct {
	serverToken string
	endpoint    string
	httpClient  *http.Client
}

// NewPostmarkSender creates a Postmark sender.
func NewPostmarkSender(serverToken string) *PostmarkSender {
	return &PostmarkSender{
		serverToken: serverToken,
		endpoint:    postmarkEndpoint,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody,omitempty"`
	TextBody string `json:"TextBody,omitempty"`
	Tag      string `json:"Tag,omitempty"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send posts the message to Postmark. Any non-200 response is an error.
func (p *PostmarkSender) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(postmarkRequest{
		From:     msg.From,
		To:       msg.To,
		Subject:  msg.Subject,
		HtmlBody: msg.HTML,
		TextBody: msg.Text,
		Tag:      msg.Tag,
	})
	if err != nil {
		return fmt.Errorf("marshaling postmark request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating postmark request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending via postmark: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		var pm postmarkResponse
		_ = json.Unmarshal(respBody, &pm)
		return fmt.Errorf("postmark error (HTTP %d): code=%d message=%s", resp.StatusCode, pm.ErrorCode, pm.Message)
	}
	return nil
}

// LogSender writes emails to the structured log instead of sending them.
// It is used when no provider is configured.
type LogSender struct{}

// Send logs the message.
func (LogSender) Send(_ context.Context, msg Message) error {
	slog.Info("email not sent, no provider configured",
		"to", msg.To,
		"subject", msg.Subject,
		"tag", msg.Tag,
		"body", msg.Text,
	)
	return nil
}
