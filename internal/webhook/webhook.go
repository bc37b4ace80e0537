// ABOUTME: Outbound webhook delivery for the built-in webhook task: HMAC signing, response discard.
// ABOUTME: The http.Client is injected so tests can reach httptest servers.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	TimestampHeader = "X-Queued-Timestamp"
	SignatureHeader = "X-Queued-Signature"
)

var ErrMissingURL = errors.New("webhook: url is required")

// Payload is the job payload of a webhook task.
type Payload struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// deniedHeaders are header keys a payload must not override.
var deniedHeaders = map[string]bool{
	"host":               true,
	"content-type":       true,
	"content-length":     true,
	"transfer-encoding":  true,
	"connection":         true,
	"x-queued-timestamp": true,
	"x-queued-signature": true,
}

// Sign returns the signature header value for body at ts.
func Sign(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10) + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Sender posts webhook payloads.
type Sender struct {
	client *http.Client
	secret string
	now    func() time.Time
}

// NewSender returns a Sender. An empty secret leaves requests unsigned.
func NewSender(client *http.Client, secret string) *Sender {
	return &Sender{client: client, secret: secret, now: time.Now}
}

// Run implements task.Handler: it decodes a Payload and delivers it.
func (s *Sender) Run(ctx context.Context, raw json.RawMessage) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode webhook payload: %w", err)
	}
	return s.Send(ctx, p)
}

// Send posts p.Body to p.URL and fails on any non-2xx status.
func (s *Sender) Send(ctx context.Context, p Payload) error {
	if p.URL == "" {
		return ErrMissingURL
	}
	body := []byte(p.Body)
	if len(body) == 0 {
		body = []byte("null")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	if s.secret != "" {
		ts := s.now().Unix()
		req.Header.Set(TimestampHeader, strconv.FormatInt(ts, 10))
		req.Header.Set(SignatureHeader, Sign(s.secret, ts, body))
	}

	resp, err := s.client.Do(req) //nolint:gosec // G107: destination is filtered by the safeurl client
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Drain for connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}
