package cloudevent

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
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Sender posts events over HTTP.
type Sender struct {
	client    *http.Client
	userAgent string
}

// NewSender creates a sender with a pooled transport.
func NewSender(timeout time.Duration, userAgent string) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent: userAgent,
	}
}

// Send posts event to url. When key is set the body is signed with it.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, key string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Ce-Id", event.ID)
	req.Header.Set("Ce-Type", event.Type)
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if key != "" {
		req.Header.Set(SignatureHeader, Sign(body, key))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

// Sign returns the signature header value for body.
func Sign(body []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the signature of body under key.
func Verify(body []byte, key, signature string) bool {
	return hmac.Equal([]byte(Sign(body, key)), []byte(signature))
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsClientError reports whether err is a 4xx response; those are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500
}
