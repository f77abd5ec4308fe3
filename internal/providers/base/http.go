package base

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mysticmarks/llm-runner-router/internal/types"
)

// UserAgent is sent on every outbound request.
const UserAgent = "llm-router/" + Version

// Version is the router release identifier.
const Version = "1.0.0"

// Client is the raw-wire HTTP helper for adapters that speak a provider's
// protocol directly rather than through an SDK. TLS verification is the
// http.DefaultTransport default and is never disabled.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *logrus.Logger
}

// NewClient creates a client with the given base URL and timeout.
func NewClient(baseURL string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
	}
}

// PostJSON posts a JSON body and decodes a JSON response into out. Non-2xx
// statuses are translated into the router error taxonomy, carrying any
// Retry-After hint.
func (c *Client) PostJSON(ctx context.Context, path string, body interface{}, headers map[string]string, out interface{}) error {
	resp, err := c.post(ctx, path, body, headers, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.WrapError(types.KindInternal, "failed to decode upstream response", err)
	}
	return nil
}

// PostStream posts a JSON body and returns the raw response body for
// incremental decoding. The caller owns the closer.
func (c *Client) PostStream(ctx context.Context, path string, body interface{}, headers map[string]string) (io.ReadCloser, error) {
	resp, err := c.post(ctx, path, body, headers, "text/event-stream")
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, headers map[string]string, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, types.WrapError(types.KindInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", UserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, translateTransportError(ctx, err)
	}
	return resp, nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	kind := types.KindFromStatus(resp.StatusCode)
	message := fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, compactBody(body))

	routerErr := types.NewError(kind, message)
	if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
		routerErr.RetryAfter = ra
	}

	c.Logger.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"kind":   string(kind),
	}).Debug("Upstream error response")
	return routerErr
}

func translateTransportError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return types.WrapError(types.KindTimeout, "upstream request deadline exceeded", err)
	case ctx.Err() == context.Canceled:
		return types.WrapError(types.KindCancelled, "upstream request cancelled", err)
	case strings.Contains(err.Error(), "Client.Timeout"):
		return types.WrapError(types.KindTimeout, "upstream request timed out", err)
	case strings.Contains(err.Error(), "connection reset"), strings.Contains(err.Error(), "connection refused"), strings.Contains(err.Error(), "EOF"):
		return types.WrapError(types.KindUpstream5xx, "upstream connection failed", err)
	default:
		return types.WrapError(types.KindUpstream5xx, "upstream transport error", err)
	}
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func compactBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}
