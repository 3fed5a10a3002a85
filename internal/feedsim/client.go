package feedsim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	service "github.com/okian/pitwall/internal/app"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/model"
)

// Push outcomes reported by the service.
var (
	ErrSourceInactive = errors.New("service http source is not active")
	ErrThrottled      = errors.New("service push buffer is full")
)

// HTTPClient talks to the service API.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

func newHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

// getJSON fetches path and decodes a 200 response into v.
func (c *HTTPClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// Health checks /healthz.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Status fetches /status.
func (c *HTTPClient) Status(ctx context.Context) (service.Status, error) {
	var st service.Status
	err := c.getJSON(ctx, "/status", &st)
	return st, err
}

// Snapshot fetches /snapshot.
func (c *HTTPClient) Snapshot(ctx context.Context) (model.SystemSnapshot, error) {
	var snap model.SystemSnapshot
	err := c.getJSON(ctx, "/snapshot", &snap)
	return snap, err
}

// SwitchSource posts cfg to /source.
func (c *HTTPClient) SwitchSource(ctx context.Context, cfg config.Source) error {
	body := map[string]any{"kind": cfg.Kind, "protocol": cfg.Protocol}
	if cfg.Address != "" {
		body["address"] = cfg.Address
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, "/source", data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("switch source: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// PushTelemetry posts one raw frame to /telemetry.
func (c *HTTPClient) PushTelemetry(ctx context.Context, payload []byte) error {
	resp, err := c.do(ctx, http.MethodPost, "/telemetry", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return ErrSourceInactive
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		return fmt.Errorf("push telemetry: status %d", resp.StatusCode)
	}
}
