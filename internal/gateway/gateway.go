package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"decoy-sentinel/internal/events"
)

// Forwarder hands recorded captures to an upstream collector. It never
// touches the capture log.
type Forwarder interface {
	Forward(ctx context.Context, evt events.CaptureEvent) error
}

type httpClient struct {
	url string
	c   *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) Forwarder {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &httpClient{url: url, c: &http.Client{Timeout: timeout}}
}

func (h *httpClient) Forward(ctx context.Context, evt events.CaptureEvent) error {
	if h.url == "" {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}
