package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// RequestObserver is notified after every vendor request. status is 0 when
// the request failed before a response arrived.
type RequestObserver interface {
	ObserveRequest(vendor string, status int, elapsed time.Duration)
}

// Transport posts JSON bodies to vendor endpoints with an optional rate limit.
type Transport struct {
	vendor     string
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   RequestObserver
}

// NewTransport creates a transport for vendor. A zero timeout means 120s; a
// non-positive rpm disables rate limiting.
func NewTransport(vendor string, timeout time.Duration, rpm int) *Transport {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	t := &Transport{
		vendor:     vendor,
		httpClient: &http.Client{Timeout: timeout},
	}
	if rpm > 0 {
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
	}
	return t
}

// SetObserver installs a request observer.
func (t *Transport) SetObserver(o RequestObserver) {
	t.observer = o
}

// SetHTTPClient replaces the underlying HTTP client.
func (t *Transport) SetHTTPClient(c *http.Client) {
	t.httpClient = c
}

// Post sends body to url and returns the response body. Failures and non-2xx
// statuses are returned as *NetworkError.
func (t *Transport) Post(ctx context.Context, url string, headers map[string]string, body []byte) ([]byte, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.observe(0, start)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &NetworkError{Vendor: t.vendor, Err: err}
	}
	defer resp.Body.Close()
	t.observe(resp.StatusCode, start)

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Vendor: t.vendor, StatusCode: 0, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{
			Vendor:     t.vendor,
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
			Err:        fmt.Errorf("status %d", resp.StatusCode),
		}
	}
	return respBody, nil
}

func (t *Transport) observe(status int, start time.Time) {
	if t.observer != nil {
		t.observer.ObserveRequest(t.vendor, status, time.Since(start))
	}
}
