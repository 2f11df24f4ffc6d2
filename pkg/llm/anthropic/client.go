package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/user/cua/pkg/llm"
)

const (
	// DefaultBaseURL is the public API root.
	DefaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client implements the llm.Provider interface for the messages API.
type Client struct {
	config    *llm.Config
	transport *llm.Transport
}

// New creates a new messages-style client with the given configuration.
func New(config *llm.Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	return &Client{
		config:    config,
		transport: llm.NewTransport(Vendor, config.Timeout, config.RequestsPerMinute),
	}
}

// Transport exposes the underlying transport for instrumentation.
func (c *Client) Transport() *llm.Transport { return c.transport }

// Vendor names the wire protocol.
func (c *Client) Vendor() string { return Vendor }

// Complete sends one request and returns the normalized response.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req.Model == "" {
		req.Model = c.config.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.config.MaxTokens
	}
	body, err := NormalizeRequest(req)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(c.config.BaseURL, "/") + "/v1/messages"
	respBody, err := c.transport.Post(ctx, url, map[string]string{
		"x-api-key":         c.config.APIKey,
		"anthropic-version": apiVersion,
	}, body)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return DenormalizeResponse(respBody)
}
