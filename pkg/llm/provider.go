package llm

import (
	"context"
	"time"
)

// Provider defines the interface for interacting with a model vendor.
// Implementations own the wire protocol: request normalization,
// authentication, and response denormalization.
type Provider interface {
	// Vendor names the wire protocol, for logs and metrics.
	Vendor() string

	// Complete sends one model query and returns the normalized response.
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config holds common configuration for vendor clients.
type Config struct {
	BaseURL           string
	APIKey            string
	Organization      string
	Model             string
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
}
