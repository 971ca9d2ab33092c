package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/bmconductor/internal/remote"
)

// DefaultActionTimeout bounds how long a single action is awaited.
const DefaultActionTimeout = 5 * time.Minute

// Connector builds backend handles from API tokens.
type Connector struct {
	endpoint      string
	application   string
	version       string
	httpClient    *http.Client
	actionTimeout time.Duration
}

// ClientOption configures a Connector.
type ClientOption func(*Connector)

// WithEndpoint overrides the API endpoint (useful for testing).
func WithEndpoint(url string) ClientOption {
	return func(c *Connector) {
		c.endpoint = url
	}
}

// WithHTTPClient sets a custom HTTP client for API requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Connector) {
		c.httpClient = hc
	}
}

// WithApplication sets the application name and version sent in the
// user agent.
func WithApplication(name, version string) ClientOption {
	return func(c *Connector) {
		c.application = name
		c.version = version
	}
}

// WithActionTimeout sets how long an action is awaited.
func WithActionTimeout(d time.Duration) ClientOption {
	return func(c *Connector) {
		c.actionTimeout = d
	}
}

// NewConnector creates a Connector.
func NewConnector(opts ...ClientOption) *Connector {
	c := &Connector{
		application:   "bmconductor",
		actionTimeout: DefaultActionTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect returns a handle authenticated with token. It does not contact
// the API.
func (c *Connector) Connect(_ context.Context, token string) (remote.Handle, error) {
	if token == "" {
		return nil, fmt.Errorf("empty hcloud token")
	}

	hopts := []hcloud.ClientOption{
		hcloud.WithToken(token),
		hcloud.WithApplication(c.application, c.version),
		// Retries belong to remote.Client; one call is one request.
		hcloud.WithRetryOpts(hcloud.RetryOpts{MaxRetries: 0, BackoffFunc: hcloud.ConstantBackoff(0)}),
	}
	if c.endpoint != "" {
		hopts = append(hopts, hcloud.WithEndpoint(c.endpoint))
	}
	if c.httpClient != nil {
		hopts = append(hopts, hcloud.WithHTTPClient(c.httpClient))
	}

	return NewBackend(hcloud.NewClient(hopts...), c.actionTimeout).Namespace(), nil
}
