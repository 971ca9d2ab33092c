package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/imamik/bmconductor/internal/node"
	"github.com/imamik/bmconductor/internal/util/retry"
)

// Default retry budget.
const (
	DefaultMaxRetries    = 60
	DefaultRetryInterval = 2 * time.Second
)

// Client calls backend capabilities with retries.
type Client struct {
	tokens   TokenSource
	connect  Connector
	classify Classifier

	maxRetries    int
	retryInterval time.Duration
	clock         clock.Clock
	enableMetrics bool
}

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client)

// WithMaxRetries sets the total number of attempts per call.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryInterval sets the fixed sleep between attempts.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryInterval = d
	}
}

// WithClock sets the clock used for the retry sleep.
func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithClassifier sets how backend errors are classified.
func WithClassifier(fn Classifier) ClientOption {
	return func(c *Client) {
		c.classify = fn
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(enabled bool) ClientOption {
	return func(c *Client) {
		c.enableMetrics = enabled
	}
}

// NewClient creates a Client that authenticates through tokens and
// connects through connect.
func NewClient(tokens TokenSource, connect Connector, opts ...ClientOption) *Client {
	c := &Client{
		tokens:        tokens,
		connect:       connect,
		classify:      DefaultClassify,
		maxRetries:    DefaultMaxRetries,
		retryInterval: DefaultRetryInterval,
		clock:         clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	return c
}

// Call invokes the capability at method with args.
//
// Transient failures are retried up to the configured number of attempts
// with a blocking sleep in between; the loop is not interrupted by ctx.
// Every other failure ends the call immediately. A failure to obtain a
// credential or a handle ends the call without counting as an attempt.
// All returned errors are *node.Error values carrying method and attempts.
func (c *Client) Call(ctx context.Context, method string, args ...any) (any, error) {
	logger := log.FromContext(ctx).WithValues("method", method)

	var (
		result  any
		invoked int
	)
	_, err := retry.Do(func(attempt int) error {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return retry.Fatal(c.credentialError(method, invoked, err))
		}
		handle, err := c.connect(ctx, token)
		if err != nil {
			return retry.Fatal(c.credentialError(method, invoked, err))
		}
		fn, err := handle.Resolve(method)
		if err != nil {
			return retry.Fatal(&node.Error{Kind: node.KindFatal, Method: method, Attempts: invoked,
				Msg: fmt.Sprintf("cannot resolve backend method %s", method), Err: err})
		}

		invoked = attempt
		res, err := fn(ctx, args...)
		if err == nil {
			result = res
			return nil
		}

		kind := c.classify(err)
		if kind.Retryable() {
			logger.V(1).Info("transient backend failure, retrying",
				"attempt", attempt, "maxRetries", c.maxRetries, "interval", c.retryInterval, "error", err.Error())
			return err
		}
		if kind != node.KindAuthFailure {
			kind = node.KindFatal
		}
		return retry.Fatal(&node.Error{Kind: kind, Method: method, Attempts: attempt,
			Msg: fmt.Sprintf("backend method %s failed", method), Err: err})
	},
		retry.WithMaxAttempts(c.maxRetries),
		retry.WithInterval(c.retryInterval),
		retry.WithClock(c.clock),
	)

	if err == nil {
		c.record(method, "success", invoked)
		return result, nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		err = &node.Error{
			Kind:     node.KindFatal,
			Method:   method,
			Attempts: exhausted.Attempts,
			Msg:      fmt.Sprintf("maximum number of retries (%d) reached for method %s", exhausted.Attempts, method),
			Err:      exhausted.Err,
		}
		logger.Error(err, "backend call exhausted its retries")
	}
	c.record(method, node.KindOf(err).String(), invoked)
	return nil, err
}

// credentialError wraps a failure to authenticate or connect. The kind of
// an AuthFailure is kept; anything else is fatal.
func (c *Client) credentialError(method string, attempts int, err error) error {
	kind := node.KindFatal
	if node.IsKind(err, node.KindAuthFailure) {
		kind = node.KindAuthFailure
	}
	return &node.Error{Kind: kind, Method: method, Attempts: attempts,
		Msg: fmt.Sprintf("cannot obtain backend credential for %s", method), Err: err}
}

func (c *Client) record(method, result string, attempts int) {
	if c.enableMetrics {
		recordRemoteCallMetric(method, result, attempts)
	}
}
