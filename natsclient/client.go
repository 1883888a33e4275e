// Package natsclient provides a NATS backed framepub.Transport.
package natsclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/edaniels/framepub"
)

// Client owns a single NATS connection. It never reconnects on its own; a
// lost connection stays lost until Reconnect is called.
type Client struct {
	url          string
	name         string
	timeout      time.Duration
	drainTimeout time.Duration
	logger       golog.Logger

	mu     sync.RWMutex
	conn   *nats.Conn
	closed chan struct{} // closed once conn is closed
}

var _ framepub.Transport = (*Client)(nil)

// NewClient returns an unconnected client for the server at url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:          url,
		name:         "framepub-" + uuid.NewString(),
		timeout:      framepub.DefaultConnectTimeout,
		drainTimeout: 5 * time.Second,
		logger:       golog.Global().Named("nats"),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "applying client option")
		}
	}
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string {
	return c.url
}

// Name returns the connection name reported to the server.
func (c *Client) Name() string {
	return c.name
}

func (c *Client) connection() (*nats.Conn, chan struct{}) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.closed
}

// Connect dials the server, giving up at the sooner of ctx being done or the
// configured timeout.
func (c *Client) Connect(ctx context.Context) error {
	if conn, _ := c.connection(); conn != nil && !conn.IsClosed() {
		return errors.Errorf("already connected to %s", c.url)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return errors.Wrapf(context.DeadlineExceeded, "connecting to %s", c.url)
	}

	closed := make(chan struct{})
	opts := []nats.Option{
		nats.Name(c.name),
		nats.Timeout(timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warnw("disconnected from nats", "url", c.url, "error", err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Debugw("nats connection closed", "url", c.url)
			close(closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Errorw("nats error", "error", err)
		}),
	}

	type connectResult struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan connectResult, 1)
	go func() {
		conn, err := nats.Connect(c.url, opts...)
		done <- connectResult{conn, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return errors.Wrapf(res.err, "connecting to %s", c.url)
		}
		c.mu.Lock()
		c.conn = res.conn
		c.closed = closed
		c.mu.Unlock()
		c.logger.Infow("connected to nats", "url", res.conn.ConnectedUrl(), "name", c.name)
		return nil
	case <-ctx.Done():
		// the dial is bounded by timeout; close whatever it produces
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return errors.Wrapf(ctx.Err(), "connecting to %s", c.url)
	}
}

// Reconnect discards the current connection and makes a single attempt to
// connect to the same server.
func (c *Client) Reconnect(ctx context.Context) error {
	if conn, _ := c.connection(); conn != nil {
		conn.Close()
	}
	return c.Connect(ctx)
}

// IsConnected reports what the underlying connection says about itself.
func (c *Client) IsConnected() bool {
	conn, _ := c.connection()
	return conn != nil && conn.IsConnected()
}

// Publish sends data to subject without waiting for any acknowledgement.
// Failures caused by a lost connection wrap framepub.ErrDisconnected.
func (c *Client) Publish(subject string, data []byte) error {
	conn, _ := c.connection()
	if conn == nil {
		return errors.Wrap(framepub.ErrDisconnected, "never connected")
	}
	if err := conn.Publish(subject, data); err != nil {
		if isDisconnect(err) {
			return fmt.Errorf("%w: %w", framepub.ErrDisconnected, err)
		}
		return errors.Wrapf(err, "publishing to %q", subject)
	}
	return nil
}

func isDisconnect(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrConnectionReconnecting) ||
		errors.Is(err, nats.ErrReconnectBufExceeded) ||
		errors.Is(err, nats.ErrStaleConnection)
}

// Drain flushes pending publishes and waits for the connection to close.
func (c *Client) Drain() error {
	conn, closed := c.connection()
	if conn == nil {
		return nil
	}
	if err := conn.Drain(); err != nil {
		return errors.Wrap(err, "draining nats connection")
	}
	// nats closes the connection itself once DrainTimeout passes
	select {
	case <-closed:
		return nil
	case <-time.After(c.drainTimeout + time.Second):
		return errors.Errorf("drain did not finish within %s", c.drainTimeout)
	}
}

// Close closes the connection without draining. It is safe to call more than once.
func (c *Client) Close() error {
	conn, _ := c.connection()
	if conn != nil {
		conn.Close()
	}
	return nil
}
