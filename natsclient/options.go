package natsclient

import (
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
)

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client) error

// WithLogger sets the logger connection events are reported to.
func WithLogger(logger golog.Logger) ClientOption {
	return func(c *Client) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithTimeout sets the upper bound on establishing a connection.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.Errorf("timeout must be positive, got %s", d)
		}
		c.timeout = d
		return nil
	}
}

// WithDrainTimeout sets how long Drain waits for in-flight publishes.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d <= 0 {
			return errors.Errorf("drain timeout must be positive, got %s", d)
		}
		c.drainTimeout = d
		return nil
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}
