package framepub

import (
	"context"

	"github.com/pkg/errors"
)

// ErrDisconnected is returned (possibly wrapped) by a Transport when a publish
// failed because the connection is gone.
var ErrDisconnected = errors.New("transport disconnected")

// A Transport delivers payloads to subjects. Connectivity is owned by the
// Transport; callers must query IsConnected rather than track it themselves.
type Transport interface {
	Publish(subject string, data []byte) error
	IsConnected() bool

	// Reconnect makes a single attempt to connect to the originally
	// configured endpoint, giving up when ctx is done.
	Reconnect(ctx context.Context) error

	// Drain flushes in-flight publishes.
	Drain() error
	Close() error
}
