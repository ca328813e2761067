package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnreachable is returned when a push targets a transport that has
// already gone away.
var ErrUnreachable = errors.New("recipient unreachable")

// Transport is the write side of one live client session. Implementations
// must be safe for concurrent use and must return ErrUnreachable (possibly
// wrapped) once the peer is gone.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// Connection is one live transport session. It is bound to at most one
// identity, and only through the Registry.
type Connection struct {
	ID        string
	Kind      string
	Remote    string
	CreatedAt time.Time

	transport Transport
}

func NewConnection(t Transport, kind, remote string) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		Kind:      kind,
		Remote:    remote,
		CreatedAt: time.Now().UTC(),
		transport: t,
	}
}

func (c *Connection) Send(ctx context.Context, payload []byte) error {
	if c == nil || c.transport == nil {
		return ErrUnreachable
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		return fmt.Errorf("connection %s: %w", c.ID, err)
	}
	return nil
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s/%s", c.Kind, c.ID)
}
