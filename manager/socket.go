package manager

import (
	"context"
	"time"

	"github.com/abdelmounim-dev/workspace-pooler/protocol"
)

// Metadata describes the physical connection behind a socket.
type Metadata struct {
	RemoteAddr  string
	UserAgent   string
	Transport   string
	ConnectedAt time.Time
}

// ConnectionSocket is the transport-independent view of a client connection.
// Send encodes resp in the requested wire mode and returns the number of
// bytes written. Close must be safe to call more than once.
type ConnectionSocket interface {
	ID() string
	Send(ctx context.Context, resp *protocol.Response, binary, compress bool) (int, error)
	Close()
	IsClosed() bool
	Data() Metadata
}
