package core

import (
	"context"

	"github.com/dkeye/swarm-relay/internal/domain"
)

// Frame is a raw payload as it travels between transports.
type Frame []byte

// Conn abstracts one live endpoint: a browser socket or a swarm peer stream.
// Owned by the adapter; the adapter must Close() it.
type Conn interface {
	ID() string
	// TrySend queues f without blocking. It returns ErrConnClosed once the
	// connection is closed and ErrBackpressure when the queue is full.
	TrySend(f Frame) error
	Close()
}

// JoinOptions mirror the swarm's announce/lookup switches.
type JoinOptions struct {
	Lookup   bool
	Announce bool
}

// Swarm is the discovery/transport collaborator. Implementations report
// connections back through a SwarmHandler.
type Swarm interface {
	Join(ctx context.Context, topic domain.Topic, opts JoinOptions) error
	Leave(topic domain.Topic) error
}

// SwarmHandler receives swarm events. Callbacks for a single peer are
// delivered in order: connected, data..., closed.
type SwarmHandler interface {
	OnPeerConnected(peer Conn)
	OnPeerData(peer Conn, data []byte)
	OnPeerClosed(peer Conn)
	OnSwarmError(err error)
}

// ClientHandler receives browser transport events.
type ClientHandler interface {
	OnClientConnected(client Conn)
	OnClientMessage(client Conn, raw []byte)
	OnClientClosed(client Conn)
}
