package swarm

import (
	"sync"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"
	"github.com/rs/zerolog/log"
)

// peerConn is one relay stream to a remote peer. It implements core.Conn.
type peerConn struct {
	peer   peer.ID
	id     string
	stream network.Stream
	send   chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func newPeerConn(p peer.ID, st network.Stream, buffer int) *peerConn {
	return &peerConn{
		peer:   p,
		id:     p.ShortString() + "/" + st.ID(),
		stream: st,
		send:   make(chan core.Frame, buffer),
	}
}

func (c *peerConn) ID() string { return c.id }

func (c *peerConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return core.ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return core.ErrBackpressure
	}
	return nil
}

// Close stops accepting frames; writeLoop flushes the queue and closes the
// stream.
func (c *peerConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// reset tears the stream down at once; the read loop then reports closure.
func (c *peerConn) reset() {
	c.Close()
	_ = c.stream.Reset()
}

func (c *peerConn) writeLoop() {
	w := msgio.NewVarintWriter(c.stream)
	for f := range c.send {
		if err := w.WriteMsg(f); err != nil {
			log.Warn().Err(err).Str("module", "adapters.swarm").Str("conn", c.id).Msg("peer write failed")
			_ = c.stream.Reset()
			return
		}
	}
	_ = c.stream.Close()
}

func (c *peerConn) readFrames(maxSize int, fn func([]byte)) error {
	r := msgio.NewVarintReaderSize(c.stream, maxSize)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			return err
		}
		fn(msg)
	}
}
