package signal

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/swarm-relay/internal/core"
	"github.com/dkeye/swarm-relay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultReadLimit  = 100 << 20
	defaultPingPeriod = 54 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultWriteWait  = 5 * time.Second
	defaultSendBuffer = 64
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (o *Options) setDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = defaultPingPeriod
	}
	if o.PongWait <= o.PingPeriod {
		o.PongWait = o.PingPeriod + o.PingPeriod/9
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
}

// ClientWSController accepts browser sockets and feeds them to a
// core.ClientHandler.
type ClientWSController struct {
	Handler core.ClientHandler

	opts     Options
	upgrader websocket.Upgrader
}

func NewClientWSController(h core.ClientHandler, opts Options) *ClientWSController {
	opts.setDefaults()
	return &ClientWSController{
		Handler: h,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// WsClientConn is one browser socket. It implements core.Conn.
type WsClientConn struct {
	id   domain.ClientID
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsClientConn) ID() string { return string(c.id) }

func (c *WsClientConn) TrySend(f core.Frame) error {
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

// Close stops accepting frames; writePump flushes a close frame and
// releases the socket.
func (c *WsClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (ctl *ClientWSController) HandleClient(ctx context.Context, c *gin.Context) {
	ws, err := ctl.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsClientConn{
		id:   domain.NewClientID(),
		conn: ws,
		send: make(chan core.Frame, ctl.opts.SendBuffer),
	}
	log.Info().
		Str("module", "signal").
		Str("conn", conn.ID()).
		Str("ct", c.GetString("client_token")).
		Str("remote", c.ClientIP()).
		Msg("browser connected")

	ctl.Handler.OnClientConnected(conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, cancel, conn)
	go ctl.readPump(ctx, cancel, conn)
}
