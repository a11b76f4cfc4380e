package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *ClientWSController) writePump(ctx context.Context, cancel context.CancelFunc, c *WsClientConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		ctl.closeSocket(c)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("conn", c.ID()).Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", c.ID()).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *ClientWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsClientConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", c.ID()).Msg("browser disconnected")
		ctl.Handler.OnClientClosed(c)
		c.Close()
		cancel()
	}()

	c.conn.SetReadLimit(ctl.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			mt, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("readPump read error")
				}
				return
			}
			if mt != websocket.TextMessage {
				log.Debug().Str("module", "signal").Str("conn", c.ID()).Int("type", mt).Msg("non-text frame dropped")
				continue
			}
			ctl.Handler.OnClientMessage(c, data)
		}
	}
}

func (ctl *ClientWSController) closeSocket(c *WsClientConn) {
	_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err := c.conn.Close(); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("socket close")
	}
}
