package channel

import (
	"time"

	"github.com/dkeye/circlechat/internal/core"
	"github.com/dkeye/circlechat/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// writePump is the only writer of conn. It exits when send is closed.
func (c *Channel) writePump(conn *websocket.Conn, send <-chan []byte, gen uint64) {
	var tick <-chan time.Time
	if c.opts.PingPeriod > 0 {
		ticker := time.NewTicker(c.opts.PingPeriod)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case data, ok := <-send:
			if !ok {
				log.Debug().Str("module", "channel").Msg("writePump channel closed")
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump set deadline")
				c.lost(gen)
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump write error")
				c.lost(gen)
				return
			}
		case <-tick:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "channel").Msg("writePump ping failed")
				c.lost(gen)
				return
			}
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn, gen uint64) {
	defer c.lost(gen)

	if c.opts.PingPeriod > 0 {
		pongWait := c.opts.PingPeriod * 2
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "channel").Msg("readPump read error")
			} else {
				log.Info().Err(err).Str("module", "channel").Msg("readPump closing")
			}
			return
		}
		m, err := wire.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "channel").Msg("bad frame")
			continue
		}
		c.emit(core.EventMessage, m)
		c.emit(core.EventFor(m.Kind()), m)
	}
}
