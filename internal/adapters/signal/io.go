package signal

import (
	"context"
	"time"

	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, sid domain.SessionID, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.Opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("sid", string(sid)).Msg("writePump ctx done")
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(ctl.Opts.WriteWait))
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ctl.Opts.WriteWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("ping failed")
				return
			}
		}
	}
}

// readPump owns the session: requests are handled one at a time in arrival
// order, and the session is torn down when the loop exits.
func (ctl *SignalWSController) readPump(ctx context.Context, sess *core.Session, c *WsSignalConn) {
	sid := sess.ID()
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		ctl.Orch.Sessions.Cancel(sid)
		c.Close()
		ctl.Orch.Disconnect(context.WithoutCancel(ctx), sess)
	}()

	c.conn.SetReadLimit(ctl.Opts.ReadLimit)
	refresh := func() error { return c.conn.SetReadDeadline(time.Now().Add(ctl.Opts.PongWait)) }
	_ = refresh()
	c.conn.SetPongHandler(func(string) error { return refresh() })

	// In-flight engine calls finish even if the socket goes away.
	hctx := context.WithoutCancel(ctx)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = refresh()

		var reply core.Frame
		if mt != websocket.TextMessage {
			reply = errorFrame(domain.Errorf(domain.KindMalformedMessage, "Invalid message format: text frames only"))
		} else {
			reply = ctl.Router.Handle(hctx, sess, data)
		}
		ctl.send(sid, c, reply)
	}
}
