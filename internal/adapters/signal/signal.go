package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/app/orch"
	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Options tune one websocket connection.
type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	PongWait   time.Duration
	WriteWait  time.Duration
	SendBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 32
	}
	return o
}

type SignalWSController struct {
	Orch   *orch.Orchestrator
	Router *Router
	Policy app.Policy
	Opts   Options
}

func NewSignalWSController(o *orch.Orchestrator, policy app.Policy, opts Options) *SignalWSController {
	if policy == nil {
		policy = app.SimplePolicy{}
	}
	return &SignalWSController{
		Orch:   o,
		Router: NewRouter(o),
		Policy: policy,
		Opts:   opts.withDefaults(),
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return domain.ErrSessionClosed
	}
	select {
	case c.send <- f:
	default:
		return domain.ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Origins are filtered by the http middleware before the upgrade.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	if !ctl.Orch.Accepting() {
		log.Warn().Str("module", "signal").Str("client", token).Msg("media engine unavailable, refusing connection")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media engine unavailable"})
		return
	}

	var header http.Header
	if cookies := c.Writer.Header().Values("Set-Cookie"); len(cookies) > 0 {
		header = http.Header{"Set-Cookie": cookies}
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.Opts.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	sess, err := ctl.Orch.Connect(conn, cancel)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("session rejected")
		_ = ws.SetWriteDeadline(time.Now().Add(ctl.Opts.WriteWait))
		_ = ws.WriteMessage(websocket.TextMessage, errorFrame(err))
		cancel()
		conn.Close()
		return
	}
	log.Info().Str("module", "signal").Str("sid", string(sess.ID())).Str("client", token).Msg("new WS connection")

	ctl.send(sess.ID(), conn, encode(response{
		Type: TypeConnected,
		Data: connectedData{SessionID: sess.ID(), Message: "Connected to SFU signaling"},
	}))

	go ctl.writePump(ctx, sess.ID(), conn)
	go ctl.readPump(ctx, sess, conn)
}

func (ctl *SignalWSController) send(sid domain.SessionID, c *WsSignalConn, f core.Frame) {
	err := c.TrySend(f)
	if err == nil {
		return
	}
	if !errors.Is(err, domain.ErrBackpressure) {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("frame after close")
		return
	}
	switch ctl.Policy.OnBackPressure(sid) {
	case app.Disconnect:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("send queue full, disconnecting")
		c.Close()
	default:
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("send queue full, frame dropped")
	}
}
