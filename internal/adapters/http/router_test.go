package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/app/orch"
	"github.com/dkeye/sfu-signaling/internal/config"
	"github.com/dkeye/sfu-signaling/internal/core/coretest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const dtlsJSON = `{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`

type frame struct {
	Type    string          `json:"type"`
	Kind    string          `json:"kind"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type server struct {
	t      *testing.T
	engine *coretest.Engine
	orch   *orch.Orchestrator
	srv    *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:           "test",
		WSPath:         "/ws",
		ReadLimit:      1 << 16,
		PingPeriod:     time.Second,
		PongWait:       2 * time.Second,
		WriteWait:      time.Second,
		SendBuffer:     16,
		Secret:         "test-secret",
		AllowedOrigins: []string{"*"},
	}
}

func newServer(t *testing.T, tweak func(*config.Config)) *server {
	t.Helper()
	cfg := testConfig()
	if tweak != nil {
		tweak(cfg)
	}
	eng := coretest.NewEngine()
	o := &orch.Orchestrator{Engine: eng, Registry: app.NewRegistry(), Sessions: app.NewSessions()}
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &server{t: t, engine: eng, orch: o, srv: srv}
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *server) dial(d *websocket.Dialer, header http.Header) (*websocket.Conn, *http.Response, error) {
	if d == nil {
		d = websocket.DefaultDialer
	}
	return d.Dial(s.wsURL(), header)
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
	sid  string
}

// connect dials and consumes the greeting.
func (s *server) connect() *client {
	s.t.Helper()
	conn, _, err := s.dial(nil, nil)
	if err != nil {
		s.t.Fatalf("dial: %v", err)
	}
	s.t.Cleanup(func() { _ = conn.Close() })
	c := &client{t: s.t, conn: conn}
	f := c.read()
	if f.Type != "connected" {
		s.t.Fatalf("greeting = %+v", f)
	}
	var d struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(f.Data, &d); err != nil || d.SessionID == "" {
		s.t.Fatalf("greeting data %s", f.Data)
	}
	c.sid = d.SessionID
	return c
}

func (c *client) read() frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return f
}

func (c *client) call(msg string, want string) frame {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	f := c.read()
	if f.Type != want {
		c.t.Fatalf("%s -> %+v, want %s", msg, f, want)
	}
	return f
}

func id(t *testing.T, f frame) string {
	t.Helper()
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(f.Data, &d); err != nil || d.ID == "" {
		t.Fatalf("no id in %s", f.Data)
	}
	return d.ID
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignalingOverWebSocket(t *testing.T) {
	s := newServer(t, nil)

	a := s.connect()
	a.call(`{"type":"getRouterRtpCapabilities"}`, "routerRtpCapabilities")
	pt := id(t, a.call(`{"type":"createProducerTransport"}`, "producerTransportCreated"))
	a.call(fmt.Sprintf(`{"type":"connectProducerTransport","transportId":%q,"dtlsParameters":%s}`, pt, dtlsJSON), "transportConnected")
	pid := id(t, a.call(fmt.Sprintf(`{"type":"produce","transportId":%q,"kind":"audio","rtpParameters":{"codecs":[]}}`, pt), "producerCreated"))

	b := s.connect()
	if a.sid == b.sid {
		t.Fatal("two connections share a session id")
	}
	ct := id(t, b.call(`{"type":"createConsumerTransport"}`, "consumerTransportCreated"))
	b.call(fmt.Sprintf(`{"type":"connectConsumerTransport","transportId":%q,"dtlsParameters":%s}`, ct, dtlsJSON), "consumerTransportConnected")
	f := b.call(fmt.Sprintf(`{"type":"consume","transportId":%q,"rtpCapabilities":%s}`, ct, coretest.Capabilities), "consumersCreated")

	var cs []struct {
		ProducerID string `json:"producerId"`
	}
	if err := json.Unmarshal(f.Data, &cs); err != nil || len(cs) != 1 || cs[0].ProducerID != pid {
		t.Fatalf("consumersCreated = %s, want producer %s", f.Data, pid)
	}

	// Errors keep the connection open.
	e := a.call(`garbage`, "error")
	if e.Kind != "MalformedMessage" || e.Message == "" {
		t.Fatalf("error frame = %+v", e)
	}
	a.call(`{"type":"ping"}`, "pong")

	if err := a.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	if f := a.read(); f.Type != "error" || f.Kind != "MalformedMessage" {
		t.Fatalf("binary frame -> %+v", f)
	}

	_ = a.conn.Close()
	_ = b.conn.Close()
	waitFor(t, "sessions to be released", func() bool {
		return s.orch.Sessions.Count() == 0 && s.orch.Registry.Stats() == (app.Stats{})
	})
	waitFor(t, "engine to be empty", func() bool {
		tr, pr, co := s.engine.Open()
		return tr+pr+co == 0
	})
}

func TestHealth(t *testing.T) {
	s := newServer(t, nil)
	s.connect()

	get := func() (int, map[string]any) {
		resp, err := http.Get(s.srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		return resp.StatusCode, body
	}

	code, body := get()
	if code != http.StatusOK || body["status"] != "ok" || body["engine"] != "alive" || body["sessions"] != float64(1) {
		t.Fatalf("health = %d %v", code, body)
	}

	s.engine.Kill(errors.New("worker died"))
	code, body = get()
	if code != http.StatusServiceUnavailable || body["engine"] != "dead" {
		t.Fatalf("health after death = %d %v", code, body)
	}
}

func TestRefusesConnectionsAfterEngineDeath(t *testing.T) {
	s := newServer(t, nil)
	s.engine.Kill(errors.New("worker died"))

	_, resp, err := s.dial(nil, nil)
	if err == nil {
		t.Fatal("dial succeeded with a dead engine")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("response = %v", resp)
	}
	if s.orch.Sessions.Count() != 0 {
		t.Fatal("session created with a dead engine")
	}
}

func TestOriginFilter(t *testing.T) {
	s := newServer(t, func(c *config.Config) { c.AllowedOrigins = []string{"https://app.example"} })

	_, resp, err := s.dial(nil, http.Header{"Origin": {"https://evil.example"}})
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign origin: err=%v resp=%v", err, resp)
	}

	conn, _, err := s.dial(nil, http.Header{"Origin": {"https://app.example"}})
	if err != nil {
		t.Fatalf("allowed origin: %v", err)
	}
	_ = conn.Close()
}

func TestConnectRateLimit(t *testing.T) {
	s := newServer(t, func(c *config.Config) {
		c.ConnectRate = config.RateConfig{Limit: 1, Interval: time.Minute}
	})
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	d := &websocket.Dialer{Jar: jar, HandshakeTimeout: 2 * time.Second}

	conn, _, err := s.dial(d, nil)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	_ = conn.Close()

	_, resp, err := s.dial(d, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second dial: err=%v resp=%v", err, resp)
	}
}

func TestConnectLimiterWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewConnectLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	steps := []struct {
		advance time.Duration
		key     string
		want    bool
	}{
		{0, "a", true},
		{time.Second, "a", true},
		{time.Second, "a", false},
		{0, "b", true},
		{59 * time.Second, "a", true},
		{0, "a", false},
		{2 * time.Minute, "a", true},
	}
	for i, st := range steps {
		now = now.Add(st.advance)
		if got := rl.Allow(st.key); got != st.want {
			t.Fatalf("step %d: Allow(%s) = %v, want %v", i, st.key, got, st.want)
		}
	}

	if !NewConnectLimiter(0, time.Minute).Allow("x") {
		t.Fatal("disabled limiter refused")
	}
}

func TestClientTokenIsStable(t *testing.T) {
	cfg := testConfig()
	o := &orch.Orchestrator{Engine: coretest.NewEngine(), Registry: app.NewRegistry(), Sessions: app.NewSessions()}
	r := SetupRouter(context.Background(), cfg, o)
	var tokens []string
	r.GET("/token", func(c *gin.Context) {
		tokens = append(tokens, c.GetString("client_token"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/token", nil))
	cookies := rec.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("no session cookie issued")
	}

	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	r.ServeHTTP(httptest.NewRecorder(), req)

	if len(tokens) != 2 || tokens[0] == "" || tokens[0] != tokens[1] {
		t.Fatalf("tokens = %v", tokens)
	}
	if slices.Contains(tokens, "") {
		t.Fatal("empty token")
	}
}
