package orch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/core/coretest"
	"github.com/dkeye/sfu-signaling/internal/domain"
)

var (
	allCaps   = json.RawMessage(coretest.Capabilities)
	audioCaps = json.RawMessage(`{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2}]}`)
	dtls      = json.RawMessage(`{"role":"client","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`)
	rtp       = json.RawMessage(`{"codecs":[{"mimeType":"audio/opus","payloadType":111,"clockRate":48000,"channels":2}]}`)
)

type nopSignal struct{}

func (nopSignal) TrySend(core.Frame) error { return nil }
func (nopSignal) Close()                   {}

func newOrchestrator(eng core.MediaEngine) *Orchestrator {
	return &Orchestrator{
		Engine:             eng,
		Registry:           app.NewRegistry(),
		Sessions:           app.NewSessions(),
		ConsumeConcurrency: 2,
	}
}

func connect(t *testing.T, o *Orchestrator) *core.Session {
	t.Helper()
	sess, err := o.Connect(nopSignal{}, func() {})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess
}

func connectedTransport(t *testing.T, o *Orchestrator, sess *core.Session, role domain.TransportRole) domain.TransportID {
	t.Helper()
	ctx := context.Background()
	h, err := o.CreateTransport(ctx, sess, role)
	if err != nil {
		t.Fatalf("CreateTransport: %v", err)
	}
	if err := o.ConnectTransport(ctx, sess, role, h.ID, dtls); err != nil {
		t.Fatalf("ConnectTransport: %v", err)
	}
	return h.ID
}

func producer(t *testing.T, o *Orchestrator, kind domain.MediaKind) (*core.Session, domain.ProducerID) {
	t.Helper()
	sess := connect(t, o)
	tid := connectedTransport(t, o, sess, domain.RoleProducer)
	p, err := o.Produce(context.Background(), sess, tid, kind, rtp)
	if err != nil {
		t.Fatalf("Produce: %v", err)
	}
	return sess, p.ID
}

func wantKind(t *testing.T, err error, kind domain.ErrorKind) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	if got := domain.KindOf(err); got != kind {
		t.Fatalf("kind = %s (%v), want %s", got, err, kind)
	}
}

func producerIDs(cs []domain.ConsumerHandle) []domain.ProducerID {
	out := make([]domain.ProducerID, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.ProducerID)
	}
	slices.Sort(out)
	return out
}

func TestProduceThenConsume(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()

	a, pid := producer(t, o, domain.MediaKindAudio)
	if a.Phase() != core.PhaseActive {
		t.Fatalf("producer phase = %s", a.Phase())
	}

	b := connect(t, o)
	tid := connectedTransport(t, o, b, domain.RoleConsumer)
	cs, err := o.Consume(ctx, b, tid, allCaps)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if len(cs) != 1 || cs[0].ProducerID != pid {
		t.Fatalf("consumers = %+v, want one of %s", cs, pid)
	}
	c := cs[0]
	if c.Owner != b.ID() || c.TransportID != tid || c.Kind != domain.MediaKindAudio || c.Type != domain.ConsumerSimple {
		t.Fatalf("consumer = %+v", c)
	}
	if _, ok := o.Registry.Consumer(c.ID); !ok {
		t.Fatal("consumer not registered")
	}
	if b.Phase() != core.PhaseActive {
		t.Fatalf("consumer phase = %s", b.Phase())
	}
}

func TestConsumeTwoProducers(t *testing.T) {
	o := newOrchestrator(coretest.NewEngine())
	_, p1 := producer(t, o, domain.MediaKindAudio)
	_, p2 := producer(t, o, domain.MediaKindVideo)

	c := connect(t, o)
	tid := connectedTransport(t, o, c, domain.RoleConsumer)
	cs, err := o.Consume(context.Background(), c, tid, allCaps)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.ProducerID{p1, p2}
	slices.Sort(want)
	if got := producerIDs(cs); !slices.Equal(got, want) {
		t.Fatalf("consumed %v, want %v", got, want)
	}
}

func TestConsumeFilters(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()

	a, audio := producer(t, o, domain.MediaKindAudio)
	_, video := producer(t, o, domain.MediaKindVideo)
	_, failing := producer(t, o, domain.MediaKindAudio)
	eng.FailConsume[failing] = errors.New("worker busy")

	t.Run("incompatible and failed producers are left out", func(t *testing.T) {
		b := connect(t, o)
		tid := connectedTransport(t, o, b, domain.RoleConsumer)
		cs, err := o.Consume(ctx, b, tid, audioCaps)
		if err != nil {
			t.Fatal(err)
		}
		if got := producerIDs(cs); !slices.Equal(got, []domain.ProducerID{audio}) {
			t.Fatalf("consumed %v, want [%s] (video %s, failing %s)", got, audio, video, failing)
		}
	})

	t.Run("own producers are never consumed", func(t *testing.T) {
		tid := connectedTransport(t, o, a, domain.RoleConsumer)
		cs, err := o.Consume(ctx, a, tid, allCaps)
		if err != nil {
			t.Fatal(err)
		}
		if slices.Contains(producerIDs(cs), audio) {
			t.Fatalf("session consumed its own producer: %v", producerIDs(cs))
		}
		if got := producerIDs(cs); !slices.Equal(got, []domain.ProducerID{video}) {
			t.Fatalf("consumed %v, want [%s]", got, video)
		}
	})

	t.Run("nothing to consume", func(t *testing.T) {
		fresh := newOrchestrator(coretest.NewEngine())
		b := connect(t, fresh)
		tid := connectedTransport(t, fresh, b, domain.RoleConsumer)
		cs, err := fresh.Consume(ctx, b, tid, allCaps)
		if err != nil || cs == nil || len(cs) != 0 {
			t.Fatalf("Consume = %v, %v; want empty non-nil", cs, err)
		}
		if b.Phase() != core.PhaseNegotiating {
			t.Fatalf("phase = %s", b.Phase())
		}
	})
}

func TestProduceBeforeTransport(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()
	sess := connect(t, o)

	_, err := o.Produce(ctx, sess, "", domain.MediaKindAudio, rtp)
	wantKind(t, err, domain.KindProtocolViolation)

	if _, err := o.Capabilities(ctx, sess); err != nil {
		t.Fatal(err)
	}
	_, err = o.Produce(ctx, sess, "transport-1", domain.MediaKindAudio, rtp)
	wantKind(t, err, domain.KindProtocolViolation)

	if eng.Calls("Produce") != 0 {
		t.Fatalf("engine Produce called %d times", eng.Calls("Produce"))
	}
	if n := len(o.Registry.Producers()); n != 0 {
		t.Fatalf("%d producers registered", n)
	}
}

func TestRequiresConnectedTransport(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()
	sess := connect(t, o)

	pt, err := o.CreateTransport(ctx, sess, domain.RoleProducer)
	if err != nil {
		t.Fatal(err)
	}
	ct, err := o.CreateTransport(ctx, sess, domain.RoleConsumer)
	if err != nil {
		t.Fatal(err)
	}

	_, err = o.Produce(ctx, sess, pt.ID, domain.MediaKindAudio, rtp)
	wantKind(t, err, domain.KindProtocolViolation)
	_, err = o.Produce(ctx, sess, "", domain.MediaKindAudio, rtp)
	wantKind(t, err, domain.KindProtocolViolation)
	_, err = o.Consume(ctx, sess, ct.ID, allCaps)
	wantKind(t, err, domain.KindProtocolViolation)

	if eng.Calls("Produce") != 0 || eng.Calls("Consume") != 0 || eng.Calls("CanConsume") != 0 {
		t.Fatal("engine was called for an unconnected transport")
	}
	if sess.Phase() != core.PhaseNegotiating {
		t.Fatalf("phase = %s", sess.Phase())
	}
}

func TestProduceDefaultsToLastConnectedTransport(t *testing.T) {
	o := newOrchestrator(coretest.NewEngine())
	sess := connect(t, o)
	connectedTransport(t, o, sess, domain.RoleProducer)
	second := connectedTransport(t, o, sess, domain.RoleProducer)
	if _, err := o.CreateTransport(context.Background(), sess, domain.RoleProducer); err != nil {
		t.Fatal(err)
	}

	p, err := o.Produce(context.Background(), sess, "", domain.MediaKindAudio, rtp)
	if err != nil {
		t.Fatal(err)
	}
	if p.TransportID != second {
		t.Fatalf("produced on %s, want %s", p.TransportID, second)
	}
}

func TestConnectTransportChecks(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()

	a := connect(t, o)
	b := connect(t, o)
	at, err := o.CreateTransport(ctx, a, domain.RoleProducer)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.CreateTransport(ctx, b, domain.RoleConsumer); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		sess *core.Session
		role domain.TransportRole
		id   domain.TransportID
		want domain.ErrorKind
	}{
		{"unknown id", a, domain.RoleProducer, "nope", domain.KindResourceNotFound},
		{"foreign transport", b, domain.RoleProducer, at.ID, domain.KindResourceNotFound},
		{"wrong role", a, domain.RoleConsumer, at.ID, domain.KindProtocolViolation},
		{"missing id", a, domain.RoleProducer, "", domain.KindMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantKind(t, o.ConnectTransport(ctx, tt.sess, tt.role, tt.id, dtls), tt.want)
		})
	}
	if eng.Calls("ConnectTransport") != 0 {
		t.Fatal("engine called for a rejected connect")
	}

	if err := o.ConnectTransport(ctx, a, domain.RoleProducer, at.ID, dtls); err != nil {
		t.Fatal(err)
	}
	err = o.ConnectTransport(ctx, a, domain.RoleProducer, at.ID, dtls)
	wantKind(t, err, domain.KindProtocolViolation)
	if !errors.Is(err, domain.ErrAlreadyConnected) {
		t.Fatalf("second connect: %v", err)
	}
	if eng.Calls("ConnectTransport") != 1 {
		t.Fatalf("engine ConnectTransport called %d times", eng.Calls("ConnectTransport"))
	}
}

func TestCapabilitiesAreStable(t *testing.T) {
	o := newOrchestrator(coretest.NewEngine())
	sess := connect(t, o)
	ctx := context.Background()

	first, err := o.Capabilities(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Phase() != core.PhaseCapabilitiesExchanged {
		t.Fatalf("phase = %s", sess.Phase())
	}
	connectedTransport(t, o, sess, domain.RoleProducer)
	second, err := o.Capabilities(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("capabilities changed:\n%s\n%s", first, second)
	}
	if sess.Phase() != core.PhaseNegotiating {
		t.Fatalf("re-query moved phase to %s", sess.Phase())
	}
}

func TestDisconnectReleasesEverything(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()

	a, pid := producer(t, o, domain.MediaKindAudio)
	b := connect(t, o)
	tid := connectedTransport(t, o, b, domain.RoleConsumer)
	cs, err := o.Consume(ctx, b, tid, allCaps)
	if err != nil || len(cs) != 1 {
		t.Fatalf("Consume = %v, %v", cs, err)
	}

	o.Disconnect(ctx, a)
	if !o.Registry.ListByOwner(a.ID()).Empty() {
		t.Fatalf("A leaked %+v", o.Registry.ListByOwner(a.ID()))
	}
	if _, ok := o.Registry.Producer(pid); ok {
		t.Fatal("A's producer still registered")
	}
	if _, ok := o.Registry.Consumer(cs[0].ID); ok {
		t.Fatal("consumer of A's producer still registered")
	}
	if a.Phase() != core.PhaseClosed {
		t.Fatalf("phase = %s", a.Phase())
	}
	if _, ok := o.Sessions.Get(a.ID()); ok {
		t.Fatal("session still bound")
	}

	o.Disconnect(ctx, a)
	o.Disconnect(ctx, b)
	if got := o.Registry.Stats(); got != (app.Stats{}) {
		t.Fatalf("registry after disconnects = %+v", got)
	}
	if tr, pr, co := eng.Open(); tr+pr+co != 0 {
		t.Fatalf("engine still holds %d/%d/%d", tr, pr, co)
	}
	if o.Sessions.Count() != 0 {
		t.Fatalf("%d sessions bound", o.Sessions.Count())
	}
}

func TestDisconnectAfterEngineDroppedTransport(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	ctx := context.Background()

	a, _ := producer(t, o, domain.MediaKindAudio)
	for _, id := range a.Resources().Transports {
		if err := eng.CloseTransport(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	o.Disconnect(ctx, a)
	if got := o.Registry.Stats(); got != (app.Stats{}) {
		t.Fatalf("registry = %+v", got)
	}
}

// closingEngine disconnects a session while CreateTransport is in flight.
type closingEngine struct {
	*coretest.Engine
	during func()
}

func (e *closingEngine) CreateTransport(ctx context.Context) (*domain.TransportHandle, error) {
	h, err := e.Engine.CreateTransport(ctx)
	if e.during != nil {
		e.during()
	}
	return h, err
}

func TestLateCompletionIsDiscarded(t *testing.T) {
	eng := &closingEngine{Engine: coretest.NewEngine()}
	o := newOrchestrator(eng)
	ctx := context.Background()
	sess := connect(t, o)
	eng.during = func() { o.Disconnect(ctx, sess) }

	_, err := o.CreateTransport(ctx, sess, domain.RoleProducer)
	if !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("CreateTransport = %v", err)
	}
	if got := o.Registry.Stats(); got != (app.Stats{}) {
		t.Fatalf("registry = %+v", got)
	}
	if tr, _, _ := eng.Open(); tr != 0 {
		t.Fatalf("engine kept %d transports", tr)
	}
}

func TestEngineDeath(t *testing.T) {
	eng := coretest.NewEngine()
	o := newOrchestrator(eng)
	sess := connect(t, o)
	if !o.Accepting() {
		t.Fatal("not accepting with live engine")
	}

	eng.Kill(errors.New("worker died"))
	if o.Accepting() {
		t.Fatal("accepting after engine death")
	}
	_, err := o.Connect(nopSignal{}, func() {})
	wantKind(t, err, domain.KindEngineError)

	o.CloseAll(context.Background())
	if !sess.Closed() || o.Sessions.Count() != 0 {
		t.Fatal("CloseAll left sessions behind")
	}
}

func TestCreateTransportEngineFailure(t *testing.T) {
	eng := coretest.NewEngine()
	eng.FailCreateTransport = errors.New("no ports left")
	o := newOrchestrator(eng)
	sess := connect(t, o)

	_, err := o.CreateTransport(context.Background(), sess, domain.RoleProducer)
	wantKind(t, err, domain.KindEngineError)
	if sess.Phase() != core.PhaseConnected {
		t.Fatalf("phase = %s", sess.Phase())
	}
}
