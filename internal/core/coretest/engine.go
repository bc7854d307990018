// Package coretest provides an in-memory MediaEngine for tests.
package coretest

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/sfu-signaling/internal/domain"
)

// Capabilities is the router capability blob served by Engine.
const Capabilities = `{"codecs":[{"kind":"audio","mimeType":"audio/opus","clockRate":48000,"channels":2},{"kind":"video","mimeType":"video/VP8","clockRate":90000}],"headerExtensions":[]}`

type transport struct {
	connected bool
}

type producer struct {
	transportID domain.TransportID
	kind        domain.MediaKind
}

type consumer struct {
	transportID domain.TransportID
	producerID  domain.ProducerID
}

// Engine is a MediaEngine double. A producer is consumable when the
// rtpCapabilities list a codec of its kind.
type Engine struct {
	mu         sync.Mutex
	seq        int
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	calls      map[string]int

	// FailConsume makes Consume fail for the given producers.
	FailConsume map[domain.ProducerID]error
	// FailCreateTransport makes CreateTransport fail.
	FailCreateTransport error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func NewEngine() *Engine {
	return &Engine{
		transports:  make(map[domain.TransportID]*transport),
		producers:   make(map[domain.ProducerID]*producer),
		consumers:   make(map[domain.ConsumerID]*consumer),
		calls:       make(map[string]int),
		FailConsume: make(map[domain.ProducerID]error),
		done:        make(chan struct{}),
	}
}

func (e *Engine) nextID(prefix string) string {
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

// Calls reports how often the named method was invoked.
func (e *Engine) Calls(method string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[method]
}

// Open reports how many resources are alive in the engine.
func (e *Engine) Open() (transports, producers, consumers int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transports), len(e.producers), len(e.consumers)
}

// Kill marks the engine permanently dead.
func (e *Engine) Kill(err error) {
	e.doneOnce.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
	})
}

func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) RouterCapabilities(context.Context) (domain.RouterCapabilities, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["RouterCapabilities"]++
	return domain.RouterCapabilities(Capabilities), nil
}

func (e *Engine) CreateTransport(context.Context) (*domain.TransportHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["CreateTransport"]++
	if e.FailCreateTransport != nil {
		return nil, e.FailCreateTransport
	}
	id := domain.TransportID(e.nextID("transport"))
	e.transports[id] = &transport{}
	return &domain.TransportHandle{
		ID:             id,
		IceParameters:  json.RawMessage(`{"usernameFragment":"ufrag","password":"pwd","iceLite":true}`),
		IceCandidates:  json.RawMessage(`[{"foundation":"1","priority":1,"address":"127.0.0.1","protocol":"udp","port":10000,"type":"host"}]`),
		DtlsParameters: json.RawMessage(`{"role":"auto","fingerprints":[{"algorithm":"sha-256","value":"AA:BB"}]}`),
	}, nil
}

func (e *Engine) ConnectTransport(_ context.Context, id domain.TransportID, _ json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["ConnectTransport"]++
	t, ok := e.transports[id]
	if !ok {
		return domain.ErrTransportNotFound
	}
	if t.connected {
		return domain.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (e *Engine) CloseTransport(_ context.Context, id domain.TransportID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["CloseTransport"]++
	if _, ok := e.transports[id]; !ok {
		return domain.ErrTransportNotFound
	}
	delete(e.transports, id)
	for pid, p := range e.producers {
		if p.transportID == id {
			delete(e.producers, pid)
		}
	}
	for cid, c := range e.consumers {
		if _, ok := e.producers[c.producerID]; !ok || c.transportID == id {
			delete(e.consumers, cid)
		}
	}
	return nil
}

func (e *Engine) Produce(_ context.Context, id domain.TransportID, kind domain.MediaKind, rtpParameters json.RawMessage) (*domain.ProducerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["Produce"]++
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if !t.connected {
		return nil, domain.ErrTransportNotConnected
	}
	pid := domain.ProducerID(e.nextID("producer"))
	e.producers[pid] = &producer{transportID: id, kind: kind}
	return &domain.ProducerHandle{ID: pid, TransportID: id, Kind: kind, RtpParameters: rtpParameters}, nil
}

func capabilityKinds(raw json.RawMessage) []domain.MediaKind {
	var caps struct {
		Codecs []struct {
			Kind domain.MediaKind `json:"kind"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(raw, &caps); err != nil {
		return nil
	}
	kinds := make([]domain.MediaKind, 0, len(caps.Codecs))
	for _, c := range caps.Codecs {
		kinds = append(kinds, c.Kind)
	}
	return kinds
}

func (e *Engine) CanConsume(producerID domain.ProducerID, rtpCapabilities json.RawMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["CanConsume"]++
	p, ok := e.producers[producerID]
	return ok && slices.Contains(capabilityKinds(rtpCapabilities), p.kind)
}

func (e *Engine) Consume(_ context.Context, id domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*domain.ConsumerHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls["Consume"]++
	if err := e.FailConsume[producerID]; err != nil {
		return nil, err
	}
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if !t.connected {
		return nil, domain.ErrTransportNotConnected
	}
	p, ok := e.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	if !slices.Contains(capabilityKinds(rtpCapabilities), p.kind) {
		return nil, domain.ErrIncompatibleCapabilities
	}
	cid := domain.ConsumerID(e.nextID("consumer"))
	e.consumers[cid] = &consumer{transportID: id, producerID: producerID}
	return &domain.ConsumerHandle{
		ID:            cid,
		ProducerID:    producerID,
		TransportID:   id,
		Kind:          p.kind,
		RtpParameters: json.RawMessage(`{"codecs":[]}`),
		Type:          domain.ConsumerSimple,
	}, nil
}
