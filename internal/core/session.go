package core

import (
	"slices"
	"sync"

	"github.com/dkeye/sfu-signaling/internal/domain"
)

// Phase is the negotiation phase of one signaling session.
type Phase int32

const (
	PhaseConnected Phase = iota
	PhaseCapabilitiesExchanged
	PhaseNegotiating
	PhaseActive
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "Connected"
	case PhaseCapabilitiesExchanged:
		return "CapabilitiesExchanged"
	case PhaseNegotiating:
		return "Negotiating"
	case PhaseActive:
		return "Active"
	case PhaseClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Operation is a phase-guarded signaling step.
type Operation string

const (
	OpGetCapabilities  Operation = "getRouterRtpCapabilities"
	OpCreateTransport  Operation = "createTransport"
	OpConnectTransport Operation = "connectTransport"
	OpProduce          Operation = "produce"
	OpConsume          Operation = "consume"
	OpPing             Operation = "ping"
)

// Router capabilities are a process-wide constant, so a client that already
// knows them may open a transport straight away.
var allowedFrom = map[Operation][]Phase{
	OpGetCapabilities:  {PhaseConnected, PhaseCapabilitiesExchanged, PhaseNegotiating, PhaseActive},
	OpPing:             {PhaseConnected, PhaseCapabilitiesExchanged, PhaseNegotiating, PhaseActive},
	OpCreateTransport:  {PhaseConnected, PhaseCapabilitiesExchanged, PhaseNegotiating, PhaseActive},
	OpConnectTransport: {PhaseNegotiating, PhaseActive},
	OpProduce:          {PhaseNegotiating, PhaseActive},
	OpConsume:          {PhaseNegotiating, PhaseActive},
}

// Session is the per-connection state machine. It records which resources
// the connection owns, in creation order. Message handling for one session
// is sequential; the mutex only guards against disconnect cleanup racing an
// in-flight handler.
type Session struct {
	id domain.SessionID

	mu         sync.Mutex
	phase      Phase
	transports []domain.TransportID
	producers  []domain.ProducerID
	consumers  []domain.ConsumerID
}

func NewSession(id domain.SessionID) *Session {
	return &Session{id: id, phase: PhaseConnected}
}

func (s *Session) ID() domain.SessionID { return s.id }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Closed() bool { return s.Phase() == PhaseClosed }

// Check reports a ProtocolViolation when op is illegal in the current phase.
func (s *Session) Check(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.Wrap(domain.KindProtocolViolation, domain.ErrSessionClosed, string(op))
	}
	if !slices.Contains(allowedFrom[op], s.phase) {
		return domain.Errorf(domain.KindProtocolViolation, "%s is not allowed in phase %s", op, s.phase)
	}
	return nil
}

// CapabilitiesExchanged advances a fresh session. Later phases are kept so
// that a capability re-query never rewinds negotiation.
func (s *Session) CapabilitiesExchanged() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseConnected {
		s.phase = PhaseCapabilitiesExchanged
	}
}

func (s *Session) AddTransport(id domain.TransportID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.ErrSessionClosed
	}
	s.transports = append(s.transports, id)
	if s.phase < PhaseNegotiating {
		s.phase = PhaseNegotiating
	}
	return nil
}

func (s *Session) AddProducer(id domain.ProducerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.ErrSessionClosed
	}
	s.producers = append(s.producers, id)
	s.phase = PhaseActive
	return nil
}

// AddConsumers records consumers. An empty batch leaves the phase as is.
func (s *Session) AddConsumers(ids ...domain.ConsumerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.ErrSessionClosed
	}
	if len(ids) == 0 {
		return nil
	}
	s.consumers = append(s.consumers, ids...)
	s.phase = PhaseActive
	return nil
}

// Resources returns a snapshot of owned ids.
func (s *Session) Resources() domain.Resources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close moves the session to PhaseClosed and hands over its resources.
// Only the first call returns ok.
func (s *Session) Close() (domain.Resources, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseClosed {
		return domain.Resources{}, false
	}
	s.phase = PhaseClosed
	res := s.snapshotLocked()
	s.transports, s.producers, s.consumers = nil, nil, nil
	return res, true
}

func (s *Session) snapshotLocked() domain.Resources {
	return domain.Resources{
		Transports: slices.Clone(s.transports),
		Producers:  slices.Clone(s.producers),
		Consumers:  slices.Clone(s.consumers),
	}
}
