package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

type transport struct {
	id       domain.TransportID
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	remote  *dtlsParameters
	nextMid int
}

func (t *transport) connected() bool { return t.remote != nil }

func (t *transport) stop() error {
	var errs []error
	if t.dtls != nil {
		errs = append(errs, t.dtls.Stop())
	}
	if t.ice != nil {
		errs = append(errs, t.ice.Stop())
	}
	if t.gatherer != nil {
		errs = append(errs, t.gatherer.Close())
	}
	return errors.Join(errs...)
}

type iceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type fingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParameters struct {
	Role         string        `json:"role,omitempty"`
	Fingerprints []fingerprint `json:"fingerprints"`
}

var errNoFingerprint = errors.New("no fingerprint")

func parseDTLSParameters(raw json.RawMessage) (*dtlsParameters, error) {
	var p dtlsParameters
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}
	if len(p.Fingerprints) == 0 {
		return nil, fmt.Errorf("dtls parameters: %w", errNoFingerprint)
	}
	for _, f := range p.Fingerprints {
		if f.Algorithm == "" || f.Value == "" {
			return nil, fmt.Errorf("dtls parameters: incomplete fingerprint %+v", f)
		}
	}
	switch p.Role {
	case "", "auto", "client", "server":
	default:
		return nil, fmt.Errorf("dtls parameters: unknown role %q", p.Role)
	}
	return &p, nil
}

func (e *Engine) CreateTransport(ctx context.Context) (*domain.TransportHandle, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}

	gatherer, err := e.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: e.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	t := &transport{id: domain.TransportID(uuid.NewString()), gatherer: gatherer}
	if err := e.gather(ctx, gatherer); err != nil {
		_ = t.stop()
		return nil, err
	}
	t.ice = e.api.NewICETransport(gatherer)
	if t.dtls, err = e.api.NewDTLSTransport(t.ice, nil); err != nil {
		_ = t.stop()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}
	h, err := t.handle()
	if err != nil {
		_ = t.stop()
		return nil, err
	}

	e.mu.Lock()
	if err := e.alive(); err != nil {
		e.mu.Unlock()
		_ = t.stop()
		return nil, err
	}
	e.transports[t.id] = t
	e.mu.Unlock()

	e.log.Debugf("transport %s created", t.id)
	return h, nil
}

// gather blocks until candidate gathering completes. On timeout the
// candidates found so far are used.
func (e *Engine) gather(ctx context.Context, g *webrtc.ICEGatherer) error {
	complete := make(chan struct{})
	var once sync.Once
	g.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(complete) })
		}
	})
	if err := g.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}

	timer := time.NewTimer(e.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-complete:
	case <-timer.C:
		e.log.Warnf("ice gathering timed out after %s", e.cfg.GatherTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (t *transport) handle() (*domain.TransportHandle, error) {
	ip, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("ice parameters: %w", err)
	}
	cands, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("ice candidates: %w", err)
	}
	dp, err := t.dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("dtls parameters: %w", err)
	}

	candidates := make([]iceCandidate, 0, len(cands))
	for _, c := range cands {
		candidates = append(candidates, iceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	fps := make([]fingerprint, 0, len(dp.Fingerprints))
	for _, f := range dp.Fingerprints {
		fps = append(fps, fingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}

	h := &domain.TransportHandle{ID: t.id}
	if h.IceParameters, err = json.Marshal(iceParameters{
		UsernameFragment: ip.UsernameFragment,
		Password:         ip.Password,
		ICELite:          true,
	}); err != nil {
		return nil, err
	}
	if h.IceCandidates, err = json.Marshal(candidates); err != nil {
		return nil, err
	}
	if h.DtlsParameters, err = json.Marshal(dtlsParameters{Role: "auto", Fingerprints: fps}); err != nil {
		return nil, err
	}
	return h, nil
}

func (e *Engine) ConnectTransport(_ context.Context, id domain.TransportID, raw json.RawMessage) error {
	if err := e.alive(); err != nil {
		return err
	}
	remote, err := parseDTLSParameters(raw)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	if !ok {
		return domain.ErrTransportNotFound
	}
	if t.connected() {
		return domain.ErrAlreadyConnected
	}
	t.remote = remote
	e.log.Debugf("transport %s connected, remote role %q", id, remote.Role)
	return nil
}

// CloseTransport also works on a failed engine so sessions can still be
// released.
func (e *Engine) CloseTransport(_ context.Context, id domain.TransportID) error {
	e.mu.Lock()
	t, ok := e.transports[id]
	if !ok {
		e.mu.Unlock()
		return domain.ErrTransportNotFound
	}
	delete(e.transports, id)
	for pid, p := range e.producers {
		if p.transportID == id {
			delete(e.producers, pid)
		}
	}
	for cid, c := range e.consumers {
		if c.transportID == id {
			delete(e.consumers, cid)
			continue
		}
		if _, ok := e.producers[c.producerID]; !ok {
			delete(e.consumers, cid)
		}
	}
	e.mu.Unlock()

	if err := t.stop(); err != nil {
		return fmt.Errorf("stop transport %s: %w", id, err)
	}
	e.log.Debugf("transport %s closed", id)
	return nil
}
