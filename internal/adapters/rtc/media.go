package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/google/uuid"
)

type producer struct {
	id          domain.ProducerID
	transportID domain.TransportID
	kind        domain.MediaKind
	params      rtpParameters
}

type consumer struct {
	id          domain.ConsumerID
	transportID domain.TransportID
	producerID  domain.ProducerID
}

func (e *Engine) Produce(_ context.Context, id domain.TransportID, kind domain.MediaKind, raw json.RawMessage) (*domain.ProducerHandle, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("produce: unknown kind %q", kind)
	}
	var params rtpParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("rtp parameters: %w", err)
	}
	if err := validateProducer(kind, params, e.cfg.Codecs); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if !t.connected() {
		return nil, domain.ErrTransportNotConnected
	}
	p := &producer{
		id:          domain.ProducerID(uuid.NewString()),
		transportID: id,
		kind:        kind,
		params:      params,
	}
	e.producers[p.id] = p
	e.log.Debugf("producer %s (%s) on transport %s", p.id, kind, id)
	return &domain.ProducerHandle{
		ID:            p.id,
		TransportID:   id,
		Kind:          kind,
		RtpParameters: raw,
	}, nil
}

func (e *Engine) CanConsume(producerID domain.ProducerID, raw json.RawMessage) bool {
	e.mu.RLock()
	p, ok := e.producers[producerID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	caps, err := parseCapabilities(raw)
	if err != nil {
		return false
	}
	return len(consumableCodecs(p.params, caps)) > 0
}

type encoding struct {
	SSRC uint32 `json:"ssrc"`
}

type rtcpParameters struct {
	CNAME       string `json:"cname"`
	ReducedSize bool   `json:"reducedSize"`
}

func (e *Engine) Consume(_ context.Context, id domain.TransportID, producerID domain.ProducerID, raw json.RawMessage) (*domain.ConsumerHandle, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	caps, err := parseCapabilities(raw)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transports[id]
	if !ok {
		return nil, domain.ErrTransportNotFound
	}
	if !t.connected() {
		return nil, domain.ErrTransportNotConnected
	}
	p, ok := e.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}
	codecs := consumableCodecs(p.params, caps)
	if len(codecs) == 0 {
		return nil, domain.ErrIncompatibleCapabilities
	}

	c := &consumer{
		id:          domain.ConsumerID(uuid.NewString()),
		transportID: id,
		producerID:  producerID,
	}
	enc, err := json.Marshal(encoding{SSRC: e.ssrc.Uint32()})
	if err != nil {
		return nil, err
	}
	rtcp := p.params.RTCP
	if len(rtcp) == 0 {
		if rtcp, err = json.Marshal(rtcpParameters{CNAME: string(p.id), ReducedSize: true}); err != nil {
			return nil, err
		}
	}
	params := rtpParameters{
		Mid:              strconv.Itoa(t.nextMid),
		Codecs:           codecs,
		HeaderExtensions: p.params.HeaderExtensions,
		Encodings:        []json.RawMessage{enc},
		RTCP:             rtcp,
	}
	out, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("consumer rtp parameters: %w", err)
	}
	t.nextMid++

	typ := domain.ConsumerSimple
	if len(p.params.Encodings) > 1 {
		typ = domain.ConsumerSimulcast
	}
	e.consumers[c.id] = c
	e.log.Debugf("consumer %s of %s on transport %s", c.id, producerID, id)
	return &domain.ConsumerHandle{
		ID:            c.id,
		ProducerID:    producerID,
		TransportID:   id,
		Kind:          p.kind,
		RtpParameters: out,
		Type:          typ,
	}, nil
}
