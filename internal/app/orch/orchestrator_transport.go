package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/rs/zerolog/log"
)

func (o *Orchestrator) Capabilities(ctx context.Context, sess *core.Session) (domain.RouterCapabilities, error) {
	if err := sess.Check(core.OpGetCapabilities); err != nil {
		return nil, err
	}
	caps, err := o.Engine.RouterCapabilities(ctx)
	if err != nil {
		return nil, fmt.Errorf("router capabilities: %w", err)
	}
	sess.CapabilitiesExchanged()
	return caps, nil
}

func (o *Orchestrator) CreateTransport(ctx context.Context, sess *core.Session, role domain.TransportRole) (domain.TransportHandle, error) {
	if err := sess.Check(core.OpCreateTransport); err != nil {
		return domain.TransportHandle{}, err
	}
	h, err := o.Engine.CreateTransport(ctx)
	if err != nil {
		return domain.TransportHandle{}, fmt.Errorf("create transport: %w", err)
	}
	h.Owner = sess.ID()
	h.Role = role
	h.Connected = false

	o.Registry.PutTransport(*h)
	if err := sess.AddTransport(h.ID); err != nil {
		o.discardTransport(sess.ID(), h.ID)
		return domain.TransportHandle{}, err
	}
	log.Info().Str("module", "orch").Str("sid", string(sess.ID())).Str("transport_id", string(h.ID)).Str("role", string(role)).Msg("transport created")
	return *h, nil
}

func (o *Orchestrator) ConnectTransport(ctx context.Context, sess *core.Session, role domain.TransportRole, id domain.TransportID, dtlsParameters json.RawMessage) error {
	if err := sess.Check(core.OpConnectTransport); err != nil {
		return err
	}
	h, err := o.ownedTransport(sess, id, role)
	if err != nil {
		return err
	}
	if h.Connected {
		return domain.Wrap(domain.KindProtocolViolation, domain.ErrAlreadyConnected, string(id))
	}
	if err := o.Engine.ConnectTransport(ctx, id, dtlsParameters); err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	if sess.Closed() {
		return domain.ErrSessionClosed
	}
	if !o.Registry.MarkConnected(id) {
		return domain.Wrap(domain.KindResourceNotFound, domain.ErrTransportNotFound, string(id))
	}
	log.Info().Str("module", "orch").Str("sid", string(sess.ID())).Str("transport_id", string(id)).Msg("transport connected")
	return nil
}
