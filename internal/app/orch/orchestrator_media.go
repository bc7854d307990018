package orch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Produce creates a producer on a connected producer transport. An empty
// transportID selects the session's most recent one.
func (o *Orchestrator) Produce(ctx context.Context, sess *core.Session, transportID domain.TransportID, kind domain.MediaKind, rtpParameters json.RawMessage) (domain.ProducerHandle, error) {
	if err := sess.Check(core.OpProduce); err != nil {
		return domain.ProducerHandle{}, err
	}
	if transportID == "" {
		if transportID = o.lastConnected(sess, domain.RoleProducer); transportID == "" {
			return domain.ProducerHandle{}, domain.Wrap(domain.KindProtocolViolation, domain.ErrTransportNotConnected, "produce requires a connected producer transport")
		}
	}
	h, err := o.ownedTransport(sess, transportID, domain.RoleProducer)
	if err != nil {
		return domain.ProducerHandle{}, err
	}
	if !h.Connected {
		return domain.ProducerHandle{}, domain.Wrap(domain.KindProtocolViolation, domain.ErrTransportNotConnected, "produce on "+string(h.ID))
	}

	p, err := o.Engine.Produce(ctx, h.ID, kind, rtpParameters)
	if err != nil {
		return domain.ProducerHandle{}, fmt.Errorf("produce: %w", err)
	}
	p.Owner = sess.ID()
	p.TransportID = h.ID

	if err := o.Registry.PutProducer(*p); err != nil {
		return domain.ProducerHandle{}, fmt.Errorf("produce: %w", err)
	}
	if err := sess.AddProducer(p.ID); err != nil {
		o.Registry.RemoveProducer(p.ID)
		return domain.ProducerHandle{}, err
	}
	log.Info().Str("module", "orch").Str("sid", string(sess.ID())).Str("transport_id", string(h.ID)).Str("producer_id", string(p.ID)).Str("kind", string(p.Kind)).Msg("producer created")
	return *p, nil
}

// Consume subscribes the session to every consumable producer of the other
// sessions. Producers whose consume call fails are left out of the result.
func (o *Orchestrator) Consume(ctx context.Context, sess *core.Session, transportID domain.TransportID, rtpCapabilities json.RawMessage) ([]domain.ConsumerHandle, error) {
	if err := sess.Check(core.OpConsume); err != nil {
		return nil, err
	}
	h, err := o.ownedTransport(sess, transportID, domain.RoleConsumer)
	if err != nil {
		return nil, err
	}
	if !h.Connected {
		return nil, domain.Wrap(domain.KindProtocolViolation, domain.ErrTransportNotConnected, "consume on "+string(h.ID))
	}

	sid := sess.ID()
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Str("transport_id", string(h.ID)).Logger()

	var candidates []domain.ProducerHandle
	for _, p := range o.Registry.Producers() {
		if p.Owner == sid {
			continue
		}
		if !o.Engine.CanConsume(p.ID, rtpCapabilities) {
			logger.Debug().Str("producer_id", string(p.ID)).Msg("cannot consume producer")
			continue
		}
		candidates = append(candidates, p)
	}

	created := make([]*domain.ConsumerHandle, len(candidates))
	var g errgroup.Group
	g.SetLimit(o.consumeConcurrency())
	for i, p := range candidates {
		g.Go(func() error {
			c, err := o.Engine.Consume(ctx, h.ID, p.ID, rtpCapabilities)
			if err != nil {
				logger.Warn().Err(err).Str("producer_id", string(p.ID)).Msg("consume failed, skipping producer")
				return nil
			}
			c.Owner = sid
			c.TransportID = h.ID
			c.ProducerID = p.ID
			if c.Kind == "" {
				c.Kind = p.Kind
			}
			created[i] = c
			return nil
		})
	}
	_ = g.Wait()

	out := make([]domain.ConsumerHandle, 0, len(created))
	ids := make([]domain.ConsumerID, 0, len(created))
	for _, c := range created {
		if c == nil {
			continue
		}
		if err := o.Registry.PutConsumer(*c); err != nil {
			logger.Warn().Err(err).Str("consumer_id", string(c.ID)).Str("producer_id", string(c.ProducerID)).Msg("consumer source vanished")
			continue
		}
		out = append(out, *c)
		ids = append(ids, c.ID)
	}
	if err := sess.AddConsumers(ids...); err != nil {
		for _, id := range ids {
			o.Registry.RemoveConsumer(id)
		}
		return nil, err
	}
	logger.Info().Int("candidates", len(candidates)).Int("created", len(out)).Msg("consumers created")
	return out, nil
}
