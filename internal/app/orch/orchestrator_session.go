package orch

import (
	"context"

	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Connect allocates a session for a freshly accepted connection.
func (o *Orchestrator) Connect(sig core.SignalConnection, cancel context.CancelFunc) (*core.Session, error) {
	if !o.Accepting() {
		return nil, domain.Wrap(domain.KindEngineError, o.engineErr(), "not accepting sessions")
	}
	sess := core.NewSession(domain.SessionID(uuid.NewString()))
	o.Sessions.Bind(sess, sig, cancel)
	log.Info().Str("module", "orch").Str("sid", string(sess.ID())).Msg("session connected")
	return sess, nil
}

// Disconnect closes the session and releases everything it owns. It is
// idempotent; resources already gone are logged and skipped.
func (o *Orchestrator) Disconnect(ctx context.Context, sess *core.Session) {
	owned, ok := sess.Close()
	if !ok {
		return
	}
	sid := sess.ID()
	// Registry entries written by a handler that raced the close are
	// picked up here as well.
	owned = owned.Merge(o.Registry.ListByOwner(sid))
	o.release(ctx, sid, owned)
	o.Sessions.Unbind(sid)
}

func (o *Orchestrator) release(ctx context.Context, sid domain.SessionID, res domain.Resources) {
	logger := log.With().Str("module", "orch").Str("sid", string(sid)).Logger()

	for _, id := range res.Transports {
		if err := o.Engine.CloseTransport(ctx, id); err != nil {
			logger.Warn().Err(err).Str("transport_id", string(id)).Msg("engine close transport")
		}
		if !o.Registry.RemoveTransport(id) {
			logger.Warn().Str("transport_id", string(id)).Msg("transport already released")
		}
	}
	// Producers and consumers riding on the transports above are gone by
	// now; whatever is left was released elsewhere or is still registered.
	for _, id := range res.Producers {
		if o.Registry.RemoveProducer(id) {
			logger.Warn().Str("producer_id", string(id)).Msg("producer outlived its transport")
		}
	}
	for _, id := range res.Consumers {
		if !o.Registry.RemoveConsumer(id) {
			logger.Debug().Str("consumer_id", string(id)).Msg("consumer already released")
		}
	}

	logger.Info().
		Int("transports", len(res.Transports)).
		Int("producers", len(res.Producers)).
		Int("consumers", len(res.Consumers)).
		Msg("session released")
}

// CloseAll tears down every live session, used on shutdown.
func (o *Orchestrator) CloseAll(ctx context.Context) {
	for _, sess := range o.Sessions.Snapshot() {
		o.Sessions.Cancel(sess.ID())
		o.Disconnect(ctx, sess)
	}
}
