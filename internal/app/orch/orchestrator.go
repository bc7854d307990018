package orch

import (
	"context"
	"runtime"

	"github.com/dkeye/sfu-signaling/internal/app"
	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/rs/zerolog/log"
)

// Orchestrator drives sessions through negotiation. It owns no state of its
// own: sessions live in Sessions, handles in Registry, media in Engine.
type Orchestrator struct {
	Engine   core.MediaEngine
	Registry *app.Registry
	Sessions *app.Sessions
	// ConsumeConcurrency bounds parallel engine consume calls of one
	// consume request. Zero means GOMAXPROCS.
	ConsumeConcurrency int
}

// Accepting reports whether new sessions may be created. It turns false for
// good once the engine dies.
func (o *Orchestrator) Accepting() bool {
	select {
	case <-o.Engine.Done():
		return false
	default:
		return true
	}
}

func (o *Orchestrator) engineErr() error {
	if err := o.Engine.Err(); err != nil {
		return err
	}
	return domain.ErrEngineClosed
}

func (o *Orchestrator) consumeConcurrency() int {
	if o.ConsumeConcurrency > 0 {
		return o.ConsumeConcurrency
	}
	return runtime.GOMAXPROCS(0)
}

// ownedTransport resolves a transport the session may mutate. Transports of
// other sessions are reported as missing.
func (o *Orchestrator) ownedTransport(sess *core.Session, id domain.TransportID, role domain.TransportRole) (domain.TransportHandle, error) {
	if id == "" {
		return domain.TransportHandle{}, domain.Errorf(domain.KindMalformedMessage, "transport id is required")
	}
	h, ok := o.Registry.Transport(id)
	if !ok || h.Owner != sess.ID() {
		return domain.TransportHandle{}, domain.Wrap(domain.KindResourceNotFound, domain.ErrTransportNotFound, string(id))
	}
	if h.Role != role {
		return domain.TransportHandle{}, domain.Errorf(domain.KindProtocolViolation, "transport %s is a %s transport, want %s", id, h.Role, role)
	}
	return h, nil
}

// lastConnected returns the most recently created connected transport of
// role owned by sess.
func (o *Orchestrator) lastConnected(sess *core.Session, role domain.TransportRole) domain.TransportID {
	ids := sess.Resources().Transports
	for i := len(ids) - 1; i >= 0; i-- {
		h, ok := o.Registry.Transport(ids[i])
		if ok && h.Role == role && h.Connected {
			return h.ID
		}
	}
	return ""
}

// discardTransport releases a transport created for a session that closed
// while the engine call was in flight.
func (o *Orchestrator) discardTransport(sid domain.SessionID, id domain.TransportID) {
	o.Registry.RemoveTransport(id)
	if err := o.Engine.CloseTransport(context.Background(), id); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("transport_id", string(id)).Msg("discard late transport")
	}
}
