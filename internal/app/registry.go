package app

import (
	"slices"
	"sync"

	"github.com/dkeye/sfu-signaling/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry maps engine-issued ids to live handles for every session.
// One RWMutex guards all three tables; callers never hold it across
// engine calls. Lookups return copies.
type Registry struct {
	mu         sync.RWMutex
	transports map[domain.TransportID]*domain.TransportHandle
	producers  map[domain.ProducerID]*domain.ProducerHandle
	consumers  map[domain.ConsumerID]*domain.ConsumerHandle
}

func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[domain.TransportID]*domain.TransportHandle),
		producers:  make(map[domain.ProducerID]*domain.ProducerHandle),
		consumers:  make(map[domain.ConsumerID]*domain.ConsumerHandle),
	}
}

func (r *Registry) PutTransport(h domain.TransportHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[h.ID] = &h
	log.Debug().Str("module", "app.registry").Str("sid", string(h.Owner)).Str("transport_id", string(h.ID)).Str("role", string(h.Role)).Msg("put transport")
}

func (r *Registry) Transport(id domain.TransportID) (domain.TransportHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.transports[id]
	if !ok {
		return domain.TransportHandle{}, false
	}
	return *h, true
}

// MarkConnected flags a transport as connected. It reports false if the
// transport is gone.
func (r *Registry) MarkConnected(id domain.TransportID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.transports[id]
	if !ok {
		return false
	}
	h.Connected = true
	return true
}

// RemoveTransport drops the transport together with the producers and
// consumers riding on it, and the consumers of those producers.
func (r *Registry) RemoveTransport(id domain.TransportID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[id]; !ok {
		return false
	}
	delete(r.transports, id)
	for pid, p := range r.producers {
		if p.TransportID == id {
			r.removeProducerLocked(pid)
		}
	}
	for cid, c := range r.consumers {
		if c.TransportID == id {
			delete(r.consumers, cid)
		}
	}
	log.Debug().Str("module", "app.registry").Str("transport_id", string(id)).Msg("removed transport")
	return true
}

// PutProducer fails with ErrTransportNotFound if the owning transport has
// been removed in the meantime.
func (r *Registry) PutProducer(h domain.ProducerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[h.TransportID]; !ok {
		return domain.ErrTransportNotFound
	}
	r.producers[h.ID] = &h
	log.Debug().Str("module", "app.registry").Str("sid", string(h.Owner)).Str("producer_id", string(h.ID)).Msg("put producer")
	return nil
}

func (r *Registry) Producer(id domain.ProducerID) (domain.ProducerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.producers[id]
	if !ok {
		return domain.ProducerHandle{}, false
	}
	return *h, true
}

// RemoveProducer drops the producer and every consumer of it.
func (r *Registry) RemoveProducer(id domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[id]; !ok {
		return false
	}
	r.removeProducerLocked(id)
	return true
}

func (r *Registry) removeProducerLocked(id domain.ProducerID) {
	delete(r.producers, id)
	for cid, c := range r.consumers {
		if c.ProducerID == id {
			delete(r.consumers, cid)
		}
	}
}

// Producers lists every registered producer across sessions.
func (r *Registry) Producers() []domain.ProducerHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProducerHandle, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, *p)
	}
	return out
}

// PutConsumer fails if either the transport or the source producer is gone.
func (r *Registry) PutConsumer(h domain.ConsumerHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transports[h.TransportID]; !ok {
		return domain.ErrTransportNotFound
	}
	if _, ok := r.producers[h.ProducerID]; !ok {
		return domain.ErrProducerNotFound
	}
	r.consumers[h.ID] = &h
	log.Debug().Str("module", "app.registry").Str("sid", string(h.Owner)).Str("consumer_id", string(h.ID)).Str("producer_id", string(h.ProducerID)).Msg("put consumer")
	return nil
}

func (r *Registry) Consumer(id domain.ConsumerID) (domain.ConsumerHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.consumers[id]
	if !ok {
		return domain.ConsumerHandle{}, false
	}
	return *h, true
}

func (r *Registry) RemoveConsumer(id domain.ConsumerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.consumers[id]; !ok {
		return false
	}
	delete(r.consumers, id)
	return true
}

// ListByOwner returns the ids a session holds in the registry, sorted.
func (r *Registry) ListByOwner(sid domain.SessionID) domain.Resources {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var res domain.Resources
	for id, t := range r.transports {
		if t.Owner == sid {
			res.Transports = append(res.Transports, id)
		}
	}
	for id, p := range r.producers {
		if p.Owner == sid {
			res.Producers = append(res.Producers, id)
		}
	}
	for id, c := range r.consumers {
		if c.Owner == sid {
			res.Consumers = append(res.Consumers, id)
		}
	}
	slices.Sort(res.Transports)
	slices.Sort(res.Producers)
	slices.Sort(res.Consumers)
	return res
}

// Stats reports table sizes.
type Stats struct {
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Transports: len(r.transports), Producers: len(r.producers), Consumers: len(r.consumers)}
}
