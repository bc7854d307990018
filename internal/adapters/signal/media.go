package signal

import (
	"context"

	"github.com/dkeye/sfu-signaling/internal/core"
)

func (r *Router) handleProduce(ctx context.Context, sess *core.Session, data []byte) (any, error) {
	var req produceRequest
	if err := r.decode(data, &req); err != nil {
		return nil, err
	}
	p, err := r.Orch.Produce(ctx, sess, req.transport(), req.Kind, req.RtpParameters)
	if err != nil {
		return nil, err
	}
	return response{Type: TypeProducerCreated, Data: producerCreatedData{ID: p.ID}}, nil
}

func (r *Router) handleConsume(ctx context.Context, sess *core.Session, data []byte) (any, error) {
	var req consumeRequest
	if err := r.decode(data, &req); err != nil {
		return nil, err
	}
	consumers, err := r.Orch.Consume(ctx, sess, req.TransportID, req.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	out := make([]consumerData, 0, len(consumers))
	for _, c := range consumers {
		out = append(out, consumerData{
			ProducerID:    c.ProducerID,
			ID:            c.ID,
			Kind:          c.Kind,
			RtpParameters: c.RtpParameters,
			Type:          c.Type,
		})
	}
	return response{Type: TypeConsumersCreated, Data: out}, nil
}
