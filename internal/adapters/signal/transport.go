package signal

import (
	"context"

	"github.com/dkeye/sfu-signaling/internal/core"
	"github.com/dkeye/sfu-signaling/internal/domain"
)

func (r *Router) handleCreateTransport(ctx context.Context, sess *core.Session, role domain.TransportRole, reply MessageType) (any, error) {
	h, err := r.Orch.CreateTransport(ctx, sess, role)
	if err != nil {
		return nil, err
	}
	return response{
		Type: reply,
		Data: transportCreatedData{
			ID:             h.ID,
			IceParameters:  h.IceParameters,
			IceCandidates:  h.IceCandidates,
			DtlsParameters: h.DtlsParameters,
		},
	}, nil
}

func (r *Router) handleConnectTransport(ctx context.Context, sess *core.Session, role domain.TransportRole, data []byte, reply MessageType) (any, error) {
	var req connectTransportRequest
	if err := r.decode(data, &req); err != nil {
		return nil, err
	}
	if err := r.Orch.ConnectTransport(ctx, sess, role, req.transport(), req.DtlsParameters); err != nil {
		return nil, err
	}
	return response{Type: reply}, nil
}
