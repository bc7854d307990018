package signal

import (
	"context"

	"github.com/dkeye/sfu-signaling/internal/core"
)

func (r *Router) handleCapabilities(ctx context.Context, sess *core.Session) (any, error) {
	caps, err := r.Orch.Capabilities(ctx, sess)
	if err != nil {
		return nil, err
	}
	return response{Type: TypeRouterRtpCapabilities, Data: caps}, nil
}

func (r *Router) handlePing(sess *core.Session) (any, error) {
	if err := sess.Check(core.OpPing); err != nil {
		return nil, err
	}
	return response{Type: TypePong}, nil
}
