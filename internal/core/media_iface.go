package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/sfu-signaling/internal/domain"
)

// MediaEngine is the boundary to the media plane. Every call may block on
// the engine and must not be made while holding registry locks.
//
// Parameter blobs are opaque to the core and passed through untouched.
type MediaEngine interface {
	// RouterCapabilities returns the process-wide singleton.
	RouterCapabilities(ctx context.Context) (domain.RouterCapabilities, error)
	// CreateTransport allocates a fresh network transport. Owner and Role of
	// the returned handle are left for the caller to fill.
	CreateTransport(ctx context.Context) (*domain.TransportHandle, error)
	// ConnectTransport binds the remote DTLS parameters exactly once.
	ConnectTransport(ctx context.Context, id domain.TransportID, dtlsParameters json.RawMessage) error
	// CloseTransport tears the transport down along with every producer and
	// consumer riding on it.
	CloseTransport(ctx context.Context, id domain.TransportID) error
	Produce(ctx context.Context, id domain.TransportID, kind domain.MediaKind, rtpParameters json.RawMessage) (*domain.ProducerHandle, error)
	CanConsume(producerID domain.ProducerID, rtpCapabilities json.RawMessage) bool
	Consume(ctx context.Context, id domain.TransportID, producerID domain.ProducerID, rtpCapabilities json.RawMessage) (*domain.ConsumerHandle, error)

	// Done is closed once the engine is permanently unusable; Err then
	// reports why.
	Done() <-chan struct{}
	Err() error
}
