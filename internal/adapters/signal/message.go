package signal

import (
	"encoding/json"

	"github.com/dkeye/sfu-signaling/internal/domain"
)

type MessageType string

// Inbound.
const (
	TypeGetRouterRtpCapabilities MessageType = "getRouterRtpCapabilities"
	TypeCreateProducerTransport  MessageType = "createProducerTransport"
	TypeConnectProducerTransport MessageType = "connectProducerTransport"
	TypeProduce                  MessageType = "produce"
	TypeCreateConsumerTransport  MessageType = "createConsumerTransport"
	TypeConnectConsumerTransport MessageType = "connectConsumerTransport"
	TypeConsume                  MessageType = "consume"
	TypePing                     MessageType = "ping"
)

// Outbound.
const (
	TypeConnected                  MessageType = "connected"
	TypeRouterRtpCapabilities      MessageType = "routerRtpCapabilities"
	TypeProducerTransportCreated   MessageType = "producerTransportCreated"
	TypeTransportConnected         MessageType = "transportConnected"
	TypeProducerCreated            MessageType = "producerCreated"
	TypeConsumerTransportCreated   MessageType = "consumerTransportCreated"
	TypeConsumerTransportConnected MessageType = "consumerTransportConnected"
	TypeConsumersCreated           MessageType = "consumersCreated"
	TypePong                       MessageType = "pong"
	TypeError                      MessageType = "error"
)

type envelope struct {
	Type MessageType `json:"type"`
}

// connectTransportRequest names its transport either directly or through
// dtlsParameters.id.
type connectTransportRequest struct {
	TransportID    domain.TransportID `json:"transportId"`
	DtlsParameters json.RawMessage    `json:"dtlsParameters" validate:"required,jsonobject"`
}

func (m connectTransportRequest) transport() domain.TransportID {
	if m.TransportID != "" {
		return m.TransportID
	}
	return refID(m.DtlsParameters)
}

type produceRequest struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind" validate:"required,oneof=audio video"`
	RtpParameters json.RawMessage    `json:"rtpParameters" validate:"required,jsonobject"`
}

func (m produceRequest) transport() domain.TransportID {
	if m.TransportID != "" {
		return m.TransportID
	}
	return refID(m.RtpParameters)
}

type consumeRequest struct {
	TransportID     domain.TransportID `json:"transportId" validate:"required"`
	RtpCapabilities json.RawMessage    `json:"rtpCapabilities" validate:"required,jsonobject"`
}

func refID(raw json.RawMessage) domain.TransportID {
	var ref struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &ref)
	return domain.TransportID(ref.ID)
}

type response struct {
	Type MessageType `json:"type"`
	Data any         `json:"data,omitempty"`
}

type errorResponse struct {
	Type    MessageType      `json:"type"`
	Kind    domain.ErrorKind `json:"kind"`
	Message string           `json:"message"`
}

type connectedData struct {
	SessionID domain.SessionID `json:"sessionId"`
	Message   string           `json:"message"`
}

type transportCreatedData struct {
	ID             domain.TransportID `json:"id"`
	IceParameters  json.RawMessage    `json:"iceParameters"`
	IceCandidates  json.RawMessage    `json:"iceCandidates"`
	DtlsParameters json.RawMessage    `json:"dtlsParameters"`
}

type producerCreatedData struct {
	ID domain.ProducerID `json:"id"`
}

type consumerData struct {
	ProducerID    domain.ProducerID   `json:"producerId"`
	ID            domain.ConsumerID   `json:"id"`
	Kind          domain.MediaKind    `json:"kind"`
	RtpParameters json.RawMessage     `json:"rtpParameters"`
	Type          domain.ConsumerType `json:"type"`
}
