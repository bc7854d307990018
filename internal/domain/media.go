// Package domain contains signaling entities without logic, just meta-data.
package domain

import (
	"encoding/json"
	"slices"
)

type (
	SessionID   string
	TransportID string
	ProducerID  string
	ConsumerID  string
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// TransportRole is tracked for protocol validation only, the engine does
// not distinguish sending and receiving transports.
type TransportRole string

const (
	RoleProducer TransportRole = "producer"
	RoleConsumer TransportRole = "consumer"
)

type ConsumerType string

const (
	ConsumerSimple    ConsumerType = "simple"
	ConsumerSimulcast ConsumerType = "simulcast"
)

// TransportHandle is a negotiated network transport issued by the engine.
// ICE and DTLS parameters are passed to the client verbatim.
type TransportHandle struct {
	ID             TransportID
	Owner          SessionID
	Role           TransportRole
	Connected      bool
	IceParameters  json.RawMessage
	IceCandidates  json.RawMessage
	DtlsParameters json.RawMessage
}

type ProducerHandle struct {
	ID            ProducerID
	TransportID   TransportID
	Owner         SessionID
	Kind          MediaKind
	RtpParameters json.RawMessage
}

type ConsumerHandle struct {
	ID            ConsumerID
	ProducerID    ProducerID
	TransportID   TransportID
	Owner         SessionID
	Kind          MediaKind
	RtpParameters json.RawMessage
	Type          ConsumerType
}

// Resources lists resource ids held by one session.
type Resources struct {
	Transports []TransportID
	Producers  []ProducerID
	Consumers  []ConsumerID
}

func (r Resources) Empty() bool {
	return len(r.Transports) == 0 && len(r.Producers) == 0 && len(r.Consumers) == 0
}

// Merge returns the union of r and o. Order of r is kept, unseen ids of o
// are appended.
func (r Resources) Merge(o Resources) Resources {
	return Resources{
		Transports: union(r.Transports, o.Transports),
		Producers:  union(r.Producers, o.Producers),
		Consumers:  union(r.Consumers, o.Consumers),
	}
}

func union[T comparable](a, b []T) []T {
	out := slices.Clone(a)
	for _, v := range b {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// RouterCapabilities is the process-wide codec set of the single router.
// It is encoded once at startup and never mutated.
type RouterCapabilities json.RawMessage

func (c RouterCapabilities) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("null"), nil
	}
	return c, nil
}
