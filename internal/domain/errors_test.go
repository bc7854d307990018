package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"tagged", Errorf(KindMalformedMessage, "bad"), KindMalformedMessage},
		{"tagged wraps sentinel", Wrap(KindProtocolViolation, ErrTransportNotFound, "x"), KindProtocolViolation},
		{"transport not found", fmt.Errorf("connect: %w", ErrTransportNotFound), KindResourceNotFound},
		{"producer not found", ErrProducerNotFound, KindResourceNotFound},
		{"already connected", fmt.Errorf("connect: %w", ErrAlreadyConnected), KindProtocolViolation},
		{"not connected", ErrTransportNotConnected, KindProtocolViolation},
		{"session closed", ErrSessionClosed, KindProtocolViolation},
		{"incompatible", fmt.Errorf("consume: %w", ErrIncompatibleCapabilities), KindIncompatibleCapabilities},
		{"engine closed", ErrEngineClosed, KindEngineError},
		{"unknown", errors.New("boom"), KindEngineError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Fatalf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	if got := Wrap(KindResourceNotFound, ErrTransportNotFound, "t1").Error(); got != "t1: transport not found" {
		t.Errorf("wrapped message = %q", got)
	}
	if got := Errorf(KindUnknownMessageType, "Unknown message type %q", "x").Error(); got != `Unknown message type "x"` {
		t.Errorf("plain message = %q", got)
	}
	if Wrap(KindEngineError, nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	if !errors.Is(Wrap(KindEngineError, ErrEngineClosed, "x"), ErrEngineClosed) {
		t.Error("Wrap should keep the chain")
	}
}

func TestResourcesMerge(t *testing.T) {
	a := Resources{Transports: []TransportID{"t1", "t2"}, Producers: []ProducerID{"p1"}}
	b := Resources{Transports: []TransportID{"t2", "t3"}, Consumers: []ConsumerID{"c1"}}

	got := a.Merge(b)
	if fmt.Sprint(got.Transports) != "[t1 t2 t3]" {
		t.Errorf("transports = %v", got.Transports)
	}
	if fmt.Sprint(got.Producers) != "[p1]" || fmt.Sprint(got.Consumers) != "[c1]" {
		t.Errorf("merge = %+v", got)
	}
	if len(a.Transports) != 2 {
		t.Error("Merge mutated its receiver")
	}
	if !(Resources{}).Empty() || got.Empty() {
		t.Error("Empty")
	}
}

func TestMediaKindValid(t *testing.T) {
	for k, want := range map[MediaKind]bool{"audio": true, "video": true, "": false, "data": false, "Audio": false} {
		if k.Valid() != want {
			t.Errorf("%q.Valid() = %v", k, !want)
		}
	}
}
