package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the error class reported to clients in error frames.
type ErrorKind string

const (
	KindMalformedMessage         ErrorKind = "MalformedMessage"
	KindUnknownMessageType       ErrorKind = "UnknownMessageType"
	KindProtocolViolation        ErrorKind = "ProtocolViolation"
	KindResourceNotFound         ErrorKind = "ResourceNotFound"
	KindIncompatibleCapabilities ErrorKind = "IncompatibleCapabilities"
	KindEngineError              ErrorKind = "EngineError"
)

var (
	ErrTransportNotFound        = errors.New("transport not found")
	ErrProducerNotFound         = errors.New("producer not found")
	ErrAlreadyConnected         = errors.New("transport already connected")
	ErrTransportNotConnected    = errors.New("transport not connected")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrEngineClosed             = errors.New("media engine closed")
	ErrSessionClosed            = errors.New("session closed")
	ErrBackpressure             = errors.New("backpressure")
)

// Error attaches a client-facing kind to an error chain.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind ErrorKind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf classifies an error chain. Errors the taxonomy does not know
// about come from the engine.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	switch {
	case errors.Is(err, ErrTransportNotFound), errors.Is(err, ErrProducerNotFound):
		return KindResourceNotFound
	case errors.Is(err, ErrAlreadyConnected),
		errors.Is(err, ErrTransportNotConnected),
		errors.Is(err, ErrSessionClosed):
		return KindProtocolViolation
	case errors.Is(err, ErrIncompatibleCapabilities):
		return KindIncompatibleCapabilities
	default:
		return KindEngineError
	}
}
