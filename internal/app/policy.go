package app

import "github.com/dkeye/sfu-signaling/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	Disconnect
)

// Policy decides what happens to a session whose outbound queue is full.
type Policy interface {
	OnBackPressure(sid domain.SessionID) BackpressureAction
}

// SimplePolicy disconnects slow clients.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.SessionID) BackpressureAction {
	return Disconnect
}

// LenientPolicy drops the frame and keeps the connection.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(domain.SessionID) BackpressureAction {
	return DropFrame
}
