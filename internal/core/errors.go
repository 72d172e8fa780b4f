package core

import "errors"

var (
	ErrDeviceUnavailable      = errors.New("capture device unavailable")
	ErrDeviceBusy             = errors.New("capture device already acquired")
	ErrSignalingStateMismatch = errors.New("signaling state mismatch")
	ErrNegotiationFailed      = errors.New("negotiation failed")
	ErrLinkLost               = errors.New("peer link lost")
	ErrAlreadyInConference    = errors.New("already in conference")
	ErrStaleConference        = errors.New("conference is no longer active")
	ErrNotConnected           = errors.New("signaling channel not connected")
)
