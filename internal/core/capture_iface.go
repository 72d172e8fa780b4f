package core

import "github.com/pion/webrtc/v4"

// CaptureDevice hands out the local audio/video stream. Only one stream may be
// held at a time; a second Acquire before Stop returns ErrDeviceBusy.
type CaptureDevice interface {
	Acquire() (LocalStream, error)
}

type LocalStream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// Stop releases the device. Repeated calls are no-ops.
	Stop()
}
