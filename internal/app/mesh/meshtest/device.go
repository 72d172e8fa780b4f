package meshtest

import (
	"fmt"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/pion/webrtc/v4"
)

// Device is a fake capture device holding at most one stream.
type Device struct {
	mu          sync.Mutex
	Unavailable bool
	held        *Stream
	acquired    int
}

func (d *Device) Acquire() (core.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Unavailable {
		return nil, core.ErrDeviceUnavailable
	}
	if d.held != nil {
		return nil, core.ErrDeviceBusy
	}
	d.acquired++
	s := &Stream{id: fmt.Sprintf("stream-%d", d.acquired), dev: d}
	d.held = s
	return s, nil
}

// Held reports whether a stream is currently acquired.
func (d *Device) Held() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.held != nil
}

func (d *Device) Acquisitions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquired
}

type Stream struct {
	id  string
	dev *Device
}

func (s *Stream) ID() string                  { return s.id }
func (s *Stream) Tracks() []webrtc.TrackLocal { return nil }

func (s *Stream) Stop() {
	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	if s.dev.held == s {
		s.dev.held = nil
	}
}
