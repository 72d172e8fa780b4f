// Package capture provides a synthetic local media source: static RTP tracks
// fed with generated packets at the codec's frame rate.
package capture

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

type Options struct {
	// Enabled false models a device that cannot be opened.
	Enabled bool
	Video   bool
	Audio   bool
}

// Synthetic is a core.CaptureDevice that hands out at most one stream at a time.
type Synthetic struct {
	opts Options

	mu   sync.Mutex
	held *Stream
	seq  int
}

func NewSynthetic(opts Options) *Synthetic {
	return &Synthetic{opts: opts}
}

func (d *Synthetic) Acquire() (core.LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opts.Enabled || (!d.opts.Video && !d.opts.Audio) {
		return nil, core.ErrDeviceUnavailable
	}
	if d.held != nil {
		return nil, core.ErrDeviceBusy
	}

	d.seq++
	id := fmt.Sprintf("capture-%d", d.seq)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stream{id: id, dev: d, cancel: cancel}

	if d.opts.Video {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", id)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("video track: %w", err)
		}
		s.tracks = append(s.tracks, t)
		s.wg.Go(func() { pump(ctx, t, videoSource) })
	}
	if d.opts.Audio {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", id)
		if err != nil {
			cancel()
			s.wg.Wait()
			return nil, fmt.Errorf("audio track: %w", err)
		}
		s.tracks = append(s.tracks, t)
		s.wg.Go(func() { pump(ctx, t, audioSource) })
	}

	d.held = s
	log.Info().Str("module", "capture").Str("stream", id).Int("tracks", len(s.tracks)).Msg("capture acquired")
	return s, nil
}

type Stream struct {
	id     string
	dev    *Synthetic
	tracks []webrtc.TrackLocal
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.dev.mu.Lock()
		if s.dev.held == s {
			s.dev.held = nil
		}
		s.dev.mu.Unlock()
		log.Info().Str("module", "capture").Str("stream", s.id).Msg("capture released")
	})
}

type source struct {
	payloadType uint8
	interval    time.Duration
	clockStep   uint32
	payload     []byte
}

var (
	// VP8 payload descriptor (S=1) followed by filler.
	videoSource = source{payloadType: 96, interval: 33 * time.Millisecond, clockStep: 3000, payload: []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}}
	// Opus silence frame.
	audioSource = source{payloadType: 111, interval: 20 * time.Millisecond, clockStep: 960, payload: []byte{0xf8, 0xff, 0xfe}}
)

func pump(ctx context.Context, t *webrtc.TrackLocalStaticRTP, src source) {
	ticker := time.NewTicker(src.interval)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    src.payloadType,
			SequenceNumber: uint16(rand.UintN(1 << 16)),
			Timestamp:      rand.Uint32(),
			SSRC:           rand.Uint32(),
			Marker:         true,
		},
		Payload: src.payload,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := t.WriteRTP(pkt); err != nil {
			log.Debug().Err(err).Str("module", "capture").Str("track", t.ID()).Msg("write rtp")
		}
		pkt.SequenceNumber++
		pkt.Timestamp += src.clockStep
	}
}
