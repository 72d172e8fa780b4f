package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Link is a core.MediaLink backed by a pion PeerConnection. Candidates trickle
// through OnICECandidate; descriptions are returned without waiting for gathering.
type Link struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu      sync.RWMutex
	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(webrtc.RTPCodecType, string)

	closeOnce sync.Once
	closeErr  error
}

func newLink(ctx context.Context, pc *webrtc.PeerConnection, remote domain.ParticipantID) *Link {
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		pc:     pc,
		remote: remote,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With().Str("module", "rtc").Str("remote", string(remote)).Logger(),
	}
	l.start()
	return l
}

func (l *Link) start() {
	l.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		l.logger.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	l.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			l.cancel()
		}
		l.mu.RLock()
		fn := l.onState
		l.mu.RUnlock()
		if fn != nil {
			fn(s)
		}
	})

	l.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			l.logger.Debug().Msg("ICE gathering complete")
			return
		}
		l.mu.RLock()
		fn := l.onICE
		l.mu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Str("codec", track.Codec().MimeType).
			Msg("OnTrack received")
		l.mu.RLock()
		fn := l.onTrack
		l.mu.RUnlock()
		if fn != nil {
			fn(track.Kind(), track.ID())
		}
		go l.drain(track)
	})
}

// drain consumes a remote track until the link goes away. Rendering is left to
// whoever embeds the client.
func (l *Link) drain(track *webrtc.TrackRemote) {
	packets := 0
	for {
		if l.ctx.Err() != nil {
			break
		}
		if _, _, err := track.ReadRTP(); err != nil {
			break
		}
		packets++
	}
	l.logger.Debug().Str("track_id", track.ID()).Int("packets", packets).Msg("remote track ended")
}

func (l *Link) AddLocalStream(s core.LocalStream) error {
	for _, t := range s.Tracks() {
		sender, err := l.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go readRTCP(sender)
	}
	return nil
}

// readRTCP keeps the sender's interceptors (NACK, reports) fed.
func readRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(answer)
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(c)
}

func (l *Link) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	l.mu.Lock()
	l.onICE = fn
	l.mu.Unlock()
}

func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState)) {
	l.mu.Lock()
	l.onState = fn
	l.mu.Unlock()
}

func (l *Link) OnRemoteTrack(fn func(kind webrtc.RTPCodecType, trackID string)) {
	l.mu.Lock()
	l.onTrack = fn
	l.mu.Unlock()
}

func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.closeErr = l.pc.Close()
		if l.closeErr != nil {
			l.logger.Error().Err(l.closeErr).Msg("close error")
		} else {
			l.logger.Info().Msg("closed")
		}
	})
	return l.closeErr
}
