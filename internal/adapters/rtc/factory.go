package rtc

import (
	"context"
	"fmt"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultWebRTCConfig is used when no ICE servers are configured.
func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Factory builds pion links sharing one API (codecs and interceptors).
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
	ctx context.Context
}

// NewFactory registers the default codecs and interceptors. ctx bounds every
// remote track reader started by links of this factory. An empty ICE server
// list falls back to DefaultWebRTCConfig.
func NewFactory(ctx context.Context, cfg webrtc.Configuration) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
	)
	if len(cfg.ICEServers) == 0 {
		cfg.ICEServers = DefaultWebRTCConfig().ICEServers
	}
	return &Factory{api: api, cfg: cfg, ctx: ctx}, nil
}

func (f *Factory) NewLink(remote domain.ParticipantID) (core.MediaLink, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newLink(f.ctx, pc, remote), nil
}
