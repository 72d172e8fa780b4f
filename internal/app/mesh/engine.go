package mesh

import (
	"fmt"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the negotiation progress of one link.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOfferCreated
	PhaseRemoteOfferApplied
	PhaseAnswered
	PhaseNegotiating
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseOfferCreated:
		return "offer-created"
	case PhaseRemoteOfferApplied:
		return "remote-offer-applied"
	case PhaseAnswered:
		return "answered"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseConnected:
		return "connected"
	default:
		return "idle"
	}
}

type CandidateEvent struct {
	Remote    domain.ParticipantID
	Link      core.MediaLink
	Candidate webrtc.ICECandidateInit
}

type LinkEvent struct {
	Remote domain.ParticipantID
	Link   core.MediaLink
	State  webrtc.PeerConnectionState
}

type TrackEvent struct {
	Remote  domain.ParticipantID
	Link    core.MediaLink
	Kind    webrtc.RTPCodecType
	TrackID string
}

// Observer receives link callbacks. They fire on media goroutines, so an
// implementation hands them back to its own event loop and calls the matching
// Handle method from there.
type Observer interface {
	LocalCandidate(CandidateEvent)
	LinkStateChanged(LinkEvent)
	RemoteTrack(TrackEvent)
}

// Engine drives offer/answer/candidate exchange for every link in a Registry.
// Handle methods are called from a single goroutine.
type Engine struct {
	links    *Registry
	signal   core.Signaler
	observer Observer
	username string
	stream   core.LocalStream

	mu     sync.RWMutex
	phases map[domain.ParticipantID]Phase
	roles  map[domain.ParticipantID]domain.NegotiationRole
}

func NewEngine(links *Registry, signal core.Signaler, observer Observer, username string) *Engine {
	return &Engine{
		links:    links,
		signal:   signal,
		observer: observer,
		username: username,
		phases:   make(map[domain.ParticipantID]Phase),
		roles:    make(map[domain.ParticipantID]domain.NegotiationRole),
	}
}

// Attach sets the local stream added to every link created afterwards.
func (e *Engine) Attach(stream core.LocalStream) { e.stream = stream }

func (e *Engine) Detach() { e.stream = nil }

func (e *Engine) Links() *Registry { return e.links }

func (e *Engine) Phase(remote domain.ParticipantID) Phase {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.phases[remote]
}

// Role reports which side this participant took on the current link to remote.
func (e *Engine) Role(remote domain.ParticipantID) (domain.NegotiationRole, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.roles[remote]
	return r, ok
}

func (e *Engine) setPhase(remote domain.ParticipantID, p Phase) {
	e.mu.Lock()
	e.phases[remote] = p
	e.mu.Unlock()
}

func (e *Engine) setRole(remote domain.ParticipantID, r domain.NegotiationRole) {
	e.mu.Lock()
	e.roles[remote] = r
	e.mu.Unlock()
}

func (e *Engine) dropPhase(remote domain.ParticipantID) {
	e.mu.Lock()
	delete(e.phases, remote)
	delete(e.roles, remote)
	e.mu.Unlock()
}

func (e *Engine) logger(remote domain.ParticipantID) zerolog.Logger {
	return log.With().Str("module", "mesh.engine").Str("remote", string(remote)).Logger()
}

// Initiate opens a fresh link toward remote and sends it an offer.
func (e *Engine) Initiate(remote domain.ParticipantID) error {
	logger := e.logger(remote)

	link, err := e.open(remote)
	if err != nil {
		return e.fail(remote, link, "open link", err)
	}
	e.setRole(remote, domain.Offerer)
	offer, err := link.CreateOffer()
	if err != nil {
		return e.fail(remote, link, "create offer", err)
	}
	e.setPhase(remote, PhaseOfferCreated)

	if err := e.signal.Send(protocol.Offer{TargetSID: remote, Description: offer, Username: e.username}); err != nil {
		return e.fail(remote, link, "send offer", err)
	}
	logger.Info().Msg("offer sent")
	return nil
}

// HandleOffer replaces any link to from, answers the offer and sends the answer back.
func (e *Engine) HandleOffer(from domain.ParticipantID, offer webrtc.SessionDescription) error {
	logger := e.logger(from)

	link, err := e.open(from)
	if err != nil {
		return e.fail(from, link, "open link", err)
	}
	e.setRole(from, domain.Answerer)
	answer, err := link.ApplyOfferAndCreateAnswer(offer)
	if err != nil {
		return e.fail(from, link, "apply offer", err)
	}
	e.setPhase(from, PhaseRemoteOfferApplied)

	if err := e.signal.Send(protocol.Answer{TargetSID: from, Description: answer, Username: e.username}); err != nil {
		return e.fail(from, link, "send answer", err)
	}
	e.setPhase(from, PhaseAnswered)
	logger.Info().Msg("answer sent")
	return nil
}

// HandleAnswer applies an answer only while the link is waiting for one.
// Anything else is discarded and reported as ErrSignalingStateMismatch.
func (e *Engine) HandleAnswer(from domain.ParticipantID, answer webrtc.SessionDescription) error {
	logger := e.logger(from)

	link, ok := e.links.Get(from)
	if !ok {
		logger.Warn().Msg("answer without link discarded")
		return fmt.Errorf("%w: no link", core.ErrSignalingStateMismatch)
	}
	if st := link.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		logger.Warn().Str("signaling_state", st.String()).Msg("answer discarded")
		return fmt.Errorf("%w: %s", core.ErrSignalingStateMismatch, st)
	}
	if err := link.ApplyAnswer(answer); err != nil {
		return e.fail(from, link, "apply answer", err)
	}
	e.setPhase(from, PhaseNegotiating)
	logger.Info().Msg("answer applied")
	return nil
}

// HandleCandidate applies a remote candidate. Without a link it is dropped silently.
func (e *Engine) HandleCandidate(from domain.ParticipantID, cand webrtc.ICECandidateInit) {
	link, ok := e.links.Get(from)
	if !ok {
		log.Debug().Str("module", "mesh.engine").Str("remote", string(from)).Msg("candidate without link dropped")
		return
	}
	if err := link.AddICECandidate(cand); err != nil {
		log.Warn().Err(err).Str("module", "mesh.engine").Str("remote", string(from)).Msg("candidate dropped")
	}
}

// HandleLocalCandidate forwards a gathered candidate while its link is current.
func (e *Engine) HandleLocalCandidate(ev CandidateEvent) {
	if !e.links.IsCurrent(ev.Remote, ev.Link) {
		return
	}
	if err := e.signal.Send(protocol.ICECandidate{TargetSID: ev.Remote, Candidate: ev.Candidate}); err != nil {
		log.Warn().Err(err).Str("module", "mesh.engine").Str("remote", string(ev.Remote)).Msg("send candidate")
	}
}

// HandleLinkState tracks connectivity of the current link. When the link was
// lost and removed it returns an error wrapping core.ErrLinkLost.
func (e *Engine) HandleLinkState(ev LinkEvent) error {
	if !e.links.IsCurrent(ev.Remote, ev.Link) {
		return nil
	}
	logger := e.logger(ev.Remote)

	switch ev.State {
	case webrtc.PeerConnectionStateConnected:
		e.setPhase(ev.Remote, PhaseConnected)
		logger.Info().Msg("link connected")
		return nil
	case webrtc.PeerConnectionStateDisconnected,
		webrtc.PeerConnectionStateFailed,
		webrtc.PeerConnectionStateClosed:
		logger.Warn().Str("state", ev.State.String()).Msg("link lost")
		e.links.RemoveIf(ev.Remote, ev.Link)
		e.dropPhase(ev.Remote)
		return fmt.Errorf("%w: %s", core.ErrLinkLost, ev.State)
	default:
		logger.Debug().Str("state", ev.State.String()).Msg("link state")
		return nil
	}
}

// HandleRemoteTrack reports whether the track belongs to a current link.
func (e *Engine) HandleRemoteTrack(ev TrackEvent) bool {
	return e.links.IsCurrent(ev.Remote, ev.Link)
}

// Teardown closes every link.
func (e *Engine) Teardown() {
	e.links.CloseAll()
	e.mu.Lock()
	clear(e.phases)
	clear(e.roles)
	e.mu.Unlock()
}

func (e *Engine) open(remote domain.ParticipantID) (core.MediaLink, error) {
	link, err := e.links.CreateOrReplace(remote)
	if err != nil {
		return nil, err
	}
	e.setPhase(remote, PhaseIdle)

	link.OnICECandidate(func(c webrtc.ICECandidateInit) {
		e.observer.LocalCandidate(CandidateEvent{Remote: remote, Link: link, Candidate: c})
	})
	link.OnStateChange(func(s webrtc.PeerConnectionState) {
		e.observer.LinkStateChanged(LinkEvent{Remote: remote, Link: link, State: s})
	})
	link.OnRemoteTrack(func(kind webrtc.RTPCodecType, trackID string) {
		e.observer.RemoteTrack(TrackEvent{Remote: remote, Link: link, Kind: kind, TrackID: trackID})
	})

	if e.stream != nil {
		if err := link.AddLocalStream(e.stream); err != nil {
			return link, err
		}
	}
	return link, nil
}

// fail tears down the one link involved and wraps err as a negotiation failure.
func (e *Engine) fail(remote domain.ParticipantID, link core.MediaLink, step string, err error) error {
	logger := e.logger(remote)
	logger.Error().Err(err).Str("step", step).Msg("negotiation failed")
	if link != nil {
		e.links.RemoveIf(remote, link)
	} else {
		e.links.Remove(remote)
	}
	e.dropPhase(remote)
	return fmt.Errorf("%w: %s: %v", core.ErrNegotiationFailed, step, err)
}
