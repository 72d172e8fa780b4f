// Package conference is the per-client conference state machine. It owns the
// local capture stream and the mesh of peer links, and reacts to signaling
// messages one event at a time.
package conference

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/app/mesh"
	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Username string
	Device   core.CaptureDevice
	Links    core.LinkFactory
	Signal   core.Signaler
	Notify   core.Notifier
	// Conferences is created per signaling connection; a fresh one is used when nil.
	Conferences *app.ConferenceRegistry
}

type Session struct {
	username    string
	device      core.CaptureDevice
	signal      core.Signaler
	notify      core.Notifier
	conferences *app.ConferenceRegistry
	engine      *mesh.Engine
	logger      zerolog.Logger

	qmu   sync.Mutex
	inbox []Event
	wake  chan struct{}

	mu        sync.RWMutex
	self      domain.ParticipantID
	state     domain.MembershipState
	initiator domain.ParticipantID

	// loop-owned
	stream core.LocalStream
	tiles  map[domain.ParticipantID]struct{}
}

func New(opts Options) *Session {
	conferences := opts.Conferences
	if conferences == nil {
		conferences = app.NewConferenceRegistry()
	}
	s := &Session{
		username:    opts.Username,
		device:      opts.Device,
		signal:      opts.Signal,
		notify:      opts.Notify,
		conferences: conferences,
		logger:      log.With().Str("module", "conference").Str("username", opts.Username).Logger(),
		wake:        make(chan struct{}, 1),
		tiles:       make(map[domain.ParticipantID]struct{}),
	}
	s.engine = mesh.NewEngine(mesh.NewRegistry(opts.Links), opts.Signal, observer{s}, opts.Username)
	return s
}

// Post enqueues an event. It never blocks.
func (s *Session) Post(ev Event) {
	s.qmu.Lock()
	s.inbox = append(s.inbox, ev)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run processes events until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		for s.Step() {
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		}
	}
}

// Step processes one pending event and reports whether there was one.
func (s *Session) Step() bool {
	s.qmu.Lock()
	if len(s.inbox) == 0 {
		s.qmu.Unlock()
		return false
	}
	ev := s.inbox[0]
	s.inbox[0] = nil
	s.inbox = s.inbox[1:]
	s.qmu.Unlock()

	s.handle(ev)
	return true
}

func (s *Session) handle(ev Event) {
	switch ev := ev.(type) {
	case Inbound:
		s.handleInbound(ev.Delivery)
	case StartRequested:
		_ = s.Start()
	case JoinRequested:
		_ = s.Join(ev.Initiator)
	case LeaveRequested:
		s.Leave()
	case ChannelClosed:
		s.Leave()
		s.conferences.Clear()
		s.mu.Lock()
		s.self = ""
		s.mu.Unlock()
		s.logger.Info().Msg("signaling channel closed")
	case linkCandidate:
		s.engine.HandleLocalCandidate(ev.CandidateEvent)
	case linkState:
		if err := s.engine.HandleLinkState(ev.LinkEvent); err != nil {
			s.removeTile(ev.Remote, err)
		}
	case linkTrack:
		if !s.engine.HandleRemoteTrack(ev.TrackEvent) {
			return
		}
		s.logger.Info().Str("remote", string(ev.Remote)).Str("kind", ev.Kind.String()).Str("track_id", ev.TrackID).Msg("remote track")
		if _, ok := s.tiles[ev.Remote]; !ok {
			s.tiles[ev.Remote] = struct{}{}
			s.emit(core.Notice{Kind: core.NoticeTileAdded, Participant: ev.Remote})
		}
	}
}

// Start acquires capture and announces a new conference with this participant
// as initiator. No links are opened until others join.
func (s *Session) Start() error {
	self, state, _ := s.snapshot()
	if self == "" {
		return s.reject(core.ErrNotConnected)
	}
	if state == domain.InConference {
		return s.reject(core.ErrAlreadyInConference)
	}

	stream, err := s.device.Acquire()
	if err != nil {
		return s.reject(err)
	}
	s.enter(stream, self)
	s.conferences.Announce(self, s.username)

	s.send(protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: self, Username: s.username})
	s.send(protocol.JoinConference{InitiatorSID: self})

	s.logger.Info().Msg("conference started")
	s.emit(core.Notice{Kind: core.NoticeConferenceStarted, Participant: self, Username: s.username})
	return nil
}

// Join enters the conference announced by initiator and offers toward it.
func (s *Session) Join(initiator domain.ParticipantID) error {
	self, state, _ := s.snapshot()
	if self == "" {
		return s.reject(core.ErrNotConnected)
	}
	if state == domain.InConference {
		return s.reject(core.ErrAlreadyInConference)
	}
	if initiator == self || !s.conferences.IsActive(initiator) {
		s.logger.Warn().Str("initiator", string(initiator)).Msg("join of inactive conference rejected")
		s.emit(core.Notice{Kind: core.NoticeAffordanceTerminated, Participant: initiator, Err: core.ErrStaleConference})
		return core.ErrStaleConference
	}

	stream, err := s.device.Acquire()
	if err != nil {
		return s.reject(err)
	}
	s.enter(stream, initiator)

	s.send(protocol.JoinConference{InitiatorSID: initiator})
	a, _ := s.conferences.Get(initiator)
	s.logger.Info().Str("initiator", string(initiator)).Msg("joined conference")
	s.emit(core.Notice{Kind: core.NoticeJoined, Participant: initiator, Username: a.InitiatorName})

	if err := s.engine.Initiate(initiator); err != nil {
		s.emit(core.Notice{Kind: core.NoticeError, Participant: initiator, Err: err})
	}
	return nil
}

// Leave releases capture, closes every link and announces the departure.
// Calling it outside a conference does nothing.
func (s *Session) Leave() {
	self, state, _ := s.snapshot()
	if state != domain.InConference {
		return
	}

	if s.stream != nil {
		s.stream.Stop()
		s.stream = nil
	}
	s.engine.Detach()
	s.engine.Teardown()
	for remote := range s.tiles {
		s.removeTile(remote, nil)
	}

	s.mu.Lock()
	s.state = domain.NotInConference
	s.initiator = ""
	s.mu.Unlock()
	if self != "" {
		s.conferences.End(self)
	}

	s.send(protocol.LeaveConference{})
	s.send(protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: self, Username: s.username})

	s.logger.Info().Msg("left conference")
	s.emit(core.Notice{Kind: core.NoticeLeft})
}

func (s *Session) handleInbound(d protocol.Delivery) {
	self, state, initiator := s.snapshot()

	switch m := d.Msg.(type) {
	case protocol.Welcome:
		s.mu.Lock()
		s.self = m.SID
		s.mu.Unlock()
		s.conferences.Seed(m.Conferences)
		s.logger.Info().Str("sid", string(m.SID)).Int("conferences", len(m.Conferences)).Msg("welcome")
		for _, a := range s.conferences.List() {
			s.emit(core.Notice{Kind: core.NoticeConferenceAnnounced, Participant: a.InitiatorID, Username: a.InitiatorName})
		}

	case protocol.JoinConference:
		if d.From == "" || d.From == self || state != domain.InConference {
			return
		}
		// The newcomer offers toward the initiator it joined through.
		if m.InitiatorSID == self || (m.InitiatorSID == "" && initiator == self) {
			s.logger.Debug().Str("remote", string(d.From)).Msg("awaiting offer from newcomer")
			return
		}
		if err := s.engine.Initiate(d.From); err != nil {
			s.emit(core.Notice{Kind: core.NoticeError, Participant: d.From, Username: m.Username, Err: err})
		}

	case protocol.LeaveConference:
		if d.From == self {
			return
		}
		s.logger.Info().Str("remote", string(d.From)).Msg("participant left conference")
		s.emit(core.Notice{Kind: core.NoticePeerLeft, Participant: d.From, Username: m.Username})

	case protocol.Offer:
		if state != domain.InConference {
			s.logger.Debug().Str("remote", string(d.From)).Msg("offer outside conference ignored")
			return
		}
		if err := s.engine.HandleOffer(d.From, m.Description); err != nil {
			s.emit(core.Notice{Kind: core.NoticeError, Participant: d.From, Username: m.Username, Err: err})
		}

	case protocol.Answer:
		err := s.engine.HandleAnswer(d.From, m.Description)
		if err != nil && !errors.Is(err, core.ErrSignalingStateMismatch) {
			s.emit(core.Notice{Kind: core.NoticeError, Participant: d.From, Username: m.Username, Err: err})
		}

	case protocol.ICECandidate:
		s.engine.HandleCandidate(d.From, m.Candidate)

	case protocol.ConferenceStatus:
		if m.InitiatorSID == self {
			return
		}
		switch m.Action {
		case protocol.ActionStarted:
			s.conferences.Announce(m.InitiatorSID, m.Username)
			s.emit(core.Notice{Kind: core.NoticeConferenceAnnounced, Participant: m.InitiatorSID, Username: m.Username})
		case protocol.ActionEnded:
			if s.conferences.End(m.InitiatorSID) {
				s.emit(core.Notice{Kind: core.NoticeConferenceEnded, Participant: m.InitiatorSID, Username: m.Username})
			}
		}

	case protocol.ParticipantLeft:
		if s.conferences.End(d.From) {
			s.emit(core.Notice{Kind: core.NoticeConferenceEnded, Participant: d.From, Username: m.Username})
		}
		s.emit(core.Notice{Kind: core.NoticePeerLeft, Participant: d.From, Username: m.Username})

	case protocol.Register:
		s.logger.Warn().Msg("register from relay ignored")
	}
}

func (s *Session) enter(stream core.LocalStream, initiator domain.ParticipantID) {
	s.stream = stream
	s.engine.Attach(stream)
	s.mu.Lock()
	s.state = domain.InConference
	s.initiator = initiator
	s.mu.Unlock()
}

// removeTile drops the tile of remote; err is set when its link was lost.
func (s *Session) removeTile(remote domain.ParticipantID, err error) {
	if _, ok := s.tiles[remote]; !ok {
		return
	}
	delete(s.tiles, remote)
	s.emit(core.Notice{Kind: core.NoticeTileRemoved, Participant: remote, Err: err})
}

func (s *Session) send(msg protocol.Message) {
	if err := s.signal.Send(msg); err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Kind())).Msg("send")
	}
}

func (s *Session) reject(err error) error {
	s.logger.Warn().Err(err).Msg("request rejected")
	s.emit(core.Notice{Kind: core.NoticeError, Err: err})
	return err
}

func (s *Session) emit(n core.Notice) {
	if s.notify != nil {
		s.notify.Notify(n)
	}
}

func (s *Session) snapshot() (domain.ParticipantID, domain.MembershipState, domain.ParticipantID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self, s.state, s.initiator
}

// Self returns the id assigned by the relay, empty before the welcome.
func (s *Session) Self() domain.ParticipantID {
	self, _, _ := s.snapshot()
	return self
}

func (s *Session) State() domain.MembershipState {
	_, state, _ := s.snapshot()
	return state
}

// Initiator returns the initiator of the current conference.
func (s *Session) Initiator() domain.ParticipantID {
	_, _, initiator := s.snapshot()
	return initiator
}

func (s *Session) Conferences() *app.ConferenceRegistry { return s.conferences }

// PeerStatus is one entry of Peers.
type PeerStatus struct {
	Remote domain.ParticipantID
	Phase  mesh.Phase
	Role   domain.NegotiationRole
}

// Peers lists the registered links and their negotiation phase.
func (s *Session) Peers() []PeerStatus {
	remotes := s.engine.Links().Remotes()
	out := make([]PeerStatus, len(remotes))
	for i, r := range remotes {
		role, _ := s.engine.Role(r)
		out[i] = PeerStatus{Remote: r, Phase: s.engine.Phase(r), Role: role}
	}
	return out
}
