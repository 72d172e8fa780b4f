package mesh

import (
	"testing"

	"github.com/dkeye/meshconf/internal/app/mesh/meshtest"
	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/mocks"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// outbox collects sent messages in order.
type outbox struct{ msgs []protocol.Message }

func (o *outbox) Send(m protocol.Message) error {
	o.msgs = append(o.msgs, m)
	return nil
}

func (o *outbox) take() []protocol.Message {
	out := o.msgs
	o.msgs = nil
	return out
}

// queue collects link callbacks so the test can hand them back to the engine.
type queue struct {
	events []any
	lost   error
}

func (q *queue) LocalCandidate(ev CandidateEvent) { q.events = append(q.events, ev) }
func (q *queue) LinkStateChanged(ev LinkEvent)    { q.events = append(q.events, ev) }
func (q *queue) RemoteTrack(ev TrackEvent)        { q.events = append(q.events, ev) }

func (q *queue) drain(e *Engine) (lost, tracks int) {
	for len(q.events) > 0 {
		ev := q.events[0]
		q.events = q.events[1:]
		switch ev := ev.(type) {
		case CandidateEvent:
			e.HandleLocalCandidate(ev)
		case LinkEvent:
			if err := e.HandleLinkState(ev); err != nil {
				q.lost = err
				lost++
			}
		case TrackEvent:
			if e.HandleRemoteTrack(ev) {
				tracks++
			}
		}
	}
	return lost, tracks
}

type peer struct {
	id      domain.ParticipantID
	factory *meshtest.Factory
	out     *outbox
	obs     *queue
	engine  *Engine
}

func newPeer(id domain.ParticipantID) *peer {
	p := &peer{id: id, factory: meshtest.NewFactory(id), out: &outbox{}, obs: &queue{}}
	p.engine = NewEngine(NewRegistry(p.factory), p.out, p.obs, string(id))
	return p
}

func TestEngine_InitiateSendsOffer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	req := require.New(t)

	signal := mocks.NewMockSignaler(ctrl)
	factory := meshtest.NewFactory("alice")
	dev := &meshtest.Device{}
	stream, err := dev.Acquire()
	req.NoError(err)
	e := NewEngine(NewRegistry(factory), signal, &queue{}, "Alice")
	e.Attach(stream)

	// Expect exactly one offer toward bob
	signal.EXPECT().
		Send(gomock.AssignableToTypeOf(protocol.Offer{})).
		DoAndReturn(func(m protocol.Message) error {
			offer := m.(protocol.Offer)
			req.Equal(domain.ParticipantID("bob"), offer.TargetSID)
			req.Equal(webrtc.SDPTypeOffer, offer.Description.Type)
			req.Equal("Alice", offer.Username)
			return nil
		}).
		Times(1)

	req.NoError(e.Initiate("bob"))

	req.Equal(PhaseOfferCreated, e.Phase("bob"))
	req.Equal([]string{stream.ID()}, factory.Last("bob").Streams())
}

func TestEngine_AnswerOutsideHaveLocalOfferIsDiscarded(t *testing.T) {
	req := require.New(t)
	bob := newPeer("bob")
	alice := newPeer("alice")

	// Given bob answered alice's offer, so his link is stable
	req.NoError(alice.engine.Initiate("bob"))
	offer := alice.out.take()[0].(protocol.Offer)
	req.NoError(bob.engine.HandleOffer("alice", offer.Description))
	answer := bob.out.take()[0].(protocol.Answer)

	// When an answer arrives at bob
	err := bob.engine.HandleAnswer("alice", answer.Description)

	// Then it is discarded and the link is kept
	req.ErrorIs(err, core.ErrSignalingStateMismatch)
	req.Equal(1, bob.engine.Links().Len())
	req.False(bob.factory.Last("alice").Closed())

	// And an answer with no link at all is discarded too
	req.ErrorIs(bob.engine.HandleAnswer("carol", answer.Description), core.ErrSignalingStateMismatch)
}

func TestEngine_FailureTearsDownOnlyThatLink(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")
	alice.factory.Prepare = func(l *meshtest.Link) {
		if l.Remote == "carol" {
			l.FailNextOffer()
		}
	}

	req.NoError(alice.engine.Initiate("bob"))
	err := alice.engine.Initiate("carol")

	req.ErrorIs(err, core.ErrNegotiationFailed)
	req.Equal([]domain.ParticipantID{"bob"}, alice.engine.Links().Remotes())
	req.True(alice.factory.Last("carol").Closed())
	req.False(alice.factory.Last("bob").Closed())
	req.Len(alice.out.take(), 1)
}

func TestEngine_AnswerFailureTearsDownLink(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")
	bob := newPeer("bob")
	bob.factory.Prepare = func(l *meshtest.Link) { l.FailNextAnswer() }

	req.NoError(alice.engine.Initiate("bob"))
	offer := alice.out.take()[0].(protocol.Offer)

	err := bob.engine.HandleOffer("alice", offer.Description)

	req.ErrorIs(err, core.ErrNegotiationFailed)
	req.Zero(bob.engine.Links().Len())
	req.Empty(bob.out.take())
}

func TestEngine_OutOfOrderCandidatesStillConnect(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")
	bob := newPeer("bob")
	early := webrtc.ICECandidateInit{Candidate: "candidate:9 1 udp 1 10.0.0.9 9 typ host"}

	// ICE before the offer is dropped silently
	bob.engine.HandleCandidate("alice", early)
	req.Zero(bob.engine.Links().Len())

	// offer
	req.NoError(alice.engine.Initiate("bob"))
	offer := alice.out.take()[0].(protocol.Offer)
	req.NoError(bob.engine.HandleOffer("alice", offer.Description))
	answer := bob.out.take()[0].(protocol.Answer)
	req.Equal(PhaseAnswered, bob.engine.Phase("alice"))

	// ICE from alice reaches bob before alice has the answer
	alice.factory.Last("bob").Gather()
	alice.obs.drain(alice.engine)
	for _, m := range alice.out.take() {
		c := m.(protocol.ICECandidate)
		bob.engine.HandleCandidate("alice", c.Candidate)
	}

	// answer
	req.NoError(alice.engine.HandleAnswer("bob", answer.Description))
	req.Equal(PhaseNegotiating, alice.engine.Phase("bob"))

	// ICE from bob
	bob.factory.Last("alice").Gather()
	_, bobTracks := bob.obs.drain(bob.engine)
	for _, m := range bob.out.take() {
		c := m.(protocol.ICECandidate)
		alice.engine.HandleCandidate("bob", c.Candidate)
	}

	_, aliceTracks := alice.obs.drain(alice.engine)
	req.Equal(PhaseConnected, alice.engine.Phase("bob"))
	req.Equal(PhaseConnected, bob.engine.Phase("alice"))
	req.Equal(1, aliceTracks)
	req.Equal(1, bobTracks)

	role, ok := alice.engine.Role("bob")
	req.True(ok)
	req.Equal(domain.Offerer, role)
	role, ok = bob.engine.Role("alice")
	req.True(ok)
	req.Equal(domain.Answerer, role)
}

func TestEngine_LinkLostRemovesOnlyCurrentLink(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")

	req.NoError(alice.engine.Initiate("bob"))
	stale := alice.factory.Last("bob")
	req.NoError(alice.engine.Initiate("bob"))
	current := alice.factory.Last("bob")

	// the replaced link reports closed; nothing happens
	lost, _ := alice.obs.drain(alice.engine)
	req.Zero(lost)
	req.True(stale.Closed())
	req.Equal(1, alice.engine.Links().Len())

	// the current link fails; it is removed, no retry
	current.Fail()
	lost, _ = alice.obs.drain(alice.engine)
	req.Equal(1, lost)
	req.ErrorIs(alice.obs.lost, core.ErrLinkLost)
	req.Zero(alice.engine.Links().Len())
	req.True(current.Closed())
	req.Equal(PhaseIdle, alice.engine.Phase("bob"))
	req.Len(alice.out.take(), 2)
}

func TestEngine_CandidateFromStaleLinkNotSent(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")

	req.NoError(alice.engine.Initiate("bob"))
	stale := alice.factory.Last("bob")
	req.NoError(alice.engine.Initiate("bob"))
	alice.out.take()

	// stale link is closed, so its queue was dropped; a late callback is still ignored
	alice.engine.HandleLocalCandidate(CandidateEvent{Remote: "bob", Link: stale, Candidate: webrtc.ICECandidateInit{Candidate: "x"}})

	req.Empty(alice.out.take())
}

func TestEngine_Teardown(t *testing.T) {
	req := require.New(t)
	alice := newPeer("alice")
	req.NoError(alice.engine.Initiate("bob"))
	req.NoError(alice.engine.Initiate("carol"))

	alice.engine.Teardown()

	req.Zero(alice.engine.Links().Len())
	req.Equal(PhaseIdle, alice.engine.Phase("bob"))
	lost, _ := alice.obs.drain(alice.engine)
	req.Zero(lost)
}
