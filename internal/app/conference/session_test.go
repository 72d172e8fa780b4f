package conference

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/meshconf/internal/app/mesh/meshtest"
	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/mocks"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// noticeMatcher matches a notice by kind and, when set, participant.
type noticeMatcher struct {
	kind core.NoticeKind
	who  domain.ParticipantID
}

func (m noticeMatcher) Matches(x any) bool {
	n, ok := x.(core.Notice)
	return ok && n.Kind == m.kind && (m.who == "" || n.Participant == m.who)
}

func (m noticeMatcher) String() string {
	return "notice " + string(m.kind) + " " + string(m.who)
}

func noticeOf(kind core.NoticeKind) gomock.Matcher { return noticeMatcher{kind: kind} }

type fixture struct {
	session *Session
	signal  *mocks.MockSignaler
	notify  *mocks.MockNotifier
	device  *meshtest.Device
	factory *meshtest.Factory
}

func newFixture(t *testing.T, self domain.ParticipantID) *fixture {
	ctrl := gomock.NewController(t)
	f := &fixture{
		signal:  mocks.NewMockSignaler(ctrl),
		notify:  mocks.NewMockNotifier(ctrl),
		device:  &meshtest.Device{},
		factory: meshtest.NewFactory(self),
	}
	f.session = New(Options{
		Username: string(self),
		Device:   f.device,
		Links:    f.factory,
		Signal:   f.signal,
		Notify:   f.notify,
	})
	f.session.Post(Inbound{protocol.Delivery{Msg: protocol.Welcome{SID: self}}})
	require.True(t, f.session.Step())
	return f
}

func (f *fixture) deliver(from domain.ParticipantID, msg protocol.Message) {
	f.session.Post(Inbound{protocol.Delivery{From: from, Msg: msg}})
	for f.session.Step() {
	}
}

func TestSession_LeaveIsIdempotent(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "alice")
	f.notify.EXPECT().Notify(gomock.Any()).AnyTimes()

	// Given a started conference
	gomock.InOrder(
		f.signal.EXPECT().Send(protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "alice"}).Return(nil),
		f.signal.EXPECT().Send(protocol.JoinConference{InitiatorSID: "alice"}).Return(nil),
	)
	req.NoError(f.session.Start())
	req.Equal(domain.InConference, f.session.State())
	req.True(f.device.Held())

	// Expect exactly one leave/ended pair
	gomock.InOrder(
		f.signal.EXPECT().Send(protocol.LeaveConference{}).Return(nil).Times(1),
		f.signal.EXPECT().Send(protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: "alice", Username: "alice"}).Return(nil).Times(1),
	)

	// When leave is called twice
	f.session.Leave()
	f.session.Leave()

	// Then capture is released and the conference is gone
	req.Equal(domain.NotInConference, f.session.State())
	req.False(f.device.Held())
	req.False(f.session.Conferences().IsActive("alice"))
}

func TestSession_StartWithUnavailableDevice(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "alice")
	f.device.Unavailable = true

	// Expect an error notice and no signaling at all
	f.notify.EXPECT().Notify(noticeOf(core.NoticeError)).Times(1)

	err := f.session.Start()

	req.ErrorIs(err, core.ErrDeviceUnavailable)
	req.Equal(domain.NotInConference, f.session.State())
	req.Zero(f.session.Conferences().Len())
}

func TestSession_StartBeforeWelcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	req := require.New(t)
	notify := mocks.NewMockNotifier(ctrl)
	notify.EXPECT().Notify(noticeOf(core.NoticeError)).Times(1)
	dev := &meshtest.Device{}
	s := New(Options{Username: "alice", Device: dev, Links: meshtest.NewFactory("alice"), Signal: mocks.NewMockSignaler(ctrl), Notify: notify})

	req.ErrorIs(s.Start(), core.ErrNotConnected)
	req.Zero(dev.Acquisitions())
}

func TestSession_DuplicateJoinRejected(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")
	f.notify.EXPECT().Notify(gomock.Any()).AnyTimes()
	f.signal.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()

	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "Alice"})
	req.NoError(f.session.Join("alice"))

	err := f.session.Join("alice")

	req.ErrorIs(err, core.ErrAlreadyInConference)
	req.Equal(1, f.device.Acquisitions())
	req.Len(f.factory.To("alice"), 1)
}

func TestSession_StaleJoinSendsNothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")

	// Given alice's conference was announced and then ended
	f.notify.EXPECT().Notify(noticeOf(core.NoticeConferenceAnnounced)).Times(1)
	f.notify.EXPECT().Notify(noticeOf(core.NoticeConferenceEnded)).Times(1)
	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "Alice"})
	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: "alice", Username: "Alice"})

	// Expect the affordance to be terminated and no message sent
	f.notify.EXPECT().Notify(noticeMatcher{kind: core.NoticeAffordanceTerminated, who: "alice"}).Times(1)

	err := f.session.Join("alice")

	req.ErrorIs(err, core.ErrStaleConference)
	req.Equal(domain.NotInConference, f.session.State())
	req.Zero(f.device.Acquisitions())
}

func TestSession_RemoteEndNeverForcesLeave(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")
	f.notify.EXPECT().Notify(gomock.Any()).AnyTimes()
	f.signal.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()

	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "Alice"})
	req.NoError(f.session.Join("alice"))

	f.deliver("alice", protocol.LeaveConference{Username: "Alice"})
	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: "alice", Username: "Alice"})

	req.Equal(domain.InConference, f.session.State())
	req.True(f.device.Held())
	req.False(f.session.Conferences().IsActive("alice"))
}

func TestSession_OfferOutsideConferenceIgnored(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")

	f.deliver("alice", protocol.Offer{TargetSID: "bob", Description: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}})

	req.Empty(f.factory.Links())
}

func TestSession_ParticipantLeftEndsItsConference(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")
	f.notify.EXPECT().Notify(noticeOf(core.NoticeConferenceAnnounced)).Times(1)
	f.notify.EXPECT().Notify(noticeOf(core.NoticeConferenceEnded)).Times(1)
	f.notify.EXPECT().Notify(noticeOf(core.NoticePeerLeft)).Times(1)

	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "Alice"})
	f.deliver("alice", protocol.ParticipantLeft{Username: "Alice"})

	req.False(f.session.Conferences().IsActive("alice"))
}

func TestSession_ChannelClosedLeavesAndClears(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "bob")
	f.notify.EXPECT().Notify(gomock.Any()).AnyTimes()
	f.signal.EXPECT().Send(gomock.Any()).Return(core.ErrNotConnected).AnyTimes()

	f.deliver("alice", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "alice", Username: "Alice"})
	f.deliver("carol", protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: "carol", Username: "Carol"})
	req.NoError(f.session.Join("alice"))

	f.session.Post(ChannelClosed{})
	for f.session.Step() {
	}

	req.Equal(domain.NotInConference, f.session.State())
	req.Empty(f.session.Self())
	req.Zero(f.session.Conferences().Len())
	req.False(f.device.Held())
	for _, l := range f.factory.Links() {
		req.True(l.Closed())
	}
}

func TestSession_RunProcessesPostedEvents(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "alice")
	started := make(chan struct{})
	f.signal.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()
	f.notify.EXPECT().Notify(gomock.Any()).Do(func(n core.Notice) {
		if n.Kind == core.NoticeConferenceStarted {
			close(started)
		}
	}).AnyTimes()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.session.Run(ctx) }()

	f.session.Post(StartRequested{})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("start not processed")
	}
	cancel()
	req.ErrorIs(<-done, context.Canceled)
	req.Equal(domain.InConference, f.session.State())
}

func TestSession_LinkFailureDropsOnlyThatPeer(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, "alice")
	f.signal.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()
	var notices []core.Notice
	f.notify.EXPECT().Notify(gomock.Any()).Do(func(n core.Notice) { notices = append(notices, n) }).AnyTimes()
	req.NoError(f.session.Start())

	// Given connected links to bob and carol
	for _, remote := range []domain.ParticipantID{"bob", "carol"} {
		other, err := meshtest.NewFactory(remote).NewLink("alice")
		req.NoError(err)
		offer, err := other.CreateOffer()
		req.NoError(err)
		f.deliver(remote, protocol.Offer{TargetSID: "alice", Description: offer})
		f.deliver(remote, protocol.ICECandidate{TargetSID: "alice", Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 50001 typ host"}})
		req.True(f.factory.Last(remote).Connected())
	}

	// When bob's link fails
	f.factory.Last("bob").Fail()
	for f.session.Step() {
	}

	// Then alice stays in the conference with carol only
	req.Equal(domain.InConference, f.session.State())
	req.True(f.device.Held())
	_, ok := f.session.engine.Links().Get("bob")
	req.False(ok)
	_, ok = f.session.engine.Links().Get("carol")
	req.True(ok)
	req.True(f.factory.Last("bob").Closed())

	var removed []core.Notice
	for _, n := range notices {
		if n.Kind == core.NoticeTileRemoved {
			removed = append(removed, n)
		}
	}
	req.Len(removed, 1)
	req.Equal(domain.ParticipantID("bob"), removed[0].Participant)
	req.ErrorIs(removed[0].Err, core.ErrLinkLost)
}
