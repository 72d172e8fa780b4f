// Package meshtest provides in-memory media links and capture devices for tests.
package meshtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed          = errors.New("link closed")
	ErrWrongState      = errors.New("wrong signaling state")
	ErrNoRemoteDesc    = errors.New("remote description not set")
	ErrUnknownUfrag    = errors.New("candidate for another session")
	ErrInjectedFailure = errors.New("injected failure")
)

// Link is a fake core.MediaLink. It follows the stable / have-local-offer
// signaling machine, holds its local candidates until Gather, and reports
// connected once both descriptions are set and one remote candidate of the
// matching session was applied. On a Network the link it negotiated with must
// also be open and paired back.
type Link struct {
	Owner  domain.ParticipantID
	Remote domain.ParticipantID
	Seq    int

	net *Network

	mu          sync.Mutex
	ufrag       string
	remoteUfrag string
	state       webrtc.SignalingState
	localSet    bool
	remoteSet   bool
	remoteCands int
	pending     []webrtc.ICECandidateInit
	connected   bool
	closed      bool
	closeCalls  int
	streams     []string
	failOffer   bool
	failAnswer  bool

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(webrtc.RTPCodecType, string)
}

func newLink(net *Network, owner, remote domain.ParticipantID, seq int) *Link {
	l := &Link{
		Owner:  owner,
		Remote: remote,
		Seq:    seq,
		net:    net,
		ufrag:  fmt.Sprintf("%s-%s-%d", owner, remote, seq),
		state:  webrtc.SignalingStateStable,
	}
	if net != nil {
		net.join(l)
	}
	return l
}

func (l *Link) AddLocalStream(s core.LocalStream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.streams = append(l.streams, s.ID())
	return nil
}

func (l *Link) CreateOffer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if l.failOffer {
		l.failOffer = false
		return webrtc.SessionDescription{}, ErrInjectedFailure
	}
	if l.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrWrongState, l.state)
	}
	l.state = webrtc.SignalingStateHaveLocalOffer
	l.localSet = true
	l.queueCandidate()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: l.sdp("offer")}, nil
}

func (l *Link) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if l.failAnswer {
		l.failAnswer = false
		return webrtc.SessionDescription{}, ErrInjectedFailure
	}
	if offer.Type != webrtc.SDPTypeOffer || l.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", ErrWrongState, l.state)
	}
	l.remoteSet = true
	l.remoteUfrag = ufragOf(offer.SDP)
	l.publish()
	l.localSet = true
	l.queueCandidate()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: l.sdp("answer")}, nil
}

func (l *Link) ApplyAnswer(answer webrtc.SessionDescription) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if answer.Type != webrtc.SDPTypeAnswer || l.state != webrtc.SignalingStateHaveLocalOffer {
		st := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWrongState, st)
	}
	l.state = webrtc.SignalingStateStable
	l.remoteSet = true
	l.remoteUfrag = ufragOf(answer.SDP)
	l.publish()
	fire := l.checkConnected()
	l.mu.Unlock()
	fire()
	return nil
}

func (l *Link) AddICECandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if !l.remoteSet {
		l.mu.Unlock()
		return ErrNoRemoteDesc
	}
	if c.UsernameFragment != nil && *c.UsernameFragment != l.remoteUfrag {
		l.mu.Unlock()
		return ErrUnknownUfrag
	}
	l.remoteCands++
	fire := l.checkConnected()
	l.mu.Unlock()
	fire()
	return nil
}

func (l *Link) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return webrtc.SignalingStateClosed
	}
	return l.state
}

func (l *Link) OnICECandidate(fn func(webrtc.ICECandidateInit))            { l.onICE = fn }
func (l *Link) OnStateChange(fn func(webrtc.PeerConnectionState))          { l.onState = fn }
func (l *Link) OnRemoteTrack(fn func(kind webrtc.RTPCodecType, id string)) { l.onTrack = fn }

func (l *Link) Close() error {
	l.mu.Lock()
	l.closeCalls++
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.pending = nil
	l.publish()
	l.mu.Unlock()
	if l.onState != nil {
		l.onState(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Gather releases the queued local candidates through OnICECandidate.
func (l *Link) Gather() int {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if l.onICE != nil {
			l.onICE(c)
		}
	}
	return len(pending)
}

// Fail reports a connectivity failure.
func (l *Link) Fail() {
	if l.onState != nil {
		l.onState(webrtc.PeerConnectionStateFailed)
	}
}

// Disconnect reports that the remote side went away.
func (l *Link) Disconnect() {
	if l.onState != nil {
		l.onState(webrtc.PeerConnectionStateDisconnected)
	}
}

// Pairs reports whether l and o negotiated with each other.
func (l *Link) Pairs(o *Link) bool {
	l.mu.Lock()
	ufrag, remote := l.ufrag, l.remoteUfrag
	l.mu.Unlock()
	o.mu.Lock()
	defer o.mu.Unlock()
	return remote != "" && remote == o.ufrag && o.remoteUfrag == ufrag
}

// NegotiatedWith reports whether l took o's description as its remote one.
func (l *Link) NegotiatedWith(o *Link) bool {
	l.mu.Lock()
	remote := l.remoteUfrag
	l.mu.Unlock()
	return remote != "" && remote == o.ufrag
}

func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Link) CloseCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeCalls
}

func (l *Link) Streams() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.streams...)
}

// FailNextOffer makes the next CreateOffer return ErrInjectedFailure.
func (l *Link) FailNextOffer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failOffer = true
}

// FailNextAnswer makes the next ApplyOfferAndCreateAnswer return ErrInjectedFailure.
func (l *Link) FailNextAnswer() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failAnswer = true
}

func (l *Link) sdp(kind string) string {
	return fmt.Sprintf("v=0\r\ns=%s\r\na=ice-ufrag:%s\r\n", kind, l.ufrag)
}

func ufragOf(sdp string) string {
	_, rest, ok := strings.Cut(sdp, "a=ice-ufrag:")
	if !ok {
		return ""
	}
	ufrag, _, _ := strings.Cut(rest, "\r\n")
	return ufrag
}

func (l *Link) queueCandidate() {
	mid := "0"
	var idx uint16
	ufrag := l.ufrag
	l.pending = append(l.pending, webrtc.ICECandidateInit{
		Candidate:        fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", l.Seq, 50000+l.Seq),
		SDPMid:           &mid,
		SDPMLineIndex:    &idx,
		UsernameFragment: &ufrag,
	})
}

// publish must be called with mu held.
func (l *Link) publish() {
	if l.net != nil {
		l.net.update(l, l.remoteUfrag, l.closed)
	}
}

// recheck re-evaluates connectivity after the paired link changed.
func (l *Link) recheck() {
	l.mu.Lock()
	fire := l.checkConnected()
	l.mu.Unlock()
	fire()
}

// checkConnected must be called with mu held; the returned func fires callbacks
// unlocked and then lets the paired link re-evaluate.
func (l *Link) checkConnected() func() {
	if l.connected || l.closed || !l.localSet || !l.remoteSet || l.remoteCands == 0 {
		return func() {}
	}
	var peer *Link
	if l.net != nil {
		p, ok := l.net.peer(l, l.remoteUfrag)
		if !ok {
			return func() {}
		}
		peer = p
	}
	l.connected = true
	onState, onTrack := l.onState, l.onTrack
	trackID := fmt.Sprintf("video-%s-%d", l.Remote, l.Seq)
	return func() {
		if onState != nil {
			onState(webrtc.PeerConnectionStateConnected)
		}
		if onTrack != nil {
			onTrack(webrtc.RTPCodecTypeVideo, trackID)
		}
		if peer != nil {
			peer.recheck()
		}
	}
}
