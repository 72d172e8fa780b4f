package conference

import (
	"context"
	"sync"
	"testing"

	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/app/mesh/meshtest"
	"github.com/dkeye/meshconf/internal/app/relay"
	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/presence"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/stretchr/testify/require"
)

// frames is the relay side of an in-memory connection.
type frames struct {
	mu  sync.Mutex
	buf []core.Frame
}

func (f *frames) TrySend(fr core.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, fr)
	return nil
}

func (f *frames) Close() {}

func (f *frames) take() []core.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.buf
	f.buf = nil
	return out
}

// uplink is the client side: it hands encoded messages straight to the hub.
type uplink struct {
	hub    *relay.Hub
	id     domain.ParticipantID
	closed bool
	sent   []protocol.Message
}

func (u *uplink) Send(msg protocol.Message) error {
	if u.closed {
		return core.ErrNotConnected
	}
	data, err := protocol.Encode("", msg)
	if err != nil {
		return err
	}
	u.sent = append(u.sent, msg)
	u.hub.Handle(context.Background(), u.id, data)
	return nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []core.Notice
}

func (n *noticeLog) Notify(x core.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeLog) count(kind core.NoticeKind, who domain.ParticipantID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, x := range n.notices {
		if x.Kind == kind && x.Participant == who {
			c++
		}
	}
	return c
}

type participant struct {
	id      domain.ParticipantID
	device  *meshtest.Device
	factory *meshtest.Factory
	notices *noticeLog
	up      *uplink
	conn    *frames
	session *Session
}

func (p *participant) links() []domain.ParticipantID {
	return p.session.engine.Links().Remotes()
}

// connectedTo reports whether p's current link to remote is connected.
func (p *participant) connectedTo(remote domain.ParticipantID) bool {
	l, ok := p.session.engine.Links().Get(remote)
	if !ok {
		return false
	}
	return l.(*meshtest.Link).Connected()
}

type harness struct {
	t          *testing.T
	hub        *relay.Hub
	net        *meshtest.Network
	ps         []*participant
	propagated map[*meshtest.Link]bool
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:          t,
		hub:        relay.NewHub(presence.NewMemoryStore(), app.NewConferenceRegistry(), relay.HubOptions{}),
		net:        meshtest.NewNetwork(),
		propagated: make(map[*meshtest.Link]bool),
	}
}

func (h *harness) add(name string) *participant {
	id := domain.ParticipantID(name)
	p := &participant{
		id:      id,
		device:  &meshtest.Device{},
		factory: &meshtest.Factory{Owner: id, Net: h.net},
		notices: &noticeLog{},
		up:      &uplink{hub: h.hub, id: id},
		conn:    &frames{},
	}
	p.session = New(Options{
		Username: name,
		Device:   p.device,
		Links:    p.factory,
		Signal:   p.up,
		Notify:   p.notices,
	})
	require.NoError(h.t, h.hub.Register(context.Background(), id, name, p.conn))
	h.ps = append(h.ps, p)
	h.settle()
	require.Equal(h.t, id, p.session.Self())
	return p
}

// drop simulates the signaling channel of p going away.
func (h *harness) drop(p *participant) {
	p.up.closed = true
	h.hub.Unregister(context.Background(), p.id)
	p.conn.take()
	p.session.Post(ChannelClosed{})
	h.settle()
}

// settle delivers frames, runs every session loop, releases gathered
// candidates and propagates closed links to their remote side until nothing moves.
func (h *harness) settle() {
	for range 1000 {
		progressed := false
		for _, p := range h.ps {
			if p.up.closed {
				continue
			}
			for _, fr := range p.conn.take() {
				d, err := protocol.Decode(fr)
				require.NoError(h.t, err)
				p.session.Post(Inbound{d})
				progressed = true
			}
		}
		for _, p := range h.ps {
			for p.session.Step() {
				progressed = true
			}
		}
		for _, p := range h.ps {
			if p.factory.GatherAll() > 0 {
				progressed = true
			}
		}
		if h.propagateCloses() {
			progressed = true
		}
		if !progressed {
			return
		}
	}
	h.t.Fatal("mesh did not settle")
}

func (h *harness) propagateCloses() bool {
	moved := false
	for _, p := range h.ps {
		for _, l := range p.factory.Links() {
			if !l.Closed() || h.propagated[l] {
				continue
			}
			h.propagated[l] = true
			for _, q := range h.ps {
				for _, o := range q.factory.To(p.id) {
					if o.Connected() && l.Pairs(o) {
						o.Disconnect()
						moved = true
					}
				}
			}
		}
	}
	return moved
}
