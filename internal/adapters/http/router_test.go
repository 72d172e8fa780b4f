package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/meshconf/internal/adapters/wsclient"
	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/app/relay"
	"github.com/dkeye/meshconf/internal/config"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/presence"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/stretchr/testify/require"
)

type peer struct {
	client *wsclient.Client
	inbox  chan protocol.Delivery
	done   chan error
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, name string) *peer {
	t.Helper()
	c, err := wsclient.Dial(ctx, wsclient.Options{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal",
		Username: name,
	})
	require.NoError(t, err)
	p := &peer{client: c, inbox: make(chan protocol.Delivery, 16), done: make(chan error, 1)}
	go func() { p.done <- c.Run(ctx, func(d protocol.Delivery) { p.inbox <- d }) }()
	return p
}

func (p *peer) next(t *testing.T) protocol.Delivery {
	t.Helper()
	select {
	case d := <-p.inbox:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no message from relay")
		return protocol.Delivery{}
	}
}

func newServer(t *testing.T, ctx context.Context) *httptest.Server {
	hub := relay.NewHub(presence.NewMemoryStore(), app.NewConferenceRegistry(), relay.HubOptions{})
	cfg := &config.Config{Mode: "test", Secret: "secret", ReadLimit: 32768, PingPeriod: time.Minute, SendBuffer: 16}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, hub))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRouter_SignalingRoundTrip(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(t, ctx)

	// Given two connected participants
	alice := dial(t, ctx, srv, "alice")
	aliceWelcome, ok := alice.next(t).Msg.(protocol.Welcome)
	req.True(ok)
	req.NotEmpty(aliceWelcome.SID)
	bob := dial(t, ctx, srv, "bob")
	bobWelcome, ok := bob.next(t).Msg.(protocol.Welcome)
	req.True(ok)
	req.NotEqual(aliceWelcome.SID, bobWelcome.SID)

	// When alice announces a conference
	req.NoError(alice.client.Send(protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: aliceWelcome.SID}))

	// Then bob sees it stamped with alice's id and name
	d := bob.next(t)
	req.Equal(aliceWelcome.SID, d.From)
	req.Equal(protocol.ConferenceStatus{Action: protocol.ActionStarted, InitiatorSID: aliceWelcome.SID, Username: "alice"}, d.Msg)

	var confs []domain.ConferenceAnnouncement
	getJSON(t, srv.URL+"/api/conferences", &confs)
	req.Len(confs, 1)
	req.Equal(aliceWelcome.SID, confs[0].InitiatorID)

	var peers []domain.Participant
	getJSON(t, srv.URL+"/api/participants", &peers)
	req.Len(peers, 2)

	// When alice's channel closes
	alice.client.Close()
	<-alice.done

	// Then bob learns the conference ended and alice left
	ended := bob.next(t)
	req.Equal(protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: aliceWelcome.SID, Username: "alice"}, ended.Msg)
	left := bob.next(t)
	req.Equal(aliceWelcome.SID, left.From)
	req.IsType(protocol.ParticipantLeft{}, left.Msg)

	var health map[string]any
	getJSON(t, srv.URL+"/healthz", &health)
	req.Equal("ok", health["status"])
	req.EqualValues(1, health["participants"])
}

func TestRouter_RejectsOverlongUsername(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := newServer(t, ctx)

	resp, err := http.Get(srv.URL + "/api/ws/signal?username=" + strings.Repeat("x", domain.MaxUsernameLen+1))
	req.NoError(err)
	defer resp.Body.Close()
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}
