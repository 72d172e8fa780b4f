// Package relay is the signaling relay: it keeps the roster of connected
// participants, forwards targeted negotiation messages and fans conference
// events out to everyone else.
package relay

import (
	"context"
	"sync"

	"github.com/dkeye/meshconf/internal/app"
	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/dkeye/meshconf/internal/presence"
	"github.com/dkeye/meshconf/internal/protocol"
	"github.com/rs/zerolog/log"
)

// HubOptions configures a Hub instance.
type HubOptions struct {
	// Limiter caps inbound messages per participant; nil disables limiting.
	Limiter *RateLimiter
	// Policy decides what happens to a participant whose send buffer is full.
	// Defaults to DropPolicy.
	Policy Policy
}

// Hub is transport agnostic: adapters register a core.SignalConnection per
// participant and pass every inbound frame to Handle.
type Hub struct {
	store       presence.Store
	conferences *app.ConferenceRegistry
	limiter     *RateLimiter
	policy      Policy

	mu    sync.RWMutex
	conns map[domain.ParticipantID]core.SignalConnection
}

func NewHub(store presence.Store, conferences *app.ConferenceRegistry, opts HubOptions) *Hub {
	if opts.Policy == nil {
		opts.Policy = DropPolicy{}
	}
	return &Hub{
		store:       store,
		conferences: conferences,
		limiter:     opts.Limiter,
		policy:      opts.Policy,
		conns:       make(map[domain.ParticipantID]core.SignalConnection),
	}
}

// Register adds a connection to the roster and greets it with its id and the
// conferences currently announced.
func (h *Hub) Register(ctx context.Context, sid domain.ParticipantID, username string, conn core.SignalConnection) error {
	if err := h.store.AddPeer(ctx, sid, username); err != nil {
		return err
	}

	h.mu.Lock()
	h.conns[sid] = conn
	total := len(h.conns)
	h.mu.Unlock()

	log.Info().Str("module", "relay").Str("sid", string(sid)).Str("username", username).Int("peers", total).Msg("registered")

	h.sendTo(sid, "", protocol.Welcome{SID: sid, Conferences: h.conferences.List()})
	return nil
}

// Unregister drops a connection. A conference it announced ends with it.
func (h *Hub) Unregister(ctx context.Context, sid domain.ParticipantID) {
	h.mu.Lock()
	_, ok := h.conns[sid]
	delete(h.conns, sid)
	total := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}

	name := h.username(ctx, sid)
	if err := h.store.RemovePeer(ctx, sid); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("presence remove")
	}
	if h.limiter != nil {
		h.limiter.Forget(sid)
	}

	if h.conferences.End(sid) {
		h.broadcast(sid, protocol.ConferenceStatus{Action: protocol.ActionEnded, InitiatorSID: sid, Username: name})
	}
	h.broadcast(sid, protocol.ParticipantLeft{Username: name})

	log.Info().Str("module", "relay").Str("sid", string(sid)).Int("peers", total).Msg("unregistered")
}

// Handle processes one inbound frame from sid.
func (h *Hub) Handle(ctx context.Context, sid domain.ParticipantID, data []byte) {
	h.mu.RLock()
	_, registered := h.conns[sid]
	h.mu.RUnlock()
	if !registered {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("message from unregistered participant dropped")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(sid) {
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Msg("rate limited, message dropped")
		return
	}

	d, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("bad message")
		return
	}
	log.Debug().Str("module", "relay").Str("sid", string(sid)).Str("type", string(d.Msg.Kind())).Msg("inbound")

	switch m := d.Msg.(type) {
	case protocol.Register:
		if err := h.store.SetUsername(ctx, sid, m.Username); err != nil {
			log.Error().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("presence set username")
		}
	case protocol.Offer:
		m.Username = h.username(ctx, sid)
		h.forward(sid, m.TargetSID, m)
	case protocol.Answer:
		m.Username = h.username(ctx, sid)
		h.forward(sid, m.TargetSID, m)
	case protocol.ICECandidate:
		h.forward(sid, m.TargetSID, m)
	case protocol.JoinConference:
		m.Username = h.username(ctx, sid)
		h.broadcast(sid, m)
	case protocol.LeaveConference:
		m.Username = h.username(ctx, sid)
		h.broadcast(sid, m)
	case protocol.ConferenceStatus:
		m.InitiatorSID = sid
		m.Username = h.username(ctx, sid)
		if m.Action == protocol.ActionStarted {
			h.conferences.Announce(sid, m.Username)
		} else {
			h.conferences.End(sid)
		}
		h.broadcast(sid, m)
	case protocol.Welcome, protocol.ParticipantLeft:
		log.Warn().Str("module", "relay").Str("sid", string(sid)).Str("type", string(m.Kind())).Msg("relay-only message from client")
	}
}

// Peers returns the roster.
func (h *Hub) Peers(ctx context.Context) ([]domain.Participant, error) {
	return h.store.Peers(ctx)
}

func (h *Hub) Conferences() []domain.ConferenceAnnouncement {
	return h.conferences.List()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) username(ctx context.Context, sid domain.ParticipantID) string {
	name, _, err := h.store.Username(ctx, sid)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Str("sid", string(sid)).Msg("presence username")
	}
	return name
}

func (h *Hub) forward(from, to domain.ParticipantID, msg protocol.Message) {
	if !h.sendTo(to, from, msg) {
		log.Warn().Str("module", "relay").Str("from", string(from)).Str("to", string(to)).Str("type", string(msg.Kind())).Msg("forward target missing")
	}
}

func (h *Hub) sendTo(to, from domain.ParticipantID, msg protocol.Message) bool {
	h.mu.RLock()
	conn, ok := h.conns[to]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	data, err := protocol.Encode(from, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode")
		return true
	}
	h.push(to, conn, data)
	return true
}

// broadcast sends msg stamped with from to every other connection.
func (h *Hub) broadcast(from domain.ParticipantID, msg protocol.Message) {
	data, err := protocol.Encode(from, msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("encode")
		return
	}

	h.mu.RLock()
	targets := make(map[domain.ParticipantID]core.SignalConnection, len(h.conns))
	for id, c := range h.conns {
		if id != from {
			targets[id] = c
		}
	}
	h.mu.RUnlock()

	for id, c := range targets {
		h.push(id, c, data)
	}
}

func (h *Hub) push(to domain.ParticipantID, conn core.SignalConnection, data []byte) {
	err := conn.TrySend(data)
	if err == nil {
		return
	}
	switch h.policy.OnBackPressure(to, err) {
	case KickMember:
		log.Warn().Err(err).Str("module", "relay").Str("to", string(to)).Msg("slow participant disconnected")
		conn.Close()
	default:
		log.Warn().Err(err).Str("module", "relay").Str("to", string(to)).Msg("frame dropped")
	}
}
