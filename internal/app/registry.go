package app

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/meshconf/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// ConferenceRegistry holds the conferences announced on one signaling connection,
// keyed by initiator. It lives as long as the connection and is cleared on disconnect.
type ConferenceRegistry struct {
	mu          sync.RWMutex
	conferences map[domain.ParticipantID]*domain.ConferenceAnnouncement
}

func NewConferenceRegistry() *ConferenceRegistry {
	return &ConferenceRegistry{
		conferences: make(map[domain.ParticipantID]*domain.ConferenceAnnouncement),
	}
}

// Announce inserts or overwrites the announcement of initiator as active.
func (r *ConferenceRegistry) Announce(initiator domain.ParticipantID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conferences[initiator] = domain.NewConferenceAnnouncement(initiator, name)
	log.Info().Str("module", "app.conferences").Str("initiator", string(initiator)).Str("username", name).Msg("conference announced")
}

// End removes the announcement of initiator. It reports whether one was present.
func (r *ConferenceRegistry) End(initiator domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conferences[initiator]; !ok {
		return false
	}
	delete(r.conferences, initiator)
	log.Info().Str("module", "app.conferences").Str("initiator", string(initiator)).Msg("conference ended")
	return true
}

func (r *ConferenceRegistry) IsActive(initiator domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.conferences[initiator]
	return ok && a.Active
}

func (r *ConferenceRegistry) Get(initiator domain.ParticipantID) (domain.ConferenceAnnouncement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.conferences[initiator]
	if !ok {
		return domain.ConferenceAnnouncement{}, false
	}
	return *a, true
}

// List returns a copy of the active announcements ordered by initiator.
func (r *ConferenceRegistry) List() []domain.ConferenceAnnouncement {
	r.mu.RLock()
	out := lo.MapToSlice(r.conferences, func(_ domain.ParticipantID, a *domain.ConferenceAnnouncement) domain.ConferenceAnnouncement {
		return *a
	})
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.ConferenceAnnouncement) int {
		return cmp.Compare(a.InitiatorID, b.InitiatorID)
	})
	return out
}

// Seed replaces the content with a snapshot received from the relay.
func (r *ConferenceRegistry) Seed(list []domain.ConferenceAnnouncement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.conferences)
	for _, a := range list {
		if !a.Active || a.InitiatorID == "" {
			continue
		}
		r.conferences[a.InitiatorID] = domain.NewConferenceAnnouncement(a.InitiatorID, a.InitiatorName)
	}
	log.Info().Str("module", "app.conferences").Int("count", len(r.conferences)).Msg("seeded from snapshot")
}

func (r *ConferenceRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.conferences)
	log.Info().Str("module", "app.conferences").Msg("cleared")
}

func (r *ConferenceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conferences)
}
