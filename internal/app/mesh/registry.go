// Package mesh owns the pairwise media links of a conference and drives
// offer/answer/candidate negotiation on each of them.
package mesh

import (
	"cmp"
	"slices"
	"sync"

	"github.com/dkeye/meshconf/internal/core"
	"github.com/dkeye/meshconf/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Entry is one registered link.
type Entry struct {
	Remote domain.ParticipantID
	Link   core.MediaLink
}

// Registry keeps at most one live link per remote participant. It never sends
// signaling messages.
type Registry struct {
	factory core.LinkFactory

	mu    sync.RWMutex
	links map[domain.ParticipantID]core.MediaLink
}

func NewRegistry(factory core.LinkFactory) *Registry {
	return &Registry{
		factory: factory,
		links:   make(map[domain.ParticipantID]core.MediaLink),
	}
}

func (r *Registry) Get(remote domain.ParticipantID) (core.MediaLink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[remote]
	return l, ok
}

// CreateOrReplace closes any existing link to remote, builds a new one and
// registers it before returning it.
func (r *Registry) CreateOrReplace(remote domain.ParticipantID) (core.MediaLink, error) {
	logger := log.With().Str("module", "mesh.registry").Str("remote", string(remote)).Logger()

	r.mu.Lock()
	old, ok := r.links[remote]
	delete(r.links, remote)
	r.mu.Unlock()

	if ok {
		logger.Warn().Msg("replacing existing link")
		closeLink(remote, old)
	}

	link, err := r.factory.NewLink(remote)
	if err != nil {
		logger.Error().Err(err).Msg("create link")
		return nil, err
	}

	r.mu.Lock()
	r.links[remote] = link
	r.mu.Unlock()

	logger.Info().Msg("link registered")
	return link, nil
}

// Remove closes and discards the link to remote if present.
func (r *Registry) Remove(remote domain.ParticipantID) {
	r.mu.Lock()
	link, ok := r.links[remote]
	if ok {
		delete(r.links, remote)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	closeLink(remote, link)
	log.Info().Str("module", "mesh.registry").Str("remote", string(remote)).Msg("link removed")
}

// RemoveIf removes the link to remote only while it is still link.
func (r *Registry) RemoveIf(remote domain.ParticipantID, link core.MediaLink) bool {
	r.mu.Lock()
	cur, ok := r.links[remote]
	if !ok || cur != link {
		r.mu.Unlock()
		return false
	}
	delete(r.links, remote)
	r.mu.Unlock()
	closeLink(remote, link)
	log.Info().Str("module", "mesh.registry").Str("remote", string(remote)).Msg("link removed")
	return true
}

// IsCurrent reports whether link is the one registered for remote.
func (r *Registry) IsCurrent(remote domain.ParticipantID, link core.MediaLink) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.links[remote]
	return ok && cur == link
}

// All returns a snapshot ordered by remote.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.links))
	for remote, l := range r.links {
		out = append(out, Entry{Remote: remote, Link: l})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Remote, b.Remote) })
	return out
}

func (r *Registry) Remotes() []domain.ParticipantID {
	entries := r.All()
	out := make([]domain.ParticipantID, len(entries))
	for i, e := range entries {
		out[i] = e.Remote
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// CloseAll empties the registry and closes every link concurrently.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := r.links
	r.links = make(map[domain.ParticipantID]core.MediaLink)
	r.mu.Unlock()

	var wg conc.WaitGroup
	for remote, l := range links {
		wg.Go(func() { closeLink(remote, l) })
	}
	wg.Wait()

	if len(links) > 0 {
		log.Info().Str("module", "mesh.registry").Int("count", len(links)).Msg("all links closed")
	}
}

func closeLink(remote domain.ParticipantID, l core.MediaLink) {
	if err := l.Close(); err != nil {
		log.Warn().Err(err).Str("module", "mesh.registry").Str("remote", string(remote)).Msg("close link")
	}
}
