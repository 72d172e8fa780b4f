// Package presence tracks which participants are connected to the relay and
// under which display name.
package presence

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/dkeye/meshconf/internal/domain"
	"github.com/samber/lo"
)

// Store is the relay roster.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, id domain.ParticipantID, username string) error
	RemovePeer(ctx context.Context, id domain.ParticipantID) error
	SetUsername(ctx context.Context, id domain.ParticipantID, username string) error
	Username(ctx context.Context, id domain.ParticipantID) (string, bool, error)
	Peers(ctx context.Context) ([]domain.Participant, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu    sync.RWMutex
	names map[domain.ParticipantID]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{names: make(map[domain.ParticipantID]string)}
}

func (s *MemoryStore) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.names)
	return nil
}

func (s *MemoryStore) AddPeer(_ context.Context, id domain.ParticipantID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[id] = strings.TrimSpace(username)
	return nil
}

func (s *MemoryStore) RemovePeer(_ context.Context, id domain.ParticipantID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.names, id)
	return nil
}

// SetUsername renames a connected peer; unknown ids are ignored.
func (s *MemoryStore) SetUsername(_ context.Context, id domain.ParticipantID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[id]; ok {
		s.names[id] = strings.TrimSpace(username)
	}
	return nil
}

func (s *MemoryStore) Username(_ context.Context, id domain.ParticipantID) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[id]
	return name, ok, nil
}

func (s *MemoryStore) Peers(context.Context) ([]domain.Participant, error) {
	s.mu.RLock()
	out := lo.MapToSlice(s.names, func(id domain.ParticipantID, name string) domain.Participant {
		return domain.Participant{ID: id, Username: name}
	})
	s.mu.RUnlock()
	sortPeers(out)
	return out, nil
}

func sortPeers(ps []domain.Participant) {
	slices.SortFunc(ps, func(a, b domain.Participant) int { return cmp.Compare(a.ID, b.ID) })
}
