package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/meshconf/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

// RedisStore implements Store using a Redis set of ids and a hash of names.
type RedisStore struct {
	rdb          *redis.Client
	keyPeers     string
	keyUsernames string
}

// NewRedisStore builds a Store backed by Redis. Prefix is optional (e.g., "meshconf:relay1").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "meshconf"
	}
	return &RedisStore{
		rdb:          rdb,
		keyPeers:     fmt.Sprintf("%s:peers", p),
		keyUsernames: fmt.Sprintf("%s:usernames", p),
	}
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.rdb.Del(ctx, s.keyPeers, s.keyUsernames).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, id domain.ParticipantID, username string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keyPeers, string(id))
		pipe.HSet(ctx, s.keyUsernames, string(id), strings.TrimSpace(username))
		return nil
	})
	return err
}

func (s *RedisStore) RemovePeer(ctx context.Context, id domain.ParticipantID) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.keyPeers, string(id))
		pipe.HDel(ctx, s.keyUsernames, string(id))
		return nil
	})
	return err
}

func (s *RedisStore) SetUsername(ctx context.Context, id domain.ParticipantID, username string) error {
	ok, err := s.rdb.SIsMember(ctx, s.keyPeers, string(id)).Result()
	if err != nil || !ok {
		return err
	}
	return s.rdb.HSet(ctx, s.keyUsernames, string(id), strings.TrimSpace(username)).Err()
}

func (s *RedisStore) Username(ctx context.Context, id domain.ParticipantID) (string, bool, error) {
	name, err := s.rdb.HGet(ctx, s.keyUsernames, string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (s *RedisStore) Peers(ctx context.Context) ([]domain.Participant, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyPeers).Result()
	if err != nil {
		return nil, err
	}
	names, err := s.rdb.HGetAll(ctx, s.keyUsernames).Result()
	if err != nil {
		return nil, err
	}
	out := lo.Map(ids, func(id string, _ int) domain.Participant {
		return domain.Participant{ID: domain.ParticipantID(id), Username: names[id]}
	})
	sortPeers(out)
	return out, nil
}
