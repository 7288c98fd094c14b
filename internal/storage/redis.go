package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "hookbeam/pkg/logx"
)

type redisStore struct {
	rdb *redis.Client
	log logx.Logger

	profileKey  string
	sessionsKey string
	maxSessions int
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	raw := strings.TrimSpace(cfg.Path)
	if raw == "" {
		return nil, errors.New("storage.path (redis URL) is required for redis driver")
	}
	opt, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client *redis.Client, cfg Config, log logx.Logger) *redisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hookbeam:"
	}
	return &redisStore{
		rdb:         client,
		log:         log,
		profileKey:  prefix + ProfileKey,
		sessionsKey: prefix + "sessions",
		maxSessions: cfg.maxSessions(),
	}
}

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) LoadProfile(ctx context.Context) (Profile, bool, error) {
	b, err := s.rdb.Get(ctx, s.profileKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Profile{}, false, nil
	}
	if err != nil {
		return Profile{}, false, err
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, false, err
	}
	return p, true, nil
}

func (s *redisStore) SaveProfile(ctx context.Context, p Profile) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.profileKey, b, 0).Err()
}

func (s *redisStore) ClearProfile(ctx context.Context) error {
	return s.rdb.Del(ctx, s.profileKey).Err()
}

// AppendSession pushes to the head of the list and trims, so the list is
// already newest-first.
func (s *redisStore) AppendSession(ctx context.Context, r SessionRecord) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, s.sessionsKey, b)
	pipe.LTrim(ctx, s.sessionsKey, 0, int64(s.maxSessions-1))
	_, err = pipe.Exec(ctx)
	return err
}

func (s *redisStore) RecentSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = s.maxSessions
	}
	vals, err := s.rdb.LRange(ctx, s.sessionsKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]SessionRecord, 0, len(vals))
	for _, v := range vals {
		var r SessionRecord
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			s.log.Debug("skipping malformed session record", logx.Err(err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
