package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	logx "github.com/WaterInk0101/proactive-private-chat/pkg/logx"
)

const redisDialTimeout = 5 * time.Second

// redisStore layout, all under KeyPrefix:
//
//	cooldowns  HASH  user_id -> unix milli
//	contacts   HASH  user_id -> Contact JSON
//	audit      ZSET  score unix milli, member AuditEntry JSON
type redisStore struct {
	rdb    goredis.UniversalClient
	prefix string
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.RedisURL)
	if url == "" {
		return nil, errors.New("storage.redis_url is required for redis driver")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = redisDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = redisDialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = redisDialTimeout
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, cfg.KeyPrefix, log), nil
}

func newRedisStore(rdb goredis.UniversalClient, prefix string, log logx.Logger) *redisStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = "proactive:"
	}
	return &redisStore{rdb: rdb, prefix: prefix, log: log}
}

func (s *redisStore) key(name string) string { return s.prefix + name }

func (s *redisStore) Close() error { return s.rdb.Close() }

func (s *redisStore) PutCooldown(ctx context.Context, userID string, at time.Time) error {
	if strings.TrimSpace(userID) == "" {
		return nil
	}
	return s.rdb.HSet(ctx, s.key("cooldowns"), userID, at.UnixMilli()).Err()
}

func (s *redisStore) LoadCooldowns(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key("cooldowns")).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for id, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.log.Warn("skipping malformed cooldown", logx.UserID(id), logx.String("value", v))
			continue
		}
		out[id] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *redisStore) PutContact(ctx context.Context, c Contact) error {
	if strings.TrimSpace(c.UserID) == "" {
		return nil
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, s.key("contacts"), c.UserID, b).Err()
}

func (s *redisStore) LoadContacts(ctx context.Context) ([]Contact, error) {
	raw, err := s.rdb.HGetAll(ctx, s.key("contacts")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(raw))
	for id, v := range raw {
		var c Contact
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			s.log.Warn("skipping malformed contact", logx.UserID(id), logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.ZAdd(ctx, s.key("audit"), goredis.Z{Score: float64(e.At.UnixMilli()), Member: string(b)}).Err()
}

func (s *redisStore) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(before.UnixMilli(), 10)
	return s.rdb.ZRemRangeByScore(ctx, s.key("audit"), "-inf", max).Result()
}
