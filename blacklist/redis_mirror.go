package blacklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/modelgw/gateway/core"
)

// RedisMirror persists blacklist entries under a namespaced key per
// target so a restarted process (or a peer process) can rebuild its
// in-memory Registry via LoadFromMirror. Connection pool sizing follows
// the same tuning the framework uses for its Redis-backed registry.
type RedisMirror struct {
	client *redis.Client
	prefix string
	logger core.Logger
}

// NewRedisMirror connects to redisURL and returns a Mirror backed by it.
// prefix defaults to core.DefaultRedisPrefix when empty.
func NewRedisMirror(redisURL, prefix string, logger core.Logger) (*RedisMirror, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if prefix == "" {
		prefix = core.DefaultRedisPrefix
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisMirror{client: client, prefix: prefix, logger: logger}, nil
}

func (m *RedisMirror) key(targetID string) string {
	return m.prefix + targetID
}

// Save writes entry with a TTL derived from its expiry, plus
// core.DefaultBlacklistMirrorTTL headroom for clock skew between
// processes. Permanent entries are written with no TTL.
func (m *RedisMirror) Save(ctx context.Context, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal blacklist entry: %w", err)
	}

	var ttl time.Duration
	if entry.ExpiresAt != nil {
		ttl = time.Until(*entry.ExpiresAt) + core.DefaultBlacklistMirrorTTL
		if ttl <= 0 {
			ttl = core.DefaultBlacklistMirrorTTL
		}
	}

	if err := m.client.Set(ctx, m.key(entry.TargetID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set blacklist entry: %w", err)
	}
	return nil
}

// Delete removes the mirrored entry for targetID, if present.
func (m *RedisMirror) Delete(ctx context.Context, targetID string) error {
	if err := m.client.Del(ctx, m.key(targetID)).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("delete blacklist entry: %w", err)
	}
	return nil
}

// LoadAll scans every mirrored entry under the configured prefix.
func (m *RedisMirror) LoadAll(ctx context.Context) ([]*Entry, error) {
	var entries []*Entry
	iter := m.client.Scan(ctx, 0, m.prefix+"*", 100).Iterator()

	for iter.Next(ctx) {
		data, err := m.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			m.logger.Warn("blacklist mirror scan read failed", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			m.logger.Warn("blacklist mirror entry unmarshal failed", map[string]interface{}{
				"key":   iter.Val(),
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, &entry)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan blacklist entries: %w", err)
	}
	return entries, nil
}

// Close releases the underlying Redis connection pool.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}
