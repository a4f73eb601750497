// Package redisstore is the Redis-backed MetadataStore. It shares session
// records across replicas so a session created on one process can be
// reconstructed on another without sticky routing.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/n8n-mcp-gateway/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// URL like "redis://localhost:6379/0". ENV: REDIS_URL
	URL string `env:"REDIS_URL,default=redis://localhost:6379/0"`
	// KeyPrefix for all record keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=n8nmcp:sess:"`
}

// Store persists session records as JSON values with a Redis-side TTL. The
// TTL is written once at creation; Redis expiry is the source of truth for
// record lifetime.
type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New builds a Store and verifies connectivity with a ping. A failed ping is
// returned to the caller, which typically falls back to local-only mode.
func New(cfg Config) (*Store, error) {
	rawURL := cfg.URL
	if rawURL == "" {
		rawURL = "redis://localhost:6379/0"
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(opts)
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "n8nmcp:sess:"
	}
	return &Store{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) key(id string) string { return s.keyPrefix + id }

func (s *Store) Put(ctx context.Context, rec sessions.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = sessions.DefaultTTL
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(rec.SessionID), b, ttl).Err(); err != nil {
		return fmt.Errorf("write session record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (sessions.Record, bool, error) {
	b, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sessions.Record{}, false, nil
		}
		return sessions.Record{}, false, fmt.Errorf("read session record: %w", err)
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return sessions.Record{}, false, fmt.Errorf("decode session record: %w", err)
	}
	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Del(context.WithoutCancel(ctx), s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("delete session record: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Mode() string { return "redis" }

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

// Interface compliance
var _ sessions.MetadataStore = (*Store)(nil)
