package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stream-orchestrator/internal/orchestrator"
)

// Defaults applied when RedisSink is given an empty prefix or zero TTL.
const (
	DefaultKeyPrefix = "relay:diag"
	DefaultTTL       = 7 * 24 * time.Hour
)

// RedisConfig configures RedisSink.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// RedisSink stores diagnostics as JSON values with an expiry.
type RedisSink struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

type redisRecord struct {
	Subscriber string    `json:"subscriber"`
	JobID      string    `json:"jobId"`
	RunID      uint64    `json:"runId"`
	At         time.Time `json:"at"`
	ExitError  string    `json:"exitError,omitempty"`
	Stderr     string    `json:"stderr"`
}

// NewRedisClient returns a client for cfg and checks it with PING.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// NewRedisSink returns a sink writing through client.
func NewRedisSink(client redis.Cmdable, prefix string, ttl time.Duration) *RedisSink {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the key d is stored under: "<prefix>:<subscriber>:<unix millis>".
func (s *RedisSink) Key(d orchestrator.Diagnostic) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, sanitize(string(d.Subscriber)), d.At.UnixMilli())
}

// Save implements orchestrator.DiagnosticsSink.
func (s *RedisSink) Save(ctx context.Context, d orchestrator.Diagnostic) error {
	payload, err := json.Marshal(redisRecord{
		Subscriber: string(d.Subscriber),
		JobID:      string(d.JobID),
		RunID:      d.RunID,
		At:         d.At.UTC(),
		ExitError:  d.ExitError,
		Stderr:     string(d.Stderr),
	})
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	if err := s.client.Set(ctx, s.Key(d), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("store diagnostics: %w", err)
	}
	return nil
}
