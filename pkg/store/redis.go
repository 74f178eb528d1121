// Package store persists agent status snapshots and buffered logs in Redis.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/sentinel/agent"
)

var (
	// ErrNotFound is returned when no state is stored for an agent
	ErrNotFound = errors.New("agent state not found")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("store closed")
)

const (
	defaultKeyPrefix = "agent:"
	defaultIndexKey  = "agents"
	defaultStateTTL  = time.Hour
	defaultLogTTL    = 7 * 24 * time.Hour
	defaultMaxLogs   = 10000
)

// Config holds Redis connection and retention settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int

	// KeyPrefix is prepended to agent ids. State lives at <prefix><id>,
	// logs at <prefix><id>:logs. Default: "agent:"
	KeyPrefix string

	// IndexKey names the set of known agent ids. Default: "agents"
	IndexKey string

	// StateTTL expires state snapshots of agents that stopped heartbeating
	StateTTL time.Duration

	// LogTTL expires log lists; MaxLogs trims them to the newest entries
	LogTTL  time.Duration
	MaxLogs int64
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.IndexKey == "" {
		c.IndexKey = defaultIndexKey
	}
	if c.StateTTL <= 0 {
		c.StateTTL = defaultStateTTL
	}
	if c.LogTTL <= 0 {
		c.LogTTL = defaultLogTTL
	}
	if c.MaxLogs <= 0 {
		c.MaxLogs = defaultMaxLogs
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
}

// LogEntry is one log or error record collected by the logger agent.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	MessageID string            `json:"message_id,omitempty"`
	Type      agent.MessageType `json:"message_type"`
}

// RedisStore implements agent.StateSink on Redis.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	mu     sync.RWMutex
	closed bool
}

var _ agent.StateSink = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg Config) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	cfg.applyDefaults()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisStore{client: client, cfg: cfg}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, cfg Config) *RedisStore {
	cfg.applyDefaults()
	return &RedisStore{client: client, cfg: cfg}
}

func (s *RedisStore) stateKey(agentID string) string {
	return s.cfg.KeyPrefix + agentID
}

func (s *RedisStore) logsKey(agentID string) string {
	return s.cfg.KeyPrefix + agentID + ":logs"
}

func (s *RedisStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// SaveAgentState stores status under <prefix><id> with the state TTL.
func (s *RedisStore) SaveAgentState(ctx context.Context, status agent.Status) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if status.AgentID == "" {
		return errors.New("agent id is required")
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.stateKey(status.AgentID), data, s.cfg.StateTTL)
	pipe.SAdd(ctx, s.cfg.IndexKey, status.AgentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save agent state: %w", err)
	}
	return nil
}

// LoadAgentState returns the last snapshot saved for agentID.
func (s *RedisStore) LoadAgentState(ctx context.Context, agentID string) (agent.Status, error) {
	if err := s.checkOpen(); err != nil {
		return agent.Status{}, err
	}

	data, err := s.client.Get(ctx, s.stateKey(agentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return agent.Status{}, ErrNotFound
		}
		return agent.Status{}, fmt.Errorf("get agent state: %w", err)
	}

	var status agent.Status
	if err := json.Unmarshal(data, &status); err != nil {
		return agent.Status{}, fmt.Errorf("unmarshal agent state: %w", err)
	}
	return status, nil
}

// ListAgentStates returns every live snapshot ordered by agent id. Index
// entries whose state expired are removed.
func (s *RedisStore) ListAgentStates(ctx context.Context) ([]agent.Status, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.cfg.IndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	slices.Sort(ids)

	statuses := make([]agent.Status, 0, len(ids))
	var stale []any
	for _, id := range ids {
		status, err := s.LoadAgentState(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, s.cfg.IndexKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune agent index: %w", err)
		}
	}
	return statuses, nil
}

// DeleteAgentState removes the snapshot and index entry for agentID.
func (s *RedisStore) DeleteAgentState(ctx context.Context, agentID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.stateKey(agentID))
	pipe.SRem(ctx, s.cfg.IndexKey, agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent state: %w", err)
	}
	return nil
}

// AppendLogs pushes entries onto the agent's log list, trimming it to
// MaxLogs and refreshing its TTL.
func (s *RedisStore) AppendLogs(ctx context.Context, agentID string, entries []LogEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	values := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal log entry: %w", err)
		}
		values = append(values, data)
	}

	key := s.logsKey(agentID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	pipe.LTrim(ctx, key, -s.cfg.MaxLogs, -1)
	pipe.Expire(ctx, key, s.cfg.LogTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

// RecentLogs returns up to n of the newest entries, oldest first. n <= 0
// returns all of them.
func (s *RedisStore) RecentLogs(ctx context.Context, agentID string, n int64) ([]LogEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	start := int64(0)
	if n > 0 {
		start = -n
	}
	raw, err := s.client.LRange(ctx, s.logsKey(agentID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}

	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var e LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("unmarshal log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool. It is safe to call more than once.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
