// Package idempotency deduplicates flow saves. A save that carries an
// idempotency key is recorded with a hash of the flow it saved; replaying
// the key with the same flow returns the recorded result without calling
// the flow APIs again.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/flowdesk/model"
)

// Record is the stored outcome of a successful save.
type Record struct {
	Flow    model.Flow `json:"flow"`
	Calls   int        `json:"calls"`
	SavedAt time.Time  `json:"savedAt"`
	SavedBy string     `json:"savedBy,omitempty"`
}

// Store provides deduplication for flow saves.
type Store interface {
	// Check looks up a previous record by key. If the key exists and the
	// input hash matches either the flow that was saved or the flow the save
	// produced, it returns the record. If the key exists but neither hash
	// matches, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (rec *Record, found bool, err error)

	// Put saves rec under key with a TTL.
	Put(ctx context.Context, key, inputHash string, rec Record, ttl time.Duration) error
}

type entry struct {
	InputHash  string `json:"input_hash"`
	ResultHash string `json:"result_hash,omitempty"`
	Record     Record `json:"record"`
}

func newEntry(inputHash string, rec Record) (entry, error) {
	resultHash, err := HashFlow(rec.Flow)
	if err != nil {
		return entry{}, err
	}
	return entry{InputHash: inputHash, ResultHash: resultHash, Record: rec}, nil
}

// matches reports whether a save of a flow hashing to h repeats e. A retry
// that lost the first response sees the saved flow, not the original one.
func (e entry) matches(h string) bool {
	return h == e.InputHash || (e.ResultHash != "" && h == e.ResultHash)
}

// FormatKey builds the key of a save of ref from one draft of an
// organization. Drafts of the same flow never share a key.
func FormatKey(orgID, draftID string, ref model.FlowRef, key string) string {
	return fmt.Sprintf("idem:save:%s:%s:%s:%s", orgID, ref, draftID, key)
}

// HashFlow returns a stable hash of the parts of f a save sends.
func HashFlow(f model.Flow) (string, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("hash flow: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with a different flow", key))
}

// --- Memory ---

// Memory is an in-memory Store with TTL support.
type Memory struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemory creates an in-memory store.
func NewMemory() *Memory {
	return &Memory{now: time.Now, entries: make(map[string]memEntry)}
}

// Check looks up a record. Expired entries are dropped on read.
func (s *Memory) Check(_ context.Context, key, inputHash string) (*Record, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if !e.data.matches(inputHash) {
		return nil, true, conflict(key)
	}
	rec := e.data.Record
	rec.Flow = rec.Flow.Clone()
	return &rec, true, nil
}

// Put saves a record with TTL.
func (s *Memory) Put(_ context.Context, key, inputHash string, rec Record, ttl time.Duration) error {
	rec.Flow = rec.Flow.Clone()
	e, err := newEntry(inputHash, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{data: e, expiresAt: s.now().Add(ttl)}
	return nil
}

// HealthCheck always succeeds.
func (s *Memory) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones. For testing.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- Redis ---

// Redis is a Redis-backed Store.
type Redis struct {
	client redis.Cmdable
}

// NewRedis creates a Redis-backed store.
func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

// Check looks up a record in Redis.
func (s *Redis) Check(ctx context.Context, key, inputHash string) (*Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if !e.matches(inputHash) {
		return nil, true, conflict(key)
	}
	return &e.Record, true, nil
}

// Put saves a record in Redis with TTL.
func (s *Redis) Put(ctx context.Context, key, inputHash string, rec Record, ttl time.Duration) error {
	e, err := newEntry(inputHash, rec)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings the server.
func (s *Redis) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
