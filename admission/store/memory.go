// Package store provides the shared backing stores the admission
// engines depend on: atomic per-key counters and per-IP scores with
// TTL-governed lifetimes. Three implementations exist (in-process
// memory, Redis, and an embedded bbolt database), all satisfying the
// interfaces the engines define for themselves.
package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"gatehouse/admission/ddos"
	"gatehouse/admission/ratelimit"
)

const memoryShards = 64

// MemoryConfig bounds the in-process store. Idle entries fall out after
// IdleTTL; the per-shard capacity caps worst-case memory under a spray
// of unique keys.
type MemoryConfig struct {
	IdleTTL       time.Duration
	ShardCapacity int
}

// Memory is the in-process store. Keys are sharded so locking stays
// per-shard rather than global; entry lifetime is handled by the
// expirable LRU backing each shard.
type Memory struct {
	counters [memoryShards]*counterShard
	scores   [memoryShards]*scoreShard

	now func() time.Time
}

type counterShard struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *counterEntry]
}

type counterEntry struct {
	start time.Time
	count int64
}

type scoreShard struct {
	mu      sync.Mutex
	entries *lru.LRU[string, *ddos.Score]
}

func NewMemory(config MemoryConfig) *Memory {
	if config.IdleTTL <= 0 {
		config.IdleTTL = 15 * time.Minute
	}
	if config.ShardCapacity <= 0 {
		config.ShardCapacity = 4096
	}

	m := &Memory{now: time.Now}
	for i := range m.counters {
		m.counters[i] = &counterShard{
			entries: lru.NewLRU[string, *counterEntry](config.ShardCapacity, nil, config.IdleTTL),
		}
	}
	for i := range m.scores {
		m.scores[i] = &scoreShard{
			entries: lru.NewLRU[string, *ddos.Score](config.ShardCapacity, nil, config.IdleTTL),
		}
	}
	return m
}

var _ ratelimit.Store = (*Memory)(nil)
var _ ddos.Store = (*Memory)(nil)

// Incr implements ratelimit.Store. The whole roll-and-increment runs
// under the shard lock, so concurrent callers for one key serialize.
func (m *Memory) Incr(_ context.Context, key string, cost, limit int64, window time.Duration) (ratelimit.Window, error) {
	shard := m.counters[shardFor(key)]
	now := m.now()

	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries.Get(key)
	if !ok || now.Sub(entry.start) >= window {
		entry = &counterEntry{start: now}
	}

	logical := entry.count + cost
	entry.count = logical
	if entry.count > limit {
		entry.count = limit // clamp so rejected retries never grow it
	}
	shard.entries.Add(key, entry)

	return ratelimit.Window{
		Count: logical,
		Start: entry.start,
		Reset: entry.start.Add(window),
	}, nil
}

// Update implements ddos.Store. The TTL argument is satisfied by the
// shard LRU's idle TTL; Add refreshes the entry's expiry.
func (m *Memory) Update(_ context.Context, ip string, _ time.Duration, fn func(*ddos.Score)) (ddos.Score, error) {
	shard := m.scores[shardFor(ip)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	score, ok := shard.entries.Get(ip)
	if !ok {
		score = &ddos.Score{}
	}
	fn(score)
	shard.entries.Add(ip, score)

	return *score, nil
}

// GetScore implements ddos.Inspector. Peek leaves the entry's recency
// and TTL alone.
func (m *Memory) GetScore(_ context.Context, ip string) (ddos.Score, bool, error) {
	shard := m.scores[shardFor(ip)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	score, ok := shard.entries.Peek(ip)
	if !ok {
		return ddos.Score{}, false, nil
	}
	return *score, true, nil
}

// ScoreStats implements ddos.StatsProvider.
func (m *Memory) ScoreStats(_ context.Context, now time.Time) (tracked, blocked int, err error) {
	for _, shard := range m.scores {
		shard.mu.Lock()
		for _, ip := range shard.entries.Keys() {
			score, ok := shard.entries.Peek(ip)
			if !ok {
				continue
			}
			tracked++
			if score.Blocked(now) {
				blocked++
			}
		}
		shard.mu.Unlock()
	}
	return tracked, blocked, nil
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % memoryShards
}
