// ABOUTME: In-memory Backend implementation for tests and single-process runs
// ABOUTME: Mirrors the Redis backend semantics exactly, including prefix flush

package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryBackend is a map-based Backend. It exists so the full store can be
// exercised in tests without a Redis server, with identical semantics.
type MemoryBackend struct {
	mu     sync.RWMutex
	values map[string][]byte
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		values: make(map[string][]byte),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
	}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	b.values[key] = v
	return nil
}

func (b *MemoryBackend) SetNX(_ context.Context, key string, value []byte) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.values[key]; exists {
		return false, nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.values[key] = v
	return true, nil
}

func (b *MemoryBackend) Del(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.values, key)
		delete(b.sets, key)
		delete(b.zsets, key)
	}
	return nil
}

func (b *MemoryBackend) SAdd(_ context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.sets[key]
	if !ok {
		set = make(map[string]struct{})
		b.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (b *MemoryBackend) SRem(_ context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if set, ok := b.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(b.sets, key)
		}
	}
	return nil
}

func (b *MemoryBackend) SMembers(_ context.Context, key string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (b *MemoryBackend) ZAdd(_ context.Context, key, member string, score float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	zset, ok := b.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		b.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (b *MemoryBackend) ZRem(_ context.Context, key, member string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if zset, ok := b.zsets[key]; ok {
		delete(zset, member)
		if len(zset) == 0 {
			delete(b.zsets, key)
		}
	}
	return nil
}

func (b *MemoryBackend) ZRangeByScore(_ context.Context, key string, lo, hi float64) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	zset, ok := b.zsets[key]
	if !ok {
		return nil, nil
	}

	type scored struct {
		member string
		score  float64
	}
	var matches []scored
	for m, s := range zset {
		if s >= lo && s <= hi {
			matches = append(matches, scored{m, s})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].member < matches[j].member
	})

	members := make([]string, len(matches))
	for i, m := range matches {
		members[i] = m.member
	}
	return members, nil
}

func (b *MemoryBackend) DelPrefix(_ context.Context, prefix string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range b.values {
		if strings.HasPrefix(k, prefix) {
			delete(b.values, k)
		}
	}
	for k := range b.sets {
		if strings.HasPrefix(k, prefix) {
			delete(b.sets, k)
		}
	}
	for k := range b.zsets {
		if strings.HasPrefix(k, prefix) {
			delete(b.zsets, k)
		}
	}
	return nil
}

func (b *MemoryBackend) Close() error { return nil }

// Ensure MemoryBackend implements Backend
var _ Backend = (*MemoryBackend)(nil)
