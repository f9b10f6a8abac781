// Package syncutil holds locking helpers shared by the decision pipeline.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when shards <= 0.
const DefaultShards = 256

// KeyedMutex is a fixed-size pool of channel-based mutexes keyed by string.
// Memory stays bounded no matter how many keys are seen; keys that hash to
// the same shard contend with each other. Waiting can be abandoned through a
// context.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with the given number of shards.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{} // Start unlocked.
	}
	return m
}

// LockContext acquires the mutex for key. On success it returns an unlock
// function that the caller MUST call. If ctx ends first it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex for key only if it is free right now.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	shard := m.shards[m.shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
