// Package syncutil holds small concurrency helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

const shardCount = 256

// KeyLock serializes work per string key over a fixed pool of shards.
// Distinct keys may share a shard; that only costs throughput.
// The zero value is not usable; call NewKeyLock.
type KeyLock struct {
	shards [shardCount]chan struct{}
}

// NewKeyLock creates an unlocked KeyLock.
func NewKeyLock() *KeyLock {
	l := &KeyLock{}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock waits for key's shard or for ctx to end. On success the returned
// func releases the shard and must be called exactly once.
func (l *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	ch := l.shards[shardOf(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
