package core

import (
	"hash/fnv"
	"sync"
)

const keyedShards = 64

// KeyedMutex serializes operations per string key. Keys are spread over a
// fixed set of shards, so unrelated keys rarely contend while all callers
// for one key are strictly ordered.
type KeyedMutex struct {
	shards [keyedShards]sync.Mutex
}

// NewKeyedMutex creates a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{}
}

func (k *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%keyedShards]
}

// Lock acquires the lock for key and returns the matching unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	m := k.shard(key)
	m.Lock()
	return m.Unlock
}
