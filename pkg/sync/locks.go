package sync

import (
	"hash/fnv"
	"sync"
)

// KeyedMutex serializes operations per key without a global lock: keys hash
// onto a fixed pool of mutexes sized to expected concurrency. Unrelated
// users almost never contend; the same user always does.
type KeyedMutex struct {
	shards []sync.Mutex
}

// NewKeyedMutex creates a pool with the given number of shards (minimum 1).
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards < 1 {
		shards = 1
	}
	return &KeyedMutex{shards: make([]sync.Mutex, shards)}
}

func (k *KeyedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}

// Lock acquires the mutex for a key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	m := k.shard(key)
	m.Lock()
	return m.Unlock
}
