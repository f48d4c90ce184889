package pipeline

import "sync"

// KeyedMutex serializes work per key (here: per phone). Entries live for
// the process lifetime; the set of active conversations is small. Scope is
// process-local only, no cross-process claim.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
