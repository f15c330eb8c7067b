// utils/locks.go
package utils

import "sync"

// KeyedMutex serializes work per string key. Used to make wallet debits
// exclusive per user and settlement exclusive per challenge.
type KeyedMutex struct {
	mus sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	v, _ := k.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
