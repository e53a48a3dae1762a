package learner

import (
	"hash/fnv"
	"sort"
	"sync"
)

// keyedMutex serializes work per key over a fixed set of stripes.
// Distinct keys usually proceed in parallel; there is no global lock.
type keyedMutex struct {
	stripes []sync.Mutex
}

func newKeyedMutex(n int) *keyedMutex {
	return &keyedMutex{stripes: make([]sync.Mutex, n)}
}

func (k *keyedMutex) stripe(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(k.stripes)))
}

// Lock locks key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	m := &k.stripes[k.stripe(key)]
	m.Lock()
	return m.Unlock
}

// LockAll locks every key's stripe in ascending stripe order so that overlapping
// callers cannot deadlock.
func (k *keyedMutex) LockAll(keys []string) func() {
	seen := make(map[int]bool, len(keys))
	var idx []int
	for _, key := range keys {
		s := k.stripe(key)
		if !seen[s] {
			seen[s] = true
			idx = append(idx, s)
		}
	}
	sort.Ints(idx)

	for _, s := range idx {
		k.stripes[s].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			k.stripes[idx[i]].Unlock()
		}
	}
}
