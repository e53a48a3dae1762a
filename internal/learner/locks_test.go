package learner

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	locks := newKeyedMutex(8)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("starbucks")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
}

func TestKeyedMutex_LockAllWithOverlappingKeys(t *testing.T) {
	locks := newKeyedMutex(4)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := locks.LockAll([]string{"a", "b", "c", "a"})
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := locks.LockAll([]string{"c", "b"})
			unlock()
		}()
	}
	wg.Wait()

	unlock := locks.Lock("a")
	unlock()
}

func TestKeyedMutex_StripeIsStable(t *testing.T) {
	locks := newKeyedMutex(16)
	assert.Equal(t, locks.stripe("uber"), locks.stripe("uber"))
	assert.Less(t, locks.stripe("uber"), 16)
}
