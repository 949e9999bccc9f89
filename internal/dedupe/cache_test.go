// ABOUTME: Tests for the delivery-key cache behind webhook retry suppression.
// ABOUTME: Validates TTL expiry, size-bounded eviction, atomicity, and Close.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSeen_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("delivery-1"), "first sighting should report unseen")
	assert.True(t, cache.Seen("delivery-1"), "second sighting should report seen")
}

func TestSeen_Expiry(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.Seen("expiring"))
	assert.True(t, cache.Seen("expiring"))

	time.Sleep(20 * time.Millisecond)

	assert.False(t, cache.Seen("expiring"), "key should be forgotten after TTL")
}

func TestSeen_RefreshesWindow(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Seen("refresh")
	time.Sleep(30 * time.Millisecond)

	// Re-sighting refreshes the window
	assert.True(t, cache.Seen("refresh"))
	time.Sleep(30 * time.Millisecond)

	assert.True(t, cache.Seen("refresh"), "refreshed key should outlive original TTL")
}

func TestEviction_OldestFirst(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Seen("first")
	cache.Seen("second")
	cache.Seen("third")

	// Fourth key evicts the oldest
	cache.Seen("fourth")

	assert.False(t, cache.Seen("first"), "oldest key should have been evicted")
	assert.True(t, cache.Seen("second"))
	assert.True(t, cache.Seen("third"))
	assert.True(t, cache.Seen("fourth"))
}

func TestSeen_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100

	var winners int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			if !cache.Seen("contested") {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), winners, "exactly one goroutine should see the key as new")
}

func TestSweep_RemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	for i := 0; i < 3; i++ {
		cache.Seen(fmt.Sprintf("sweep-%d", i))
	}

	time.Sleep(20 * time.Millisecond)
	cache.sweep()

	cache.mu.Lock()
	remaining := len(cache.entries)
	cache.mu.Unlock()
	assert.Equal(t, 0, remaining, "sweep should drop expired entries")
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)

	cache.Seen("before-close")
	cache.Close()
	cache.Close()
}
