package securecache

import (
	"sync"
	"testing"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/persist"
)

func newTestStore(t *testing.T) persist.Store {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeClock is a settable clock for expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// setClock points every time source inside cache at clock.
func setClock(cache *SecureCache, clock *fakeClock) {
	cache.now = clock.Now
	cache.tracker.now = clock.Now
	cache.cipher.now = clock.Now
	cache.salts.now = clock.Now
}
