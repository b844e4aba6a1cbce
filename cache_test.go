package securecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/persist"
)

func newTestCache(t *testing.T, mutate func(*Options)) *SecureCache {
	t.Helper()

	opts := DefaultOptions(t.TempDir())
	if mutate != nil {
		mutate(&opts)
	}

	cache, err := New(opts)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	return cache
}

func TestCacheSaveLoadRoundTrip(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	payload := map[string]interface{}{"customer": "Jane Doe", "devices": []string{"NST-0042"}}

	if err := cache.Save("2468", "customers.cache", payload, "tech1", "10.0.0.5"); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	raw, err := cache.Load("2468", "customers.cache", "tech1", "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	var got map[string]interface{}
	if err = json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Payload is not valid JSON: %v", err)
	}
	if got["customer"] != "Jane Doe" {
		t.Errorf("Unexpected payload: %v", got)
	}
}

// Five wrong-PIN loads trigger a lockout on the fifth call; a sixth call
// with the correct PIN is rejected at the gate without touching crypto.
func TestCacheLockoutScenario(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	if err := cache.Save("2468", "inventory.cache", map[string]int{"a": 1}, "setup", ""); err != nil {
		t.Fatalf("Failed to seed cache: %v", err)
	}

	for i := 0; i < 4; i++ {
		_, err := cache.Load("9753", "inventory.cache", "tech1", "")
		if !IsInvalidTokenError(err) {
			t.Fatalf("Attempt %d: expected InvalidTokenError, got %v", i+1, err)
		}
	}

	_, err := cache.Load("9753", "inventory.cache", "tech1", "")
	if !IsLockedError(err) {
		t.Fatalf("Expected the 5th failure to report the lockout, got %v", err)
	}
	var lockedErr *LockedError
	if !errors.As(err, &lockedErr) || lockedErr.SecondsRemaining < 890 || lockedErr.SecondsRemaining > 900 {
		t.Errorf("Expected about 900 seconds remaining, got %+v", lockedErr)
	}

	// Correct PIN, still locked
	_, err = cache.Load("2468", "inventory.cache", "tech1", "")
	if !IsLockedError(err) {
		t.Errorf("Expected LockedError with the correct PIN while locked, got %v", err)
	}

	// Administrative unlock restores access
	if !cache.Unlock("tech1") {
		t.Fatal("Expected Unlock to clear the lockout")
	}
	if _, err = cache.Load("2468", "inventory.cache", "tech1", ""); err != nil {
		t.Errorf("Expected load to succeed after unlock, got %v", err)
	}
}

func TestCacheWrongPINCountsOneFailure(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	if err := cache.Save("8642", "inventory.cache", map[string]int{"a": 1}, "tech1", ""); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	raw, err := cache.Load("8642", "inventory.cache", "tech1", "")
	if err != nil {
		t.Fatalf("Failed to load with correct PIN: %v", err)
	}
	var got map[string]int
	if err = json.Unmarshal(raw, &got); err != nil || got["a"] != 1 {
		t.Fatalf("Unexpected payload %s (err %v)", raw, err)
	}

	if _, err = cache.Load("9999", "inventory.cache", "tech1", ""); !IsInvalidTokenError(err) {
		t.Fatalf("Expected InvalidTokenError, got %v", err)
	}
	if got := len(cache.tracker.failedAttempts["tech1"]); got != 1 {
		t.Errorf("Expected exactly 1 recorded failure, got %d", got)
	}
}

func TestCacheExpiryVersusTamper(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	clock := newFakeClock(time.Now())
	setClock(cache, clock)

	if err := cache.Save("2468", "stale.cache", "payload", "tech1", ""); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	clock.Advance(25 * time.Hour)

	// Correct PIN on stale data: expiry, not tamper
	_, err := cache.Load("2468", "stale.cache", "tech1", "")
	if !IsExpiredError(err) {
		t.Fatalf("Expected ExpiredError, got %v", err)
	}
	if IsInvalidTokenError(err) {
		t.Error("Expiry must not be reported as an invalid token")
	}

	// Expiry is not a failed attempt
	if got := len(cache.tracker.failedAttempts["tech1"]); got != 0 {
		t.Errorf("Expected no recorded failures for expiry, got %d", got)
	}

	// Wrong PIN on the same entry is tamper-equivalent
	if _, err = cache.Load("8642", "stale.cache", "tech1", ""); !IsInvalidTokenError(err) {
		t.Errorf("Expected InvalidTokenError for wrong PIN, got %v", err)
	}
}

func TestCacheMissingEntry(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	_, err := cache.Load("2468", "nope.cache", "tech1", "")
	if !IsNotFoundError(err) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}

	if got := len(cache.tracker.failedAttempts["tech1"]); got != 0 {
		t.Errorf("A missing entry must not count as a failed attempt, got %d", got)
	}
}

func TestCacheEmptyPIN(t *testing.T) {
	cache := newTestCache(t, nil)
	defer cache.Close()

	if err := cache.Save("", "x.cache", "data", "tech1", ""); !IsInputValidationError(err) {
		t.Errorf("Expected InputValidationError for empty PIN on save, got %v", err)
	}
	if _, err := cache.Load("", "x.cache", "tech1", ""); !IsInputValidationError(err) {
		t.Errorf("Expected InputValidationError for empty PIN on load, got %v", err)
	}
}

func TestCacheRateLimit(t *testing.T) {
	cache := newTestCache(t, nil)
	defer cache.Close()

	if err := cache.Save("2468", "rl.cache", "data", "tech1", ""); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	// Successful loads count toward the window too
	if _, err := cache.Load("2468", "rl.cache", "tech1", ""); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if _, err := cache.Load("2468", "rl.cache", "tech1", ""); err != nil {
		t.Fatalf("Failed to load: %v", err)
	}

	_, err := cache.Load("2468", "rl.cache", "tech1", "")
	if !IsRateLimitedError(err) {
		t.Fatalf("Expected RateLimitedError on the 4th attempt in the window, got %v", err)
	}
}

func TestCacheClear(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	for _, key := range []string{"one.cache", "two.cache"} {
		if err := cache.Save("2468", key, "data", "tech1", ""); err != nil {
			t.Fatalf("Failed to save %s: %v", key, err)
		}
	}

	if err := cache.Clear("one.cache"); err != nil {
		t.Fatalf("Failed to clear: %v", err)
	}
	if _, err := cache.Load("2468", "one.cache", "tech1", ""); !IsNotFoundError(err) {
		t.Errorf("Expected cleared entry to be gone, got %v", err)
	}
	if _, err := cache.Load("2468", "two.cache", "tech1", ""); err != nil {
		t.Errorf("Clear removed an unrelated entry: %v", err)
	}

	// Clearing a missing entry is not an error
	if err := cache.Clear("one.cache"); err != nil {
		t.Errorf("Clear of a missing entry should be a no-op, got %v", err)
	}

	if err := cache.ClearAll(); err != nil {
		t.Fatalf("Failed to clear all: %v", err)
	}
	if _, err := cache.Load("2468", "two.cache", "tech1", ""); !IsNotFoundError(err) {
		t.Errorf("Expected all entries to be gone, got %v", err)
	}

	// Tracker state survives ClearAll: the salt and security files are untouched
	if _, err := cache.store.LoadTrackerState(); err != nil {
		t.Errorf("ClearAll must not remove the tracker state: %v", err)
	}
}

func TestCacheSelfTest(t *testing.T) {
	cache := newTestCache(t, nil)
	defer cache.Close()

	if err := cache.SelfTest(); err != nil {
		t.Fatalf("Self test failed: %v", err)
	}

	// Repeated self tests never trip lockout or rate limiting
	for i := 0; i < 10; i++ {
		if err := cache.SelfTest(); err != nil {
			t.Fatalf("Self test %d failed: %v", i, err)
		}
	}
}

func TestCacheVerifyPIN(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	if err := cache.VerifyPIN("2468", "tech1", "10.0.0.5"); err != nil {
		t.Fatalf("Expected valid PIN to verify, got %v", err)
	}
	if err := cache.VerifyPIN("12ab", "tech1", ""); !IsInputValidationError(err) {
		t.Errorf("Expected InputValidationError, got %v", err)
	}
}

func TestCacheCloseIdempotent(t *testing.T) {
	cache := newTestCache(t, nil)

	if err := cache.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}
}

func TestCachePing(t *testing.T) {
	cache := newTestCache(t, nil)
	defer cache.Close()

	if err := cache.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestCacheEncryptDecrypt(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	plaintext := []byte(`{"serial":"NST-0042"}`)
	token, err := cache.Encrypt("2468", plaintext, "tech1", "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	got, err := cache.Decrypt("2468", token, "tech1", "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Round trip mismatch: got %s, want %s", got, plaintext)
	}

	if _, err = cache.Encrypt("", plaintext, "tech1", ""); !IsInputValidationError(err) {
		t.Errorf("Expected InputValidationError for empty PIN, got %v", err)
	}
}

func TestCacheDecryptWrongPINLocksOut(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	token, err := cache.Encrypt("2468", []byte(`{"a":1}`), "tech1", "10.0.0.5")
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err = cache.Decrypt("9999", token, "tech1", "10.0.0.5"); !IsInvalidTokenError(err) {
			t.Fatalf("Attempt %d: expected InvalidTokenError, got %v", i+1, err)
		}
	}

	_, err = cache.Decrypt("9999", token, "tech1", "10.0.0.5")
	var lockedErr *LockedError
	if !errors.As(err, &lockedErr) {
		t.Fatalf("Expected LockedError on 5th wrong-PIN decrypt, got %v", err)
	}

	if _, err = cache.Decrypt("2468", token, "tech1", "10.0.0.5"); !IsLockedError(err) {
		t.Errorf("Expected LockedError with the correct PIN while locked, got %v", err)
	}
}

// unreadableStore fails cache reads the way a permission or I/O problem
// would.
type unreadableStore struct {
	persist.Store
}

func (s *unreadableStore) LoadCacheEntry(key string) ([]byte, error) {
	return nil, fmt.Errorf("read %s: permission denied", key)
}

func TestCacheLoadStorageFailure(t *testing.T) {
	opts := DefaultOptions(t.TempDir())
	cache, err := NewWithStore(&unreadableStore{Store: newTestStore(t)}, opts)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if err = cache.Save("2468", "customers.cache", map[string]int{"a": 1}, "tech1", "10.0.0.5"); err != nil {
		t.Fatalf("Failed to save: %v", err)
	}

	_, err = cache.Load("2468", "customers.cache", "tech1", "10.0.0.5")
	if !IsStorageError(err) {
		t.Fatalf("Expected StorageError, got %v", err)
	}
	if IsInvalidTokenError(err) {
		t.Errorf("Storage failure must not read as a bad token: %v", err)
	}

	// The PIN was never tested, so nothing counts toward lockout or the
	// rate-limit window beyond the save itself.
	if locked, _ := cache.IsLocked("tech1"); locked {
		t.Error("Storage failure must not contribute to lockout")
	}
	if _, remaining := cache.IsRateLimited("tech1"); remaining != opts.RateLimitAttempts-1 {
		t.Errorf("Expected %d attempts remaining after one save, got %d", opts.RateLimitAttempts-1, remaining)
	}
}

func TestCacheCorruptTimestampCountsFailure(t *testing.T) {
	cache := newTestCache(t, func(o *Options) { o.RateLimitAttempts = 100 })
	defer cache.Close()

	token, err := cache.cipher.Encrypt("2468", []byte(`{"created_at":"not-a-timestamp","payload":{"a":1}}`))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if err = cache.store.SaveCacheEntry("inventory.cache", []byte(token)); err != nil {
		t.Fatalf("Failed to plant entry: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err = cache.Load("2468", "inventory.cache", "tech1", "10.0.0.5"); !IsInvalidTokenError(err) {
			t.Fatalf("Attempt %d: expected InvalidTokenError, got %v", i+1, err)
		}
	}

	_, err = cache.Load("2468", "inventory.cache", "tech1", "10.0.0.5")
	if !IsLockedError(err) {
		t.Fatalf("Expected the 5th corrupt-timestamp load to lock, got %v", err)
	}
}
