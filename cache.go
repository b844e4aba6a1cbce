package securecache

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/internal/mem"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

// cacheEntry is the plaintext sealed inside each token.
type cacheEntry struct {
	CreatedAt string          `json:"created_at"`
	Payload   json.RawMessage `json:"payload"`
}

// SecureCache is a PIN-protected encrypted cache. Payloads are encrypted
// with a key derived from the caller's PIN, and every save or load is gated
// by a lockout and rate-limit check for the calling principal.
//
// PIN correctness is never checked against a stored hash: a load proves the
// PIN by decrypting, a save by the fact that only the same PIN can read the
// entry back. All public operations are safe for concurrent use.
type SecureCache struct {
	opts    Options
	store   persist.Store
	auditor audit.Logger
	salts   *saltStore
	cipher  *cipherCache
	tracker *AttemptTracker
	now     func() time.Time

	closeOnce sync.Once
	memLocked bool
}

// New creates a SecureCache from opts, building the persistence backend
// from opts.Store. Call Close when done to stop the background maintenance
// task and release resources.
func New(opts Options) (*SecureCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	store, err := persist.NewStore(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	cache, err := NewWithStore(store, opts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return cache, nil
}

// NewWithStore is New with a caller-provided store. The cache takes
// ownership of the store and closes it on Close.
func NewWithStore(store persist.Store, opts Options) (*SecureCache, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}

	auditor, err := audit.NewLogger(opts.Audit)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}

	kdf, err := NewKDF(opts.KDF)
	if err != nil {
		return nil, err
	}

	now := time.Now
	salts := newSaltStore(store, auditor, opts.SaltRotationAge, now)

	cache := &SecureCache{
		opts:    opts,
		store:   store,
		auditor: auditor,
		salts:   salts,
		cipher:  newCipherCache(kdf, salts, now),
		tracker: NewAttemptTracker(store, auditor, opts),
		now:     now,
	}

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Printf("securecache: memory locking unavailable: %v", err)
		} else {
			cache.memLocked = level != mem.ProtectionNone
			if level != mem.ProtectionFull {
				log.Printf("securecache: partial memory protection only")
			}
		}
	}

	cache.tracker.StartMaintenance(opts.MaintenanceInterval)
	return cache, nil
}

// Save encrypts payload under pin and writes it to the cache slot named by
// key. The payload must be JSON-serializable. The attempt is gated by the
// principal's lockout and rate-limit state and, on success, counts toward
// the rate-limit window.
func (c *SecureCache) Save(pin, key string, payload interface{}, principal, source string) error {
	if err := c.gate(pin, principal); err != nil {
		return err
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return &InputValidationError{Reason: fmt.Sprintf("payload is not serializable: %v", err)}
	}
	defer memguard.WipeBytes(payloadJSON)

	entry := cacheEntry{
		CreatedAt: c.now().UTC().Format(time.RFC3339Nano),
		Payload:   payloadJSON,
	}
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return &EncryptionError{Err: err}
	}
	defer memguard.WipeBytes(plaintext)

	token, err := c.cipher.Encrypt(pin, plaintext)
	if err != nil {
		c.logAccess("cache_save", principal, source, false, key, err)
		return err
	}

	if err = c.store.SaveCacheEntry(key, []byte(token)); err != nil {
		c.logAccess("cache_save", principal, source, false, key, err)
		return &EncryptionError{Err: fmt.Errorf("failed to write cache entry: %w", err)}
	}

	c.tracker.RecordAttempt(principal, true, source)
	c.logAccess("cache_save", principal, source, true, key, nil)
	return nil
}

// Load reads the cache slot named by key and decrypts it with pin. A failed
// decrypt is recorded as a failed attempt for principal; if that failure
// triggers a lockout, the returned error is the LockedError. A missing
// entry and an expired entry are not failed attempts.
func (c *SecureCache) Load(pin, key, principal, source string) (json.RawMessage, error) {
	if err := c.gate(pin, principal); err != nil {
		return nil, err
	}

	token, err := c.store.LoadCacheEntry(key)
	if err != nil {
		if misc.IsNotFoundError(err) {
			return nil, &NotFoundError{Key: key}
		}
		c.logAccess("cache_load", principal, source, false, key, err)
		return nil, &StorageError{Key: key, Err: err}
	}

	plaintext, _, err := c.cipher.Decrypt(pin, string(token))
	if err != nil {
		if IsInvalidTokenError(err) {
			locked, remaining := c.tracker.RecordAttempt(principal, false, source)
			c.logAccess("cache_load", principal, source, false, key, err)
			if locked {
				return nil, &LockedError{SecondsRemaining: remaining}
			}
		}
		return nil, err
	}
	defer memguard.WipeBytes(plaintext)

	var entry cacheEntry
	if err = json.Unmarshal(plaintext, &entry); err != nil {
		locked, remaining := c.tracker.RecordAttempt(principal, false, source)
		c.logAccess("cache_load", principal, source, false, key, err)
		if locked {
			return nil, &LockedError{SecondsRemaining: remaining}
		}
		return nil, &InvalidTokenError{}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, entry.CreatedAt)
	if err != nil {
		locked, remaining := c.tracker.RecordAttempt(principal, false, source)
		c.logAccess("cache_load", principal, source, false, key, err)
		if locked {
			return nil, &LockedError{SecondsRemaining: remaining}
		}
		return nil, &InvalidTokenError{}
	}

	// The PIN was correct from here on
	c.tracker.RecordAttempt(principal, true, source)

	if age := c.now().Sub(createdAt); age > c.opts.CacheTTL {
		c.logAccess("cache_load", principal, source, false, key, &ExpiredError{Key: key, Age: age})
		return nil, &ExpiredError{Key: key, Age: age}
	}

	c.logAccess("cache_load", principal, source, true, key, nil)
	return entry.Payload, nil
}

// Clear deletes the cache entry under key. Missing entries are not an
// error. The salt and tracker state are never touched.
func (c *SecureCache) Clear(key string) error {
	exists, err := c.store.CacheEntryExists(key)
	if err != nil {
		return fmt.Errorf("failed to check cache entry: %w", err)
	}
	if !exists {
		return nil
	}
	if err = c.store.DeleteCacheEntry(key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	c.logAccess("cache_clear", "", "", true, key, nil)
	return nil
}

// ClearAll deletes every cache entry.
func (c *SecureCache) ClearAll() error {
	keys, err := c.store.ListCacheEntries()
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}
	for _, key := range keys {
		if err = c.store.DeleteCacheEntry(key); err != nil {
			return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
		}
	}
	c.logAccess("cache_clear_all", "", "", true, "", nil)
	return nil
}

// Encrypt seals plaintext under pin and returns the opaque token without
// touching any cache slot. The call is gated by the principal's lockout and
// rate-limit state and a success counts toward the rate-limit window.
func (c *SecureCache) Encrypt(pin string, plaintext []byte, principal, source string) (string, error) {
	if err := c.gate(pin, principal); err != nil {
		return "", err
	}

	token, err := c.cipher.Encrypt(pin, plaintext)
	if err != nil {
		c.logAccess("encrypt", principal, source, false, "", err)
		return "", err
	}

	c.tracker.RecordAttempt(principal, true, source)
	c.logAccess("encrypt", principal, source, true, "", nil)
	return token, nil
}

// Decrypt opens a token produced by Encrypt or Save. A failed decrypt is
// recorded as a failed attempt for principal exactly like a failed Load,
// returning the LockedError when that failure triggers a lockout. The caller
// owns the returned plaintext and should wipe it when done.
func (c *SecureCache) Decrypt(pin, token, principal, source string) ([]byte, error) {
	if err := c.gate(pin, principal); err != nil {
		return nil, err
	}

	plaintext, _, err := c.cipher.Decrypt(pin, token)
	if err != nil {
		if IsInvalidTokenError(err) {
			locked, remaining := c.tracker.RecordAttempt(principal, false, source)
			c.logAccess("decrypt", principal, source, false, "", err)
			if locked {
				return nil, &LockedError{SecondsRemaining: remaining}
			}
		}
		return nil, err
	}

	c.tracker.RecordAttempt(principal, true, source)
	c.logAccess("decrypt", principal, source, true, "", nil)
	return plaintext, nil
}

// VerifyPIN checks pin against the accepted format and the principal's
// lockout and rate-limit state, then proves the derivation path works by
// deriving a key. It records a successful attempt, so it counts toward the
// rate-limit window like any other use of the PIN.
func (c *SecureCache) VerifyPIN(pin, principal, source string) error {
	if err := ValidatePINFormat(pin); err != nil {
		return err
	}
	if err := c.gate(pin, principal); err != nil {
		return err
	}

	if _, err := c.cipher.deriveKey(pin); err != nil {
		return err
	}

	c.tracker.RecordAttempt(principal, true, source)
	return nil
}

// SelfTest runs a synthetic encrypt/decrypt round trip under the reserved
// self-test principal, which is exempt from lockout accounting. It reports
// whether the derivation, salt, and cipher paths are healthy.
func (c *SecureCache) SelfTest() error {
	c.tracker.Unlock(misc.SelfTestPrincipal)

	const testPIN = "1234"
	testData := []byte(`{"self_test":true}`)

	token, err := c.cipher.Encrypt(testPIN, testData)
	if err != nil {
		c.logAccess("self_test", misc.SelfTestPrincipal, "", false, "", err)
		return err
	}

	decrypted, _, err := c.cipher.Decrypt(testPIN, token)
	if err != nil {
		c.logAccess("self_test", misc.SelfTestPrincipal, "", false, "", err)
		return err
	}
	defer memguard.WipeBytes(decrypted)

	if string(decrypted) != string(testData) {
		err = fmt.Errorf("self test round trip mismatch")
		c.logAccess("self_test", misc.SelfTestPrincipal, "", false, "", err)
		return &EncryptionError{Err: err}
	}

	c.logAccess("self_test", misc.SelfTestPrincipal, "", true, "", nil)
	return nil
}

// IsLocked reports whether principal is locked out and the seconds until
// the lockout expires.
func (c *SecureCache) IsLocked(principal string) (bool, float64) {
	return c.tracker.IsLocked(principal)
}

// IsRateLimited reports whether principal is rate limited and how many
// attempts remain in the window.
func (c *SecureCache) IsRateLimited(principal string) (bool, int) {
	return c.tracker.IsRateLimited(principal)
}

// Unlock is the administrative override for a locked principal. It returns
// whether a lockout was actually cleared.
func (c *SecureCache) Unlock(principal string) bool {
	return c.tracker.Unlock(principal)
}

// ClearKeyCache wipes the memoized derived keys. Call it when the process
// should forget all PIN-derived material without restarting.
func (c *SecureCache) ClearKeyCache() {
	c.cipher.ClearKeyCache()
}

// Keys lists the cache keys currently stored. It reveals nothing about the
// encrypted contents and is not gated.
func (c *SecureCache) Keys() ([]string, error) {
	return c.store.ListCacheEntries()
}

// Ping checks connectivity to the persistence backend.
func (c *SecureCache) Ping() error {
	return c.store.Ping()
}

// Close stops the maintenance task, wipes key material, and closes the
// audit logger and store. Safe to call more than once.
func (c *SecureCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.tracker.StopMaintenance()
		c.cipher.ClearKeyCache()

		if c.memLocked {
			if unlockErr := mem.Unlock(); unlockErr != nil {
				log.Printf("securecache: failed to unlock memory: %v", unlockErr)
			}
		}

		if auditErr := c.auditor.Close(); auditErr != nil {
			err = fmt.Errorf("failed to close audit logger: %w", auditErr)
		}
		if storeErr := c.store.Close(); storeErr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", storeErr)
		}
	})
	return err
}

// gate enforces the pre-crypto checks shared by all PIN operations: a PIN
// must be present, the principal must not be locked out, and the principal
// must not be rate limited. Rejections are not recorded attempts.
func (c *SecureCache) gate(pin, principal string) error {
	if pin == "" {
		return &InputValidationError{Reason: "no PIN provided"}
	}

	if locked, remaining := c.tracker.IsLocked(principal); locked {
		return &LockedError{SecondsRemaining: remaining}
	}

	if limited, remaining := c.tracker.IsRateLimited(principal); limited {
		_ = c.auditor.LogAccess("rate_limited", principal, "", false, nil)
		return &RateLimitedError{AttemptsRemaining: remaining}
	}

	return nil
}

func (c *SecureCache) logAccess(action, principal, source string, success bool, key string, opErr error) {
	metadata := map[string]interface{}{}
	if key != "" {
		metadata["cache_key"] = key
	}
	if opErr != nil {
		metadata["error"] = opErr.Error()
	}
	_ = c.auditor.LogAccess(action, principal, source, success, metadata)
}
