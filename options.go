package securecache

import (
	"fmt"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

// KDFName selects the key derivation function used to turn a PIN and salt
// into key material. The choice is made once at construction; there is no
// per-call feature detection.
type KDFName string

const (
	// KDFArgon2id is the default: memory-hard Argon2id with time=3,
	// memory=64 MiB, lanes=4.
	KDFArgon2id KDFName = "argon2id"

	// KDFPBKDF2 is the fallback for constrained environments:
	// PBKDF2-HMAC-SHA256 with 480,000 iterations.
	KDFPBKDF2 KDFName = "pbkdf2"
)

// Options represents configuration parameters for the secure cache.
//
// All durations and thresholds have working defaults (see DefaultOptions);
// zero values are rejected by Validate rather than silently defaulted so a
// misconfigured caller fails at construction, not at the first lockout.
//
// The PIN itself is never part of Options: it is supplied per operation and
// never stored, serialized, or logged.
type Options struct {
	// Store selects and configures the persistence backend holding the salt
	// record, the attempt tracker state, and the cache blobs. Exactly one
	// process must own the configured location; no cross-process
	// coordination is provided.
	Store persist.StoreConfig `json:"store"`

	// MaxAttempts is the number of failed attempts within the lockout
	// observation window that triggers a lockout. Default 5.
	MaxAttempts int `json:"max_attempts"`

	// LockoutDuration is both the lockout length and the observation window
	// for counting failures. Default 15 minutes.
	LockoutDuration time.Duration `json:"lockout_duration"`

	// RateLimitAttempts is the number of attempts (successful or failed)
	// allowed within RateLimitWindow. Default 3.
	RateLimitAttempts int `json:"rate_limit_attempts"`

	// RateLimitWindow is the sliding rate-limit window. Default 60 seconds.
	RateLimitWindow time.Duration `json:"rate_limit_window"`

	// CacheTTL is the maximum age of a cache entry, measured strictly
	// against its created_at timestamp. Default 24 hours.
	CacheTTL time.Duration `json:"cache_ttl"`

	// SaltRotationAge is the age past which the salt is rotated. Rotation
	// permanently invalidates entries encrypted under the prior salt, even
	// with the correct PIN. Default 30 days.
	SaltRotationAge time.Duration `json:"salt_rotation_age"`

	// MaintenanceInterval is the period of the background pruning task.
	// Default 1 hour. Reads prune defensively regardless, so correctness
	// never depends on this interval.
	MaintenanceInterval time.Duration `json:"maintenance_interval"`

	// KDF selects the key derivation function. Default KDFArgon2id.
	KDF KDFName `json:"kdf"`

	// EnableMemoryLock requests best-effort locking of process memory to
	// keep derived keys out of swap.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// Audit configures audit logging; nil disables it.
	Audit *audit.Config `json:"audit,omitempty"`
}

// DefaultOptions returns Options with the documented defaults and a
// filesystem store rooted at basePath.
func DefaultOptions(basePath string) Options {
	return Options{
		Store:               persist.FileSystemConfig(basePath),
		MaxAttempts:         5,
		LockoutDuration:     15 * time.Minute,
		RateLimitAttempts:   3,
		RateLimitWindow:     60 * time.Second,
		CacheTTL:            24 * time.Hour,
		SaltRotationAge:     30 * 24 * time.Hour,
		MaintenanceInterval: time.Hour,
		KDF:                 KDFArgon2id,
	}
}

// Validate validates the Options configuration
func (o Options) Validate() error {
	if o.Store.Type == "" {
		return fmt.Errorf("store configuration is required")
	}
	if o.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if o.LockoutDuration <= 0 {
		return fmt.Errorf("lockout duration must be positive")
	}
	if o.RateLimitAttempts <= 0 {
		return fmt.Errorf("rate limit attempts must be positive")
	}
	if o.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if o.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if o.SaltRotationAge <= 0 {
		return fmt.Errorf("salt rotation age must be positive")
	}
	if o.MaintenanceInterval <= 0 {
		return fmt.Errorf("maintenance interval must be positive")
	}
	switch o.KDF {
	case KDFArgon2id, KDFPBKDF2:
	default:
		return fmt.Errorf("unknown KDF: %q", o.KDF)
	}
	return nil
}
