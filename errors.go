package securecache

import (
	"errors"
	"fmt"
	"time"
)

// InputValidationError reports a malformed or weak PIN. It is raised before
// any cryptographic or tracker call and never consumes an attempt.
type InputValidationError struct {
	Reason string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("invalid PIN: %s", e.Reason)
}

// LockedError reports that the principal is locked out. SecondsRemaining is
// the time until the lockout expires on its own.
type LockedError struct {
	SecondsRemaining float64
}

func (e *LockedError) Error() string {
	minutes := int(e.SecondsRemaining) / 60
	seconds := int(e.SecondsRemaining) % 60
	return fmt.Sprintf("account is locked due to too many failed attempts: try again in %dm %ds", minutes, seconds)
}

// RateLimitedError reports that the principal has exhausted the sliding
// rate-limit window.
type RateLimitedError struct {
	AttemptsRemaining int
}

func (e *RateLimitedError) Error() string {
	return "too many PIN attempts too quickly: try again soon"
}

// DerivationError reports a fatal key derivation failure. It is never
// retried and never recorded as an attempt.
type DerivationError struct {
	Err error
}

func (e *DerivationError) Error() string {
	return fmt.Sprintf("key derivation failed: %v", e.Err)
}

func (e *DerivationError) Unwrap() error { return e.Err }

// EncryptionError reports a failure to encrypt a payload. Fatal for the
// current save, not a recorded attempt.
type EncryptionError struct {
	Err error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("encryption failed: %v", e.Err)
}

func (e *EncryptionError) Unwrap() error { return e.Err }

// StorageError reports that the backing store failed to read or write a
// cache entry. The PIN was never tested, so this is not a failed attempt.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure for cache entry %s: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvalidTokenError reports a failed decryption. Wrong PIN and
// corrupted/tampered data produce the same error. Always recorded as a
// failed attempt when raised from Load.
type InvalidTokenError struct{}

func (e *InvalidTokenError) Error() string {
	return "invalid token: wrong PIN or corrupted data"
}

// NotFoundError reports that no cache entry exists under the given key.
// Not recorded as an attempt.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("cache entry %s does not exist", e.Key)
}

// ExpiredError reports a successfully decrypted entry whose age exceeds the
// configured TTL. The PIN was correct so this is not a failed attempt, and
// it is deliberately distinct from InvalidTokenError.
type ExpiredError struct {
	Key string
	Age time.Duration
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("cache entry %s is expired (age %s)", e.Key, e.Age.Round(time.Second))
}

// IsLockedError reports whether err is a LockedError.
func IsLockedError(err error) bool {
	var e *LockedError
	return errors.As(err, &e)
}

// IsRateLimitedError reports whether err is a RateLimitedError.
func IsRateLimitedError(err error) bool {
	var e *RateLimitedError
	return errors.As(err, &e)
}

// IsStorageError reports whether err is a StorageError.
func IsStorageError(err error) bool {
	var e *StorageError
	return errors.As(err, &e)
}

// IsInvalidTokenError reports whether err is an InvalidTokenError.
func IsInvalidTokenError(err error) bool {
	var e *InvalidTokenError
	return errors.As(err, &e)
}

// IsNotFoundError reports whether err is a NotFoundError.
func IsNotFoundError(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsExpiredError reports whether err is an ExpiredError.
func IsExpiredError(err error) bool {
	var e *ExpiredError
	return errors.As(err, &e)
}

// IsInputValidationError reports whether err is an InputValidationError.
func IsInputValidationError(err error) bool {
	var e *InputValidationError
	return errors.As(err, &e)
}
