package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting the secure-cache state. Three
// data families live behind it: the key-derivation salt record, the attempt
// tracker state, and the encrypted cache blobs. All payloads handed to the
// store are already encrypted or non-secret; the store never sees key
// material or plaintext.
type Store interface {

	// Salt record

	// SaveSalt persists the serialized salt record. A non-empty
	// expectedVersion enables an optimistic concurrency check against the
	// currently stored version.
	SaveSalt(saltData []byte, expectedVersion string) (newVersion string, err error)

	// LoadSalt retrieves the salt record, its version, and its creation
	// timestamp. Returns an error containing "not found" if absent.
	LoadSalt() (*VersionedData, error)

	SaltExists() (bool, error)

	// Attempt tracker state

	SaveTrackerState(data []byte, expectedVersion string) (newVersion string, err error)

	LoadTrackerState() (*VersionedData, error)

	TrackerStateExists() (bool, error)

	// Cache entries

	// SaveCacheEntry writes one opaque token blob under the given cache key,
	// overwriting any previous entry.
	SaveCacheEntry(key string, token []byte) error

	// LoadCacheEntry reads the token blob for the given cache key.
	// Returns an error containing "not found" if absent.
	LoadCacheEntry(key string) ([]byte, error)

	CacheEntryExists(key string) (bool, error)

	DeleteCacheEntry(key string) error

	// ListCacheEntries returns the cache keys currently stored.
	ListCacheEntries() ([]string, error)

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/securecache"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	// Example values: "filesystem", "s3".
	Type StoreType `json:"type"`

	// Config contains configuration settings specific to the chosen storage
	// backend. For StoreTypeFileSystem this is "base_path"; for StoreTypeS3
	// the S3Config fields (endpoint, bucket, credentials, ...).
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem indicates that the local file system should be
	// used for storage.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 indicates that S3-compatible object storage should be
	// used as the storage backend.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
