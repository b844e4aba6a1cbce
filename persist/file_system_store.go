package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/phoenixsystems-git/nest-sub000/internal/crypto"
	"github.com/phoenixsystems-git/nest-sub000/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	saltFileName    = "security.salt"
	trackerFileName = "access_security.json"
)

// cacheKeyRegex constrains cache keys to filename-safe characters so a key
// can never escape the cache directory.
var cacheKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-_.]*$`)

// FileSystemStore implements Store on the local filesystem. The layout under
// basePath is:
//
//	basePath/
//	├── store.json              # store configuration and access metadata
//	├── security/
//	│   ├── security.salt       # key derivation salt record
//	│   └── access_security.json  # attempt tracker state
//	└── cache/
//	    └── <key>               # one opaque token blob per cache key
//
// Directories are created 0700 and files written 0600 via atomic
// temp-file-then-rename replacement, so a concurrent reader in the same
// process never observes a partial write. No cross-process coordination is
// provided: exactly one process owns basePath.
type FileSystemStore struct {
	basePath    string
	securityDir string // basePath/security/
	cacheDir    string // basePath/cache/
	storeConfig string // basePath/store.json
	saltPath    string // basePath/security/security.salt
	trackerPath string // basePath/security/access_security.json
}

// storeConfigRecord keeps non-secret bookkeeping about the store
type storeConfigRecord struct {
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
	Structure  string    `json:"structure_version"`
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	securityDir := filepath.Join(basePath, "security")
	cacheDir := filepath.Join(basePath, "cache")

	fs := &FileSystemStore{
		basePath:    basePath,
		securityDir: securityDir,
		cacheDir:    cacheDir,
		storeConfig: filepath.Join(basePath, "store.json"),
		saltPath:    filepath.Join(securityDir, saltFileName),
		trackerPath: filepath.Join(securityDir, trackerFileName),
	}

	for _, dir := range []string{basePath, securityDir, cacheDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := fs.initializeStoreConfig(); err != nil {
		return nil, fmt.Errorf("failed to initialize store config: %w", err)
	}

	return fs, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}

	return NewFileSystemStore(basePath)
}

func (fs *FileSystemStore) initializeStoreConfig() error {
	if _, err := os.Stat(fs.storeConfig); os.IsNotExist(err) {
		config := storeConfigRecord{
			Version:    "1.0.0",
			CreatedAt:  time.Now().UTC(),
			LastAccess: time.Now().UTC(),
			Structure:  "v1",
		}

		data, err := json.MarshalIndent(config, "", "  ")
		if err != nil {
			return err
		}

		return writeSecureFile(fs.storeConfig, data, FilePermissions)
	}
	return nil
}

// Salt record

func (fs *FileSystemStore) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	if len(saltData) == 0 {
		return "", fmt.Errorf("salt is required")
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.saltPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSalt",
			}
		}
	}

	if err := writeSecureFile(fs.saltPath, saltData, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save salt: %w", err)
	}

	debug.Print("saved salt record (%d bytes)\n", len(saltData))

	return calculateFileVersion(saltData), nil
}

func (fs *FileSystemStore) LoadSalt() (*VersionedData, error) {
	info, err := os.Stat(fs.saltPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, fmt.Errorf("failed to stat salt: %w", err)
	}

	saltData, err := os.ReadFile(fs.saltPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}

	return &VersionedData{
		Data:      saltData,
		Version:   calculateFileVersion(saltData),
		Timestamp: info.ModTime(),
	}, nil
}

func (fs *FileSystemStore) SaltExists() (bool, error) {
	return fileExists(fs.saltPath)
}

// Attempt tracker state

func (fs *FileSystemStore) SaveTrackerState(data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("tracker state is required")
	}

	if expectedVersion != "" {
		currentVersion, err := fs.getFileVersion(fs.trackerPath)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveTrackerState",
			}
		}
	}

	if err := writeSecureFile(fs.trackerPath, data, FilePermissions); err != nil {
		return "", fmt.Errorf("failed to save tracker state: %w", err)
	}

	return calculateFileVersion(data), nil
}

func (fs *FileSystemStore) LoadTrackerState() (*VersionedData, error) {
	info, err := os.Stat(fs.trackerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("tracker state not found")
		}
		return nil, fmt.Errorf("failed to stat tracker state: %w", err)
	}

	data, err := os.ReadFile(fs.trackerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load tracker state: %w", err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: info.ModTime(),
	}, nil
}

func (fs *FileSystemStore) TrackerStateExists() (bool, error) {
	return fileExists(fs.trackerPath)
}

// Cache entries

func (fs *FileSystemStore) SaveCacheEntry(key string, token []byte) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}
	if len(token) == 0 {
		return fmt.Errorf("token is required")
	}

	if err := writeSecureFile(filepath.Join(fs.cacheDir, key), token, FilePermissions); err != nil {
		return fmt.Errorf("failed to save cache entry %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) LoadCacheEntry(key string) ([]byte, error) {
	if err := validateCacheKey(key); err != nil {
		return nil, err
	}

	path := filepath.Join(fs.cacheDir, key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("cache entry %s not found", key)
	}

	token, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry %s: %w", key, err)
	}
	return token, nil
}

func (fs *FileSystemStore) CacheEntryExists(key string) (bool, error) {
	if err := validateCacheKey(key); err != nil {
		return false, err
	}
	return fileExists(filepath.Join(fs.cacheDir, key))
}

func (fs *FileSystemStore) DeleteCacheEntry(key string) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}

	path := filepath.Join(fs.cacheDir, key)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("cache entry %s not found", key)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

func (fs *FileSystemStore) ListCacheEntries() ([]string, error) {
	entries, err := os.ReadDir(fs.cacheDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		// Skip temp files left behind by interrupted writes
		if !cacheKeyRegex.MatchString(entry.Name()) {
			continue
		}
		keys = append(keys, entry.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

// Health and utilities

func (fs *FileSystemStore) Ping() error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	// Update last access time; best effort
	if data, err := os.ReadFile(fs.storeConfig); err == nil {
		var config storeConfigRecord
		if err = json.Unmarshal(data, &config); err == nil {
			config.LastAccess = time.Now().UTC()
			if updated, err := json.MarshalIndent(config, "", "  "); err == nil {
				_ = writeSecureFile(fs.storeConfig, updated, FilePermissions)
			}
		}
	}
	return nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Helpers

func validateCacheKey(key string) error {
	if key == "" {
		return fmt.Errorf("cache key is required")
	}
	if len(key) > 255 {
		return fmt.Errorf("cache key too long")
	}
	if !cacheKeyRegex.MatchString(key) {
		return fmt.Errorf("invalid cache key %q: only alphanumerics, '-', '_' and '.' are allowed", key)
	}
	return nil
}

func (fs *FileSystemStore) getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	return crypto.CalculateChecksum(data)[:16]
}

// writeSecureFile writes data atomically: temp file in the target directory,
// fsync, chmod, then rename over the destination.
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
