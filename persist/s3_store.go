package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	ctxTimeout = 10 * time.Second
)

// S3Config holds the connection parameters for an S3-compatible backend.
type S3Config struct {
	Endpoint        string `json:"endpoint"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket"`
	KeyPrefix       string `json:"key_prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	UseSSL          bool   `json:"use_ssl"`
}

// S3Store implements the Store interface on S3-compatible object storage
// (MinIO client). Object layout:
//
//	bucket/
//	└── [keyPrefix/]
//	    ├── security/security.salt        # key derivation salt record
//	    ├── security/access_security.json # attempt tracker state
//	    └── cache/<key>                   # one opaque token blob per cache key
//
// The store relies on object-level atomicity of S3 PUTs; it does NOT add
// cross-process coordination. Exactly one process must own the prefix, same
// as the filesystem store owns its directory.
type S3Store struct {
	client     *minio.Client
	bucketName string
	keyPrefix  string
}

// NewS3Store initializes a new S3Store, verifying that the configured bucket
// exists (and creating it when possible).
func NewS3Store(config S3Config) (*S3Store, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required for s3 store")
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required for s3 store")
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &S3Store{
		client:     client,
		bucketName: config.Bucket,
		keyPrefix:  strings.Trim(config.KeyPrefix, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = store.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	return store, nil
}

// NewS3StoreFromConfig initializes a new S3Store from the given StoreConfig.
func NewS3StoreFromConfig(config StoreConfig) (*S3Store, error) {
	if config.Type != StoreTypeS3 {
		return nil, fmt.Errorf("invalid store type for s3: %s", config.Type)
	}

	// Round-trip the loosely typed map into S3Config
	raw, err := json.Marshal(config.Config)
	if err != nil {
		return nil, fmt.Errorf("invalid s3 store config: %w", err)
	}
	var s3cfg S3Config
	if err = json.Unmarshal(raw, &s3cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 store config: %w", err)
	}

	return NewS3Store(s3cfg)
}

// Salt record

func (s3s *S3Store) SaveSalt(saltData []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned(s3s.saltObjectName(), saltData, expectedVersion, "SaveSalt")
}

func (s3s *S3Store) LoadSalt() (*VersionedData, error) {
	data, err := s3s.loadVersioned(s3s.saltObjectName())
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("salt not found")
		}
		return nil, fmt.Errorf("failed to load salt: %w", err)
	}
	return data, nil
}

func (s3s *S3Store) SaltExists() (bool, error) {
	return s3s.objectExists(s3s.saltObjectName())
}

// Attempt tracker state

func (s3s *S3Store) SaveTrackerState(data []byte, expectedVersion string) (string, error) {
	return s3s.saveVersioned(s3s.trackerObjectName(), data, expectedVersion, "SaveTrackerState")
}

func (s3s *S3Store) LoadTrackerState() (*VersionedData, error) {
	data, err := s3s.loadVersioned(s3s.trackerObjectName())
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("tracker state not found")
		}
		return nil, fmt.Errorf("failed to load tracker state: %w", err)
	}
	return data, nil
}

func (s3s *S3Store) TrackerStateExists() (bool, error) {
	return s3s.objectExists(s3s.trackerObjectName())
}

// Cache entries

func (s3s *S3Store) SaveCacheEntry(key string, token []byte) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}
	if len(token) == 0 {
		return fmt.Errorf("token is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, s3s.cacheObjectName(key),
		bytes.NewReader(token), int64(len(token)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
	if err != nil {
		return fmt.Errorf("failed to save cache entry %s: %w", key, err)
	}
	return nil
}

func (s3s *S3Store) LoadCacheEntry(key string) ([]byte, error) {
	if err := validateCacheKey(key); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, s3s.cacheObjectName(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entry %s: %w", key, err)
	}
	defer object.Close()

	token, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return nil, fmt.Errorf("cache entry %s not found", key)
		}
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}
	return token, nil
}

func (s3s *S3Store) CacheEntryExists(key string) (bool, error) {
	if err := validateCacheKey(key); err != nil {
		return false, err
	}
	return s3s.objectExists(s3s.cacheObjectName(key))
}

func (s3s *S3Store) DeleteCacheEntry(key string) error {
	if err := validateCacheKey(key); err != nil {
		return err
	}

	exists, err := s3s.objectExists(s3s.cacheObjectName(key))
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("cache entry %s not found", key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err = s3s.client.RemoveObject(ctx, s3s.bucketName, s3s.cacheObjectName(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

func (s3s *S3Store) ListCacheEntries() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	prefix := s3s.buildPath("cache") + "/"
	var keys []string
	for object := range s3s.client.ListObjects(ctx, s3s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("failed to list cache entries: %w", object.Err)
		}
		key := strings.TrimPrefix(object.Key, prefix)
		if key == "" || strings.Contains(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Health and utilities

func (s3s *S3Store) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to ping s3: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s3s.bucketName)
	}
	return nil
}

func (s3s *S3Store) Close() error {
	// The MinIO client holds no per-store resources to release
	return nil
}

func (s3s *S3Store) GetType() string {
	return string(StoreTypeS3)
}

// Helper methods

func (s3s *S3Store) saveVersioned(objectName string, data []byte, expectedVersion, operation string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("data is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if expectedVersion != "" {
		currentVersion, err := s3s.getObjectVersion(ctx, objectName)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       operation,
			}
		}
	}

	_, err := s3s.client.PutObject(ctx, s3s.bucketName, objectName,
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"created-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return "", fmt.Errorf("failed to save %s: %w", objectName, err)
	}

	return calculateFileVersion(data), nil
}

func (s3s *S3Store) loadVersioned(objectName string) (*VersionedData, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, err
	}

	objectInfo, err := object.Stat()
	if err != nil {
		return nil, err
	}

	timestamp := objectInfo.LastModified
	if createdAt, exists := objectInfo.UserMetadata["Created-At"]; exists {
		if parsedTime, err := time.Parse(time.RFC3339, createdAt); err == nil {
			timestamp = parsedTime
		}
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: timestamp,
	}, nil
}

func (s3s *S3Store) objectExists(objectName string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	_, err := s3s.client.StatObject(ctx, s3s.bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check %s existence: %w", objectName, err)
	}
	return true, nil
}

func (s3s *S3Store) getObjectVersion(ctx context.Context, objectName string) (string, error) {
	object, err := s3s.client.GetObject(ctx, s3s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return "", nil
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if s3s.isNotFoundError(err) {
			return "", nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func (s3s *S3Store) isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" ||
		strings.Contains(err.Error(), "not found")
}

func (s3s *S3Store) ensureBucket(ctx context.Context) error {
	exists, err := s3s.client.BucketExists(ctx, s3s.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err = s3s.client.MakeBucket(ctx, s3s.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (s3s *S3Store) buildPath(components ...string) string {
	var parts []string
	if s3s.keyPrefix != "" {
		parts = append(parts, s3s.keyPrefix)
	}
	parts = append(parts, components...)
	return strings.Join(parts, "/")
}

func (s3s *S3Store) saltObjectName() string {
	return s3s.buildPath("security", saltFileName)
}

func (s3s *S3Store) trackerObjectName() string {
	return s3s.buildPath("security", trackerFileName)
}

func (s3s *S3Store) cacheObjectName(key string) string {
	return s3s.buildPath("cache", key)
}
