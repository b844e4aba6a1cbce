package securecache

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

// saltRecord is the persisted form of the key-derivation salt. The salt
// itself is random and non-secret on its own; it is still stored with
// restrictive permissions by the filesystem backend.
type saltRecord struct {
	Salt      string  `json:"salt"`
	Timestamp float64 `json:"timestamp"`
	Created   string  `json:"created"`
}

// saltStore owns the key-derivation salt: loading it, creating it on first
// use, rotating it past SaltRotationAge, and regenerating it when the stored
// record is unreadable. The active salt lives in a memguard enclave; the
// raw bytes are wiped after sealing.
//
// When the backing store cannot persist a new salt, the store degrades to an
// ephemeral in-process salt rather than failing the caller. Entries written
// under an ephemeral salt do not survive a restart.
type saltStore struct {
	store       persist.Store
	auditor     audit.Logger
	rotationAge time.Duration
	now         func() time.Time

	mu        sync.Mutex
	enclave   *memguard.Enclave
	createdAt time.Time
	ephemeral bool
}

func newSaltStore(store persist.Store, auditor audit.Logger, rotationAge time.Duration, now func() time.Time) *saltStore {
	return &saltStore{
		store:       store,
		auditor:     auditor,
		rotationAge: rotationAge,
		now:         now,
	}
}

// GetOrCreate returns the active salt enclave, creating or rotating the
// persisted record as needed. The returned enclave is shared; callers must
// not destroy it.
func (s *saltStore) GetOrCreate() (*memguard.Enclave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Fast path: a loaded salt that has not aged out
	if s.enclave != nil {
		if s.ephemeral || s.now().Sub(s.createdAt) < s.rotationAge {
			return s.enclave, nil
		}
	}

	exists, err := s.store.SaltExists()
	if err != nil {
		return s.fallbackEphemeral(fmt.Errorf("salt existence check failed: %w", err))
	}

	if !exists {
		return s.createAndSave("")
	}

	versioned, err := s.store.LoadSalt()
	if err != nil {
		return s.fallbackEphemeral(fmt.Errorf("salt load failed: %w", err))
	}

	record, saltBytes, err := decodeSaltRecord(versioned.Data)
	if err != nil {
		// Unreadable record: regenerate. Existing cache entries become
		// permanently undecryptable, which beats refusing all service.
		_ = s.auditor.Log("salt_corrupted", false, map[string]interface{}{
			"error": err.Error(),
		})
		return s.createAndSave(versioned.Version)
	}

	created := time.Unix(0, int64(record.Timestamp*float64(time.Second))).UTC()
	if s.now().Sub(created) >= s.rotationAge {
		memguard.WipeBytes(saltBytes)
		_ = s.auditor.Log("salt_rotated", true, map[string]interface{}{
			"previous_age_hours": s.now().Sub(created).Hours(),
		})
		return s.createAndSave(versioned.Version)
	}

	s.enclave = memguard.NewEnclave(saltBytes)
	s.createdAt = created
	s.ephemeral = false
	return s.enclave, nil
}

// IsEphemeral reports whether the active salt exists only in memory.
func (s *saltStore) IsEphemeral() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral
}

// createAndSave generates a fresh salt, persists it, and installs it as the
// active enclave. Callers hold s.mu.
func (s *saltStore) createAndSave(expectedVersion string) (*memguard.Enclave, error) {
	saltBytes := make([]byte, misc.SaltSize)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, &DerivationError{Err: fmt.Errorf("salt generation failed: %w", err)}
	}

	created := s.now().UTC()
	record := saltRecord{
		Salt:      base64.StdEncoding.EncodeToString(saltBytes),
		Timestamp: float64(created.UnixNano()) / float64(time.Second),
		Created:   created.Format(time.RFC3339),
	}

	data, err := json.Marshal(record)
	if err != nil {
		memguard.WipeBytes(saltBytes)
		return nil, &DerivationError{Err: fmt.Errorf("salt record encoding failed: %w", err)}
	}

	if _, err = s.store.SaveSalt(data, expectedVersion); err != nil {
		memguard.WipeBytes(saltBytes)
		memguard.WipeBytes(data)
		return s.fallbackEphemeral(fmt.Errorf("salt save failed: %w", err))
	}
	memguard.WipeBytes(data)

	// NewEnclave wipes saltBytes
	s.enclave = memguard.NewEnclave(saltBytes)
	s.createdAt = created
	s.ephemeral = false
	return s.enclave, nil
}

// fallbackEphemeral generates an in-memory salt when the store is unusable.
// Callers hold s.mu.
func (s *saltStore) fallbackEphemeral(cause error) (*memguard.Enclave, error) {
	saltBytes := make([]byte, misc.SaltSize)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, &DerivationError{Err: fmt.Errorf("ephemeral salt generation failed: %w", err)}
	}

	_ = s.auditor.Log("salt_fallback", false, map[string]interface{}{
		"error": cause.Error(),
	})

	s.enclave = memguard.NewEnclave(saltBytes)
	s.createdAt = s.now().UTC()
	s.ephemeral = true
	return s.enclave, nil
}

func decodeSaltRecord(data []byte) (*saltRecord, []byte, error) {
	var record saltRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, nil, fmt.Errorf("salt record is not valid JSON: %w", err)
	}
	if record.Salt == "" {
		return nil, nil, fmt.Errorf("salt record has no salt field")
	}
	saltBytes, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return nil, nil, fmt.Errorf("salt is not valid base64: %w", err)
	}
	if len(saltBytes) != misc.SaltSize {
		return nil, nil, fmt.Errorf("salt has wrong length: %d bytes", len(saltBytes))
	}
	return &record, saltBytes, nil
}
