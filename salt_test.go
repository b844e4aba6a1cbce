package securecache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/awnumar/memguard"

	"github.com/phoenixsystems-git/nest-sub000/audit"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
	"github.com/phoenixsystems-git/nest-sub000/persist"
)

func saltBytesOf(t *testing.T, enclave *memguard.Enclave) []byte {
	t.Helper()
	buf, err := enclave.Open()
	if err != nil {
		t.Fatalf("Failed to open salt enclave: %v", err)
	}
	defer buf.Destroy()
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func TestSaltCreatedOnFirstUse(t *testing.T) {
	store := newTestStore(t)
	salts := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, time.Now)

	enclave, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to create salt: %v", err)
	}
	if got := len(saltBytesOf(t, enclave)); got != misc.SaltSize {
		t.Errorf("Expected %d salt bytes, got %d", misc.SaltSize, got)
	}

	exists, err := store.SaltExists()
	if err != nil {
		t.Fatalf("Failed to check salt existence: %v", err)
	}
	if !exists {
		t.Error("Expected salt record to be persisted")
	}

	versioned, err := store.LoadSalt()
	if err != nil {
		t.Fatalf("Failed to load salt record: %v", err)
	}
	var record saltRecord
	if err = json.Unmarshal(versioned.Data, &record); err != nil {
		t.Fatalf("Salt record is not valid JSON: %v", err)
	}
	if record.Salt == "" || record.Timestamp == 0 || record.Created == "" {
		t.Errorf("Salt record has missing fields: %+v", record)
	}
	if _, err = time.Parse(time.RFC3339, record.Created); err != nil {
		t.Errorf("Salt record created field is not RFC3339: %v", err)
	}
}

func TestSaltStableAcrossInstances(t *testing.T) {
	store := newTestStore(t)

	first := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, time.Now)
	enclave1, err := first.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to create salt: %v", err)
	}

	second := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, time.Now)
	enclave2, err := second.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to load salt: %v", err)
	}

	if !bytes.Equal(saltBytesOf(t, enclave1), saltBytesOf(t, enclave2)) {
		t.Error("Expected the same salt across instances sharing a store")
	}
}

func TestSaltRotation(t *testing.T) {
	store := newTestStore(t)
	clock := newFakeClock(time.Now())

	salts := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, clock.Now)
	before, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to create salt: %v", err)
	}
	beforeBytes := saltBytesOf(t, before)

	clock.Advance(31 * 24 * time.Hour)

	after, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to rotate salt: %v", err)
	}
	if bytes.Equal(beforeBytes, saltBytesOf(t, after)) {
		t.Error("Expected a fresh salt after rotation age elapsed")
	}

	// The rotated record must be the one on disk
	reloaded := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, clock.Now)
	persisted, err := reloaded.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed to reload salt: %v", err)
	}
	if !bytes.Equal(saltBytesOf(t, after), saltBytesOf(t, persisted)) {
		t.Error("Rotated salt was not persisted")
	}
}

func TestSaltCorruptionRegenerates(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.SaveSalt([]byte("{definitely not json"), ""); err != nil {
		t.Fatalf("Failed to plant corrupted salt: %v", err)
	}

	salts := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, time.Now)
	enclave, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Expected regeneration, got error: %v", err)
	}
	if len(saltBytesOf(t, enclave)) != misc.SaltSize {
		t.Error("Regenerated salt has wrong size")
	}
	if salts.IsEphemeral() {
		t.Error("Regenerated salt should be persisted, not ephemeral")
	}

	versioned, err := store.LoadSalt()
	if err != nil {
		t.Fatalf("Failed to load regenerated salt: %v", err)
	}
	var record saltRecord
	if err = json.Unmarshal(versioned.Data, &record); err != nil {
		t.Errorf("Regenerated salt record is not valid JSON: %v", err)
	}
}

// brokenStore fails every salt operation to force the ephemeral fallback.
type brokenStore struct {
	persist.Store
}

func (b *brokenStore) SaveSalt([]byte, string) (string, error) {
	return "", fmt.Errorf("disk full")
}

func (b *brokenStore) SaltExists() (bool, error) {
	return false, nil
}

func TestSaltEphemeralFallback(t *testing.T) {
	store := &brokenStore{Store: newTestStore(t)}
	salts := newSaltStore(store, &audit.NoOpLogger{}, 30*24*time.Hour, time.Now)

	enclave, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Expected ephemeral fallback, got error: %v", err)
	}
	if !salts.IsEphemeral() {
		t.Error("Expected salt store to report ephemeral mode")
	}

	// The ephemeral salt stays stable for the process lifetime
	again, err := salts.GetOrCreate()
	if err != nil {
		t.Fatalf("Failed on second call: %v", err)
	}
	if !bytes.Equal(saltBytesOf(t, enclave), saltBytesOf(t, again)) {
		t.Error("Ephemeral salt changed between calls")
	}
}
