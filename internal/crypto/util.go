package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
)

// DeriveKeyArgon2 derives a 256-bit key from a PIN and salt using Argon2id.
// The result is returned in a memguard locked buffer; the caller owns it and
// must Destroy it after use.
func DeriveKeyArgon2(pin []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	// Copy the salt bytes so the buffer can be destroyed before argon2 returns
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derivedKey := argon2.IDKey(
		pin,
		saltBytes,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	return protectedKey, nil
}

// DeriveKeyPBKDF2 derives a 256-bit key from a PIN and salt using
// PBKDF2-HMAC-SHA256. Used when Argon2id is disabled by configuration.
func DeriveKeyPBKDF2(pin []byte, saltEnclave *memguard.Enclave) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derivedKey := pbkdf2.Key(pin, saltBytes, misc.PBKDF2Iterations, int(misc.ArgonKeyLen), sha256.New)

	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	return protectedKey, nil
}

// SealValue encrypts plaintext with ChaCha20-Poly1305 using the given key and
// additional authenticated data. Layout: nonce || ciphertext+tag.
func SealValue(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)

	sealed := make([]byte, len(nonce)+len(ciphertext))
	copy(sealed[:len(nonce)], nonce)
	copy(sealed[len(nonce):], ciphertext)

	return sealed, nil
}

// OpenValue decrypts data produced by SealValue. Authentication failure and
// structural corruption produce the same error.
func OpenValue(sealed, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey flags key material that is too short or has obviously degenerate
// byte distribution.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
