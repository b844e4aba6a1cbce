package securecache

import (
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/phoenixsystems-git/nest-sub000/internal/crypto"
	"github.com/phoenixsystems-git/nest-sub000/internal/misc"
)

const (
	tokenHeaderSize = 9 // 1 byte version + 8 bytes timestamp
	maxCachedKeys   = 64
)

// cipherCache performs authenticated encryption with keys derived from a PIN
// and the active salt. Derived keys are memoized in enclaves keyed by a hash
// of the PIN, so repeated operations with the same PIN pay the KDF cost once.
//
// Token format, base64url encoded:
//
//	[1 byte version][8 bytes big-endian unix seconds][nonce][ciphertext+tag]
//
// The 9-byte header is bound as additional authenticated data, so tampering
// with the version or timestamp fails authentication.
type cipherCache struct {
	kdf   KeyDerivationFunction
	salts *saltStore
	now   func() time.Time

	mu   sync.Mutex
	keys map[string]*memguard.Enclave
}

func newCipherCache(kdf KeyDerivationFunction, salts *saltStore, now func() time.Time) *cipherCache {
	return &cipherCache{
		kdf:   kdf,
		salts: salts,
		now:   now,
		keys:  make(map[string]*memguard.Enclave),
	}
}

// Encrypt derives a key from pin and seals plaintext into a token.
func (c *cipherCache) Encrypt(pin string, plaintext []byte) (string, error) {
	keyEnclave, err := c.deriveKey(pin)
	if err != nil {
		return "", err
	}

	keyBuffer, err := keyEnclave.Open()
	if err != nil {
		return "", &EncryptionError{Err: err}
	}
	defer keyBuffer.Destroy()

	header := make([]byte, tokenHeaderSize)
	header[0] = misc.TokenVersion
	binary.BigEndian.PutUint64(header[1:], uint64(c.now().Unix()))

	sealed, err := crypto.SealValue(plaintext, keyBuffer.Bytes(), header)
	if err != nil {
		return "", &EncryptionError{Err: err}
	}

	token := make([]byte, 0, tokenHeaderSize+len(sealed))
	token = append(token, header...)
	token = append(token, sealed...)

	return base64.RawURLEncoding.EncodeToString(token), nil
}

// Decrypt derives a key from pin and opens a token produced by Encrypt.
// The returned time is the token creation timestamp from the authenticated
// header. Any structural or authentication failure yields InvalidTokenError.
func (c *cipherCache) Decrypt(pin, token string) ([]byte, time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, time.Time{}, &InvalidTokenError{}
	}
	if len(raw) < tokenHeaderSize+chacha20poly1305.NonceSize {
		return nil, time.Time{}, &InvalidTokenError{}
	}
	if raw[0] != misc.TokenVersion {
		return nil, time.Time{}, &InvalidTokenError{}
	}

	keyEnclave, err := c.deriveKey(pin)
	if err != nil {
		return nil, time.Time{}, err
	}

	keyBuffer, err := keyEnclave.Open()
	if err != nil {
		return nil, time.Time{}, &InvalidTokenError{}
	}
	defer keyBuffer.Destroy()

	header := raw[:tokenHeaderSize]
	plaintext, err := crypto.OpenValue(raw[tokenHeaderSize:], keyBuffer.Bytes(), header)
	if err != nil {
		return nil, time.Time{}, &InvalidTokenError{}
	}

	createdAt := time.Unix(int64(binary.BigEndian.Uint64(header[1:])), 0).UTC()
	return plaintext, createdAt, nil
}

// ClearKeyCache destroys all memoized derived keys.
func (c *cipherCache) ClearKeyCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = make(map[string]*memguard.Enclave)
}

// deriveKey returns the memoized key enclave for pin, deriving it if needed.
// A salt rotation invalidates the whole cache because the memo key binds the
// salt generation.
func (c *cipherCache) deriveKey(pin string) (*memguard.Enclave, error) {
	salt, err := c.salts.GetOrCreate()
	if err != nil {
		return nil, err
	}

	cacheKey := c.memoKey(pin, salt)

	c.mu.Lock()
	if enclave, ok := c.keys[cacheKey]; ok {
		c.mu.Unlock()
		return enclave, nil
	}
	c.mu.Unlock()

	// Derivation runs outside the lock; it is deliberately slow
	keyBuffer, err := c.kdf.Derive(pin, salt)
	if err != nil {
		return nil, err
	}

	enclave := keyBuffer.Seal()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.keys[cacheKey]; ok {
		return existing, nil
	}
	if len(c.keys) >= maxCachedKeys {
		for k := range c.keys {
			delete(c.keys, k)
			break
		}
	}
	c.keys[cacheKey] = enclave
	return enclave, nil
}

// memoKey hashes the PIN together with the salt identity so the memo never
// stores PIN material and never outlives a salt rotation.
func (c *cipherCache) memoKey(pin string, salt *memguard.Enclave) string {
	saltBuffer, err := salt.Open()
	if err != nil {
		return crypto.CalculateChecksum([]byte(pin))
	}
	defer saltBuffer.Destroy()

	material := make([]byte, 0, len(pin)+len(saltBuffer.Bytes()))
	material = append(material, []byte(pin)...)
	material = append(material, saltBuffer.Bytes()...)
	defer memguard.WipeBytes(material)

	return crypto.CalculateChecksum(material)
}
