package securecache

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/phoenixsystems-git/nest-sub000/internal/crypto"
)

// KeyDerivationFunction turns (PIN, salt) into 256-bit symmetric key
// material. Implementations are deterministic for identical inputs and
// intentionally expensive: slow derivation is the brute-force defense, not a
// latency bug.
type KeyDerivationFunction interface {
	// Name identifies the function for audit metadata.
	Name() string

	// Derive returns the key in a locked buffer owned by the caller, or a
	// DerivationError if the underlying primitive fails.
	Derive(pin string, salt *memguard.Enclave) (*memguard.LockedBuffer, error)
}

type argon2KDF struct{}

func (argon2KDF) Name() string { return string(KDFArgon2id) }

func (argon2KDF) Derive(pin string, salt *memguard.Enclave) (*memguard.LockedBuffer, error) {
	pinBytes := []byte(pin)
	defer memguard.WipeBytes(pinBytes)

	key, err := crypto.DeriveKeyArgon2(pinBytes, salt)
	if err != nil {
		return nil, &DerivationError{Err: err}
	}
	return key, nil
}

type pbkdf2KDF struct{}

func (pbkdf2KDF) Name() string { return string(KDFPBKDF2) }

func (pbkdf2KDF) Derive(pin string, salt *memguard.Enclave) (*memguard.LockedBuffer, error) {
	pinBytes := []byte(pin)
	defer memguard.WipeBytes(pinBytes)

	key, err := crypto.DeriveKeyPBKDF2(pinBytes, salt)
	if err != nil {
		return nil, &DerivationError{Err: err}
	}
	return key, nil
}

// NewKDF selects the key derivation implementation once, at construction.
// An empty name selects Argon2id.
func NewKDF(name KDFName) (KeyDerivationFunction, error) {
	switch name {
	case KDFArgon2id, "":
		return argon2KDF{}, nil
	case KDFPBKDF2:
		return pbkdf2KDF{}, nil
	default:
		return nil, fmt.Errorf("unknown KDF: %q", name)
	}
}
