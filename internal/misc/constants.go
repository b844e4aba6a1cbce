package misc

const (
	// TokenVersion identifies the current encrypted token layout
	TokenVersion byte = 0x01

	// ArgonTime Key derivation parameters (Argon2id)
	ArgonTime    uint32 = 3
	ArgonMemory  uint32 = 64 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// PBKDF2Iterations is the fallback KDF work factor
	PBKDF2Iterations = 480000

	SaltSize = 32

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute

	// SelfTestPrincipal is the reserved principal used by health-check
	// round trips; it is exempt from real lockout accounting.
	SelfTestPrincipal = "_system_test_"
)
