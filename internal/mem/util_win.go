//go:build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// VirtualLock exists on Windows but is page-granular and quota-bound;
	// rely on memguard's own buffer protection instead.
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	return nil
}
