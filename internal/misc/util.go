package misc

import (
	"errors"
	"os"
	"strings"
)

// IsNotFoundError reports whether err describes a missing entry, covering
// both filesystem stores and the S3 store's key-not-found responses.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrNotExist) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "no such file")
}
