package securecache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidatePINFormat(t *testing.T) {
	valid := []string{"2468", "1357", "86420", "24686420", "9137", "2580"}
	for _, pin := range valid {
		assert.NoError(t, ValidatePINFormat(pin), "PIN %q should be accepted", pin)
	}

	invalid := map[string]string{
		"":          "empty",
		"123":       "too short",
		"123456789": "too long",
		"12a4":      "non-digit",
		"12 4":      "whitespace",
		"-1234":     "sign",
		"7777":      "all same",
		"55555555":  "all same long",
		"1234":      "ascending run",
		"3456":      "ascending run",
		"98765":     "descending run",
		"4321":      "descending run",
		"0000":      "denylist",
		"1122":      "denylist",
		"2211":      "denylist",
		"0123":      "denylist and ascending",
	}
	for pin, why := range invalid {
		err := ValidatePINFormat(pin)
		assert.Error(t, err, "PIN %q should be rejected (%s)", pin, why)
		assert.True(t, IsInputValidationError(err), "PIN %q should yield InputValidationError", pin)
	}
}

func TestValidatePINFormatNeverCountsAttempts(t *testing.T) {
	cache := newTestCache(t, nil)
	defer cache.Close()

	err := cache.VerifyPIN("1234", "tech1", "")
	assert.True(t, IsInputValidationError(err))

	limited, remaining := cache.IsRateLimited("tech1")
	assert.False(t, limited)
	assert.Equal(t, 3, remaining, "weak-PIN rejection must not consume an attempt")
}
