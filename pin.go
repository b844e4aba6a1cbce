package securecache

// weakPINs lists short patterns rejected outright. All-same strings and
// sequential runs are caught structurally, so this only needs the common
// keyboard patterns that survive those checks.
var weakPINs = map[string]struct{}{
	"0000": {},
	"1111": {},
	"2222": {},
	"3333": {},
	"4444": {},
	"5555": {},
	"6666": {},
	"7777": {},
	"8888": {},
	"9999": {},
	"1234": {},
	"4321": {},
	"0123": {},
	"3210": {},
	"1122": {},
	"2211": {},
}

// ValidatePINFormat checks pin against the accepted format: 4 to 8 ASCII
// digits, not all identical, not a sequential run, and not a known weak
// pattern. It returns an InputValidationError describing the first rule
// violated; a nil return means the PIN is acceptable.
//
// Validation runs before any lockout or rate-limit check and never counts
// as an attempt.
func ValidatePINFormat(pin string) error {
	if len(pin) < 4 || len(pin) > 8 {
		return &InputValidationError{Reason: "PIN must be 4 to 8 digits"}
	}

	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return &InputValidationError{Reason: "PIN must contain only digits"}
		}
	}

	if _, ok := weakPINs[pin]; ok {
		return &InputValidationError{Reason: "PIN is too common"}
	}

	allSame := true
	ascending := true
	descending := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		if pin[i] != pin[i-1]+1 {
			ascending = false
		}
		if pin[i] != pin[i-1]-1 {
			descending = false
		}
	}
	if allSame {
		return &InputValidationError{Reason: "PIN must not repeat a single digit"}
	}
	if ascending || descending {
		return &InputValidationError{Reason: "PIN must not be a sequential run"}
	}

	return nil
}
