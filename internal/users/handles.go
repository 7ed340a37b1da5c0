package users

import (
	"fmt"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// MaxHandleLength bounds handles in display units (runes after NFKC normalization).
const MaxHandleLength = 20

// Handle is a validated display handle together with its uniqueness key.
type Handle struct {
	Display string
	Key     string
}

// ParseHandle validates raw input. Handles are compared case-insensitively: the key is the
// Unicode case fold of the NFKC form, so "SwiftTiger42" and "swifttiger42" collide.
func ParseHandle(raw string) (Handle, error) {
	display := norm.NFKC.String(normalize(raw))
	if display == "" {
		return Handle{}, fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if length := utf8.RuneCountInString(display); length > MaxHandleLength {
		return Handle{}, fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidHandle, length, MaxHandleLength)
	}
	for _, r := range display {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' {
			continue
		}
		return Handle{}, fmt.Errorf("%w: character %q not allowed", ErrInvalidHandle, r)
	}
	return Handle{
		Display: display,
		Key:     cases.Fold().String(display),
	}, nil
}
