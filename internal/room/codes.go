package room

import (
	"crypto/rand"
	"errors"
	"strings"
)

const (
	codeLength   = 6
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidCode is returned by ValidateCode for malformed invite codes.
var ErrInvalidCode = errors.New("invite code must be 6 uppercase alphanumerics")

// GenerateCode draws a fresh invite code from crypto/rand and retries on
// collision with any code already present in used. The caller is expected
// to hold whatever lock guards used for the duration of the call and to
// mark the returned code as used before releasing it.
func GenerateCode(used map[string]bool) (string, error) {
	for {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		if !used[code] {
			return code, nil
		}
	}
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// ValidateCode checks the wire form of an invite code without consulting
// the registry; NormalizeCode should be applied first if case is unknown.
func ValidateCode(code string) error {
	if len(code) != codeLength {
		return ErrInvalidCode
	}
	for _, ch := range code {
		if !(ch >= 'A' && ch <= 'Z') && !(ch >= '0' && ch <= '9') {
			return ErrInvalidCode
		}
	}
	return nil
}

// NormalizeCode uppercases a client-supplied invite code before lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(code)
}
