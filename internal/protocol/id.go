package protocol

import (
	"crypto/rand"
	"encoding/base64"
)

// GenerateID mints an opaque, printable identifier suitable for a
// server-generated message id or a server-assigned player id: eight
// random bytes, base64-encoded. It carries no meaning beyond uniqueness.
func GenerateID() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
