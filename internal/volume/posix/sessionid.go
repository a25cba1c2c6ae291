package posix

import (
	"crypto/rand"
	"encoding/hex"
)

// newSessionID returns 128 bits of cryptographic randomness as 32 lowercase
// hex characters, per spec §3's upload-session id format.
func newSessionID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}
