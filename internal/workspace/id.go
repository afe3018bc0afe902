package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
)

// idPattern is the charset contract for workspace ids.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// ValidID reports whether raw is an acceptable workspace id.
func ValidID(raw string) bool {
	return idPattern.MatchString(raw)
}

// NewID generates a fresh 12-character lowercase hex workspace id.
func NewID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// there is no useful recovery beyond a fixed fallback id space.
		return "000000000000"
	}
	return hex.EncodeToString(buf)
}

// NormalizeID returns raw when it is a valid id, otherwise a fresh one.
func NormalizeID(raw string) string {
	if ValidID(raw) {
		return raw
	}
	return NewID()
}
