// Package identity provides instance identifiers and per-instance
// authentication tokens for the registry plane.
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/xxh3"
)

// GenerateInstanceID derives a stable 128-bit identifier from the instance
// tuple plus fresh entropy. Two instances sharing network coordinates still
// receive distinct ids across restarts because of the entropy suffix.
func GenerateInstanceID(serviceName, ip string, port int) string {
	var entropy [16]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		// crypto/rand never fails on supported platforms; treat it as fatal.
		panic("identity: entropy source unavailable: " + err.Error())
	}

	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(port))

	h := xxh3.New()
	_, _ = h.WriteString(serviceName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(ip)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(portBuf[:])
	_, _ = h.Write(entropy[:])

	sum := h.Sum128()
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], sum.Hi)
	binary.BigEndian.PutUint64(out[8:], sum.Lo)
	return hex.EncodeToString(out[:])
}

// ValidInstanceID reports whether s has the shape of a generated instance id
// (32 lowercase hex characters).
func ValidInstanceID(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// ParseInstanceID validates an externally supplied instance id.
func ParseInstanceID(s string) (string, error) {
	if !ValidInstanceID(s) {
		return "", fmt.Errorf("identity: invalid instance id %q", s)
	}
	return s, nil
}
