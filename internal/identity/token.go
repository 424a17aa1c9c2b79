package identity

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"

	"github.com/puzpuzpuz/xsync/v4"
)

// tokenBytes yields 256 bits of entropy per token, comfortably above the
// 128-bit floor required for negligible collision probability.
const tokenBytes = 32

// NewToken returns a fresh opaque credential. Tokens are never parsed; the
// registry only ever compares them against the stored value.
func NewToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("identity: entropy source unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// TokenTable maps instanceId to the single currently valid token. Issue and
// Rotate replace the stored value atomically: the previous token ceases to be
// valid before the new one is observable by any caller.
type TokenTable struct {
	tokens *xsync.Map[string, string]
}

// NewTokenTable creates an empty token table.
func NewTokenTable() *TokenTable {
	return &TokenTable{tokens: xsync.NewMap[string, string]()}
}

// Issue creates and stores a fresh token for the instance, replacing any
// previous one.
func (t *TokenTable) Issue(instanceID string) string {
	token := NewToken()
	t.tokens.Store(instanceID, token)
	return token
}

// Rotate atomically replaces the stored token for a known instance. It returns
// false when the instance has no token entry (evicted or never registered).
func (t *TokenTable) Rotate(instanceID string) (string, bool) {
	token := NewToken()
	rotated := false
	t.tokens.Compute(instanceID, func(old string, loaded bool) (string, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		rotated = true
		return token, xsync.UpdateOp
	})
	if !rotated {
		return "", false
	}
	return token, true
}

// Validate compares token against the stored value for instanceID in constant
// time. Unknown instances always fail.
func (t *TokenTable) Validate(token, instanceID string) bool {
	stored, ok := t.tokens.Load(instanceID)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// Drop removes the token entry for an evicted instance.
func (t *TokenTable) Drop(instanceID string) {
	t.tokens.Delete(instanceID)
}

// Size returns the number of token entries.
func (t *TokenTable) Size() int {
	return t.tokens.Size()
}
