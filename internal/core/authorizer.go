package core

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// hmacKeySize is the size, in bytes, of the process-lifetime signing key.
// 32 bytes (256 bits) matches the SHA-256 output size and the width of the
// token it authenticates.
const hmacKeySize = 32

// Authorizer issues and verifies per-flow bearer tokens. A single key is
// generated once per process from a cryptographic RNG and held for the
// process lifetime; it is never exposed outside this type.
//
// Sign(flow_id) and Verify(flow_id, token) together implement a keyed
// HMAC-SHA256 MAC over the UTF-8 bytes of the flow id. Verification is
// total: malformed input is a verification failure, never a panic, and the
// comparison runs in constant time to avoid a timing oracle on the tag.
type Authorizer struct {
	key []byte
}

// NewAuthorizer generates a fresh process-lifetime signing key.
func NewAuthorizer() (*Authorizer, error) {
	key := make([]byte, hmacKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Authorizer{key: key}, nil
}

// Sign returns the 64 lowercase hex digit token authorizing flowID.
func (a *Authorizer) Sign(flowID string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(flowID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether token is the correct token for flowID. Any
// malformed token (wrong length, non-hex) is rejected without touching the
// key material; a well-formed token is compared in constant time.
func (a *Authorizer) Verify(flowID, token string) bool {
	raw, err := hex.DecodeString(token)
	if err != nil || len(raw) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(flowID))
	return hmac.Equal(raw, mac.Sum(nil))
}
