// Package security carries the agent's cross-cutting security concerns:
// keyed message authentication for the local IPC channel and the audit
// trail of security-relevant events.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
)

const (
	// keySize is the HMAC-SHA256 key length in bytes.
	keySize = 32
	// MaxClockSkew bounds how far a signed message's timestamp may drift
	// from local time before it is treated as a replay.
	MaxClockSkew = 30 * time.Second
)

var (
	// ErrMissingSignature indicates a message lacked the hmac or timestamp field.
	ErrMissingSignature = errors.New("message missing hmac or timestamp")
	// ErrBadSignature indicates the HMAC did not verify.
	ErrBadSignature = errors.New("message authentication failed")
	// ErrTimestampSkew indicates the signed timestamp fell outside the
	// allowed clock-skew window.
	ErrTimestampSkew = errors.New("message timestamp outside allowed skew")
)

// Context holds the process-lifetime signing key. It is constructed once at
// startup and handed to the components that need it, rather than living in
// package state, so tests can run several instances side by side. The key is
// read-only after New returns.
type Context struct {
	key *memguard.LockedBuffer
}

// New generates a fresh random signing key. The key never leaves the locked
// buffer except to key the MAC.
func New() (*Context, error) {
	raw := make([]byte, keySize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	// NewBufferFromBytes wipes raw.
	return &Context{key: memguard.NewBufferFromBytes(raw)}, nil
}

// Destroy wipes the signing key. The context is unusable afterwards.
func (c *Context) Destroy() {
	c.key.Destroy()
}

// mac returns the hex HMAC-SHA256 of data under the context key.
func (c *Context) mac(data []byte) string {
	h := hmac.New(sha256.New, c.key.Bytes())
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Sign returns a copy of msg carrying a timestamp (unix milliseconds) and an
// hmac field computed over the canonical compact JSON encoding of the message
// without the hmac field. encoding/json writes map keys in sorted order, which
// is the canonical form both sides agree on.
func (c *Context) Sign(msg map[string]any) (map[string]any, error) {
	signed := make(map[string]any, len(msg)+2)
	for k, v := range msg {
		signed[k] = v
	}
	signed["timestamp"] = time.Now().UnixMilli()

	data, err := json.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing message: %w", err)
	}
	signed["hmac"] = c.mac(data)
	return signed, nil
}

// Verify checks the hmac and timestamp fields of msg. The comparison is
// constant time and the timestamp must be within MaxClockSkew of local time
// in either direction.
func (c *Context) Verify(msg map[string]any) error {
	provided, ok := msg["hmac"].(string)
	if !ok || provided == "" {
		return ErrMissingSignature
	}
	ts, ok := timestampField(msg["timestamp"])
	if !ok {
		return ErrMissingSignature
	}

	unsigned := make(map[string]any, len(msg))
	for k, v := range msg {
		if k == "hmac" {
			continue
		}
		unsigned[k] = v
	}
	// A timestamp that crossed the wire arrives as float64; large integral
	// floats marshal in exponent form, which would break the canonical
	// encoding. Pin it back to the integer the signer wrote.
	unsigned["timestamp"] = ts
	data, err := json.Marshal(unsigned)
	if err != nil {
		return fmt.Errorf("canonicalizing message: %w", err)
	}

	expected := c.mac(data)
	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return ErrBadSignature
	}

	skew := time.Since(time.UnixMilli(ts))
	if skew > MaxClockSkew || skew < -MaxClockSkew {
		return fmt.Errorf("%w: %s", ErrTimestampSkew, skew)
	}
	return nil
}

// timestampField normalizes the JSON representations a unix-millisecond
// timestamp can arrive as.
func timestampField(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case float64:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	}
	return 0, false
}
