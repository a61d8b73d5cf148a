// internal/fhe/ciphertext.go
package fhe

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Ciphertext is an opaque handle to an encrypted 64-bit unsigned value.
// The coordinator never sees the plaintext behind a handle.
type Ciphertext [32]byte

// IsZero reports whether the handle is unset.
func (c Ciphertext) IsZero() bool {
	return c == Ciphertext{}
}

func (c Ciphertext) Hex() string {
	return "0x" + hex.EncodeToString(c[:])
}

func (c Ciphertext) String() string {
	return c.Hex()
}

func (c Ciphertext) MarshalText() ([]byte, error) {
	return []byte(c.Hex()), nil
}

func (c *Ciphertext) UnmarshalText(text []byte) error {
	parsed, err := ParseCiphertext(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCiphertext decodes a 0x-prefixed 32-byte hex handle.
func ParseCiphertext(s string) (Ciphertext, error) {
	var c Ciphertext
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return c, fmt.Errorf("decode ciphertext handle: %w", err)
	}
	if len(raw) != len(c) {
		return c, fmt.Errorf("ciphertext handle must be %d bytes, got %d", len(c), len(raw))
	}
	copy(c[:], raw)
	return c, nil
}
