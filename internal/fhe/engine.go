// internal/fhe/engine.go
package fhe

import (
	"context"
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownCiphertext = errors.New("fhe: unknown ciphertext handle")
	ErrUnknownRequest    = errors.New("fhe: unknown decryption request")
	ErrDecryptionFailed  = errors.New("fhe: decryption failed")
)

// Engine performs arithmetic on encrypted 64-bit unsigned integers.
//
// All arithmetic wraps modulo 2^64, matching the euint64 semantics of the
// confidential EVM. Callers bound their inputs so that wrapping never occurs
// on values that matter. Comparison results are encrypted booleans (0 or 1)
// that may only be consumed by Select.
type Engine interface {
	// Encrypt produces a trivially encrypted handle for a plaintext the
	// caller already knows.
	Encrypt(v uint64) (Ciphertext, error)
	Add(a, b Ciphertext) (Ciphertext, error)
	Sub(a, b Ciphertext) (Ciphertext, error)
	Mul(a, b Ciphertext) (Ciphertext, error)
	MulScalar(a Ciphertext, s uint64) (Ciphertext, error)
	DivScalar(a Ciphertext, s uint64) (Ciphertext, error)
	Ge(a, b Ciphertext) (Ciphertext, error)
	Min(a, b Ciphertext) (Ciphertext, error)
	Select(cond, ifTrue, ifFalse Ciphertext) (Ciphertext, error)
}

// Entry is one journaled handle of an in-process engine. Seq is the
// engine counter the handle was derived from.
type Entry struct {
	Handle Ciphertext
	Seq    uint64
	Value  uint64
}

// Journal is implemented by engines that hold handle values in process.
// The coordinator drains it with every committed operation so the handles
// are persisted alongside the records that reference them.
type Journal interface {
	TakeWritten() []Entry
}

// Resolver is the coordinator's view of the decryption oracle. It accepts
// ciphertexts for asynchronous decryption and returns the request id that
// the eventual callback will carry. Request ids are never zero.
type Resolver interface {
	RequestDecryption(ctx context.Context, cts []Ciphertext) (uint256.Int, error)
}

// Decrypter is the gateway worker's view of the oracle: it resolves a
// request id to the plaintext of its first ciphertext.
type Decrypter interface {
	Decrypt(ctx context.Context, requestID uint256.Int) (uint64, error)
}
