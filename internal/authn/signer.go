// Package authn authenticates callers by secp256k1 signatures. A caller
// signs a canonical payload with the Ethereum personal-message prefix and
// the server recovers the signing address.
package authn

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// DefaultWindow bounds how far a signed timestamp may drift from the
// server clock.
const DefaultWindow = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("authn: missing signature")
	ErrBadSignature     = errors.New("authn: invalid signature")
	ErrStale            = errors.New("authn: signature timestamp outside window")
	ErrSignerMismatch   = errors.New("authn: signer does not match claimed address")
)

// Signer holds a private key and signs payloads on behalf of its address.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner parses a hex private key, with or without 0x prefix.
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// GenerateSigner creates a signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewSignerFromKey(key), nil
}

func (s *Signer) Address() common.Address {
	return s.addr
}

// Sign returns a 65-byte [R || S || V] signature over the prefixed hash of
// payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	return crypto.Sign(accounts.TextHash(payload), s.key)
}

// Recover returns the address that produced sig over payload.
func Recover(payload, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	// Accept both 0/1 and 27/28 recovery ids.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Credentials travel with every signed request.
type Credentials struct {
	Signer    string `json:"signer"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Stamp signs payload at now and returns the credentials to attach.
func (s *Signer) Stamp(payload func(ts int64) []byte, now time.Time) (Credentials, error) {
	ts := now.Unix()
	sig, err := s.Sign(payload(ts))
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		Signer:    s.addr.Hex(),
		Timestamp: ts,
		Signature: hexutil.Encode(sig),
	}, nil
}

// Verify checks the credentials against payload and returns the recovered
// address. The claimed signer must match the recovered one.
func Verify(c Credentials, payload func(ts int64) []byte, now time.Time, window time.Duration) (common.Address, error) {
	if c.Signature == "" {
		return common.Address{}, ErrMissingSignature
	}
	drift := now.Sub(time.Unix(c.Timestamp, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > window {
		return common.Address{}, ErrStale
	}
	sig, err := hexutil.Decode(c.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	addr, err := Recover(payload(c.Timestamp), sig)
	if err != nil {
		return common.Address{}, err
	}
	if c.Signer != "" && common.HexToAddress(c.Signer) != addr {
		return common.Address{}, ErrSignerMismatch
	}
	return addr, nil
}
