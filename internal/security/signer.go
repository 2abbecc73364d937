// Package security signs published summaries so consumers can check their
// origin and integrity.
package security

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/realm-aggregator/internal/model"
)

// Algorithm names the signature scheme carried by every envelope
const Algorithm = "secp256k1-keccak256"

var (
	ErrHashMismatch   = errors.New("payload hash mismatch")
	ErrSignerMismatch = errors.New("signature does not match signer")
)

// Envelope carries a summary together with its proof of origin
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	Hash      common.Hash     `json:"keccak256Hash"`
	Signature hexutil.Bytes   `json:"signature"`
	Signer    common.Address  `json:"signer"`
	Algorithm string          `json:"algorithm"`
	SignedAt  int64           `json:"timestamp"`
}

// Signer signs summaries with a secp256k1 key
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner loads a hex encoded private key. An empty key generates an
// ephemeral one, which is only useful for development.
func NewSigner(hexKey string) (*Signer, error) {
	var (
		key *ecdsa.PrivateKey
		err error
	)
	if hexKey == "" {
		key, err = crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		logrus.Warn("SIGNING_KEY not set, using an ephemeral signing key")
	} else {
		key, err = crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid signing key: %w", err)
		}
	}

	s := &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
	logrus.WithField("signer", s.address.Hex()).Info("Summary signer initialized")
	return s, nil
}

// Address returns the address that verifiers should expect
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign hashes the JSON encoding of summary with keccak256 and signs the hash
func (s *Signer) Sign(summary *model.Summary) (*Envelope, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal summary: %w", err)
	}

	hash := crypto.Keccak256Hash(payload)
	sig, err := crypto.Sign(hash.Bytes(), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign summary: %w", err)
	}

	return &Envelope{
		Payload:   payload,
		Hash:      hash,
		Signature: sig,
		Signer:    s.address,
		Algorithm: Algorithm,
		SignedAt:  time.Now().Unix(),
	}, nil
}

// Verify checks that the envelope's payload hashes to its hash and that the
// signature recovers to its signer
func Verify(env *Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	if crypto.Keccak256Hash(env.Payload) != env.Hash {
		return ErrHashMismatch
	}
	if len(env.Signature) != crypto.SignatureLength {
		return fmt.Errorf("invalid signature length: %d", len(env.Signature))
	}

	pub, err := crypto.SigToPub(env.Hash.Bytes(), env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignerMismatch, err)
	}
	if crypto.PubkeyToAddress(*pub) != env.Signer {
		return ErrSignerMismatch
	}
	return nil
}

// Open verifies env and decodes its summary
func Open(env *Envelope) (*model.Summary, error) {
	if err := Verify(env); err != nil {
		return nil, err
	}
	var summary model.Summary
	if err := json.Unmarshal(env.Payload, &summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return &summary, nil
}
