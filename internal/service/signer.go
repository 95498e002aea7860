package service

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	solana "github.com/gagliardetto/solana-go"
)

const (
	SchemeEd25519   = "ed25519"
	SchemeSecp256k1 = "secp256k1"
)

// Signer produces detached signatures over attestation payloads.
type Signer interface {
	Scheme() string
	PublicKey() string
	Sign(payload []byte) (string, error)
}

// NewSigner builds a signer for scheme from an encoded private key: base58
// for ed25519 (Solana keypair), hex for secp256k1. An empty key generates an
// ephemeral one, which is only suitable for development.
func NewSigner(scheme, privateKey string) (Signer, error) {
	privateKey = strings.TrimSpace(privateKey)
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "", SchemeEd25519:
		if privateKey == "" {
			key, err := solana.NewRandomPrivateKey()
			if err != nil {
				return nil, err
			}
			return &Ed25519Signer{key: key}, nil
		}
		key, err := solana.PrivateKeyFromBase58(privateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid ed25519 private key: %w", err)
		}
		return &Ed25519Signer{key: key}, nil
	case SchemeSecp256k1:
		if privateKey == "" {
			key, err := crypto.GenerateKey()
			if err != nil {
				return nil, err
			}
			return &Secp256k1Signer{key: key}, nil
		}
		key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("invalid secp256k1 private key: %w", err)
		}
		return &Secp256k1Signer{key: key}, nil
	}
	return nil, fmt.Errorf("unsupported signer scheme %q", scheme)
}

type Ed25519Signer struct {
	key solana.PrivateKey
}

func (s *Ed25519Signer) Scheme() string { return SchemeEd25519 }

func (s *Ed25519Signer) PublicKey() string { return s.key.PublicKey().String() }

func (s *Ed25519Signer) Sign(payload []byte) (string, error) {
	sig, err := s.key.Sign(payload)
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// Secp256k1Signer signs the keccak256 digest of the payload.
type Secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

func (s *Secp256k1Signer) Scheme() string { return SchemeSecp256k1 }

func (s *Secp256k1Signer) PublicKey() string {
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(&s.key.PublicKey))
}

// Address is the Ethereum-style address of the signing key.
func (s *Secp256k1Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *Secp256k1Signer) Sign(payload []byte) (string, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// VerifySignature checks a detached signature produced by a Signer of scheme.
func VerifySignature(scheme, publicKey string, payload []byte, signature string) error {
	switch scheme {
	case SchemeEd25519:
		pub, err := solana.PublicKeyFromBase58(publicKey)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		sig, err := solana.SignatureFromBase58(signature)
		if err != nil {
			return fmt.Errorf("invalid signature encoding: %w", err)
		}
		if !sig.Verify(pub, payload) {
			return fmt.Errorf("signature does not match payload")
		}
		return nil
	case SchemeSecp256k1:
		pub, err := hex.DecodeString(strings.TrimPrefix(publicKey, "0x"))
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
		if err != nil {
			return fmt.Errorf("invalid signature encoding: %w", err)
		}
		if len(sig) != 65 {
			return fmt.Errorf("signature length %d, want 65", len(sig))
		}
		if !crypto.VerifySignature(pub, crypto.Keccak256(payload), sig[:64]) {
			return fmt.Errorf("signature does not match payload")
		}
		return nil
	}
	return fmt.Errorf("unsupported signer scheme %q", scheme)
}
