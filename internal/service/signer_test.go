package service

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	solana "github.com/gagliardetto/solana-go"
)

func TestSignersRoundTrip(t *testing.T) {
	payload := []byte(`{"version":1,"invoice_id":"inv-1"}`)
	for _, scheme := range []string{SchemeEd25519, SchemeSecp256k1} {
		s, err := NewSigner(scheme, "")
		if err != nil {
			t.Fatalf("%s: new: %v", scheme, err)
		}
		sig, err := s.Sign(payload)
		if err != nil {
			t.Fatalf("%s: sign: %v", scheme, err)
		}
		if err := VerifySignature(s.Scheme(), s.PublicKey(), payload, sig); err != nil {
			t.Fatalf("%s: verify: %v", scheme, err)
		}
		tampered := append([]byte(nil), payload...)
		tampered[len(tampered)-2] = 'X'
		if err := VerifySignature(s.Scheme(), s.PublicKey(), tampered, sig); err == nil {
			t.Fatalf("%s: tampered payload verified", scheme)
		}
		other, _ := NewSigner(scheme, "")
		if err := VerifySignature(s.Scheme(), other.PublicKey(), payload, sig); err == nil {
			t.Fatalf("%s: foreign key verified", scheme)
		}
	}
}

func TestNewSignerFromConfiguredKeys(t *testing.T) {
	edKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("ed25519 key: %v", err)
	}
	ed, err := NewSigner("ed25519", edKey.String())
	if err != nil {
		t.Fatalf("ed25519 signer: %v", err)
	}
	if ed.PublicKey() != edKey.PublicKey().String() {
		t.Fatalf("ed25519 pub=%s want=%s", ed.PublicKey(), edKey.PublicKey())
	}

	ecKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("secp256k1 key: %v", err)
	}
	ec, err := NewSigner("SECP256K1", "0x"+hex.EncodeToString(crypto.FromECDSA(ecKey)))
	if err != nil {
		t.Fatalf("secp256k1 signer: %v", err)
	}
	if want := "0x" + hex.EncodeToString(crypto.FromECDSAPub(&ecKey.PublicKey)); ec.PublicKey() != want {
		t.Fatalf("secp256k1 pub=%s want=%s", ec.PublicKey(), want)
	}
	if addr := ec.(*Secp256k1Signer).Address(); addr != crypto.PubkeyToAddress(ecKey.PublicKey).Hex() {
		t.Fatalf("address=%s", addr)
	}

	if _, err := NewSigner("rsa", ""); err == nil {
		t.Fatalf("unknown scheme accepted")
	}
	if _, err := NewSigner(SchemeSecp256k1, "not-hex"); err == nil {
		t.Fatalf("bad key accepted")
	}
}
