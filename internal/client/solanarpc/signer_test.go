package solanarpc

import (
	"context"
	"testing"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

func TestSignTransactionPlacesFeePayerSignature(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signer, err := NewTransactionSigner(key.String())
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	program := solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	ix := solana.NewInstruction(program, solana.AccountMetaSlice{solana.Meta(key.PublicKey()).WRITE().SIGNER()}, []byte{1, 2, 3})
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.MustHashFromBase58("11111111111111111111111111111111"), solana.TransactionPayer(key.PublicKey()))
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
	unsigned, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	signed, err := signer.SignTransaction(context.Background(), unsigned)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := solana.TransactionFromDecoder(bin.NewBinDecoder(signed))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg, err := got.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if len(got.Signatures) != 1 || !got.Signatures[0].Verify(key.PublicKey(), msg) {
		t.Fatalf("signatures=%v", got.Signatures)
	}

	other, _ := solana.NewRandomPrivateKey()
	stranger, _ := NewTransactionSigner(other.String())
	if _, err := stranger.SignTransaction(context.Background(), unsigned); err == nil {
		t.Fatalf("signer outside the account list accepted")
	}
}

func TestSignTransactionRejectsGarbage(t *testing.T) {
	key, _ := solana.NewRandomPrivateKey()
	signer, _ := NewTransactionSigner(key.String())
	if _, err := signer.SignTransaction(context.Background(), []byte{0xff}); err == nil {
		t.Fatalf("garbage accepted")
	}
	if _, err := NewTransactionSigner("nope"); err == nil {
		t.Fatalf("bad key accepted")
	}
}
