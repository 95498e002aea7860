package solanarpc

import (
	"context"
	"fmt"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
)

// TransactionSigner adds the engine's fee-payer signature to venue-built
// transactions.
type TransactionSigner struct {
	key solana.PrivateKey
}

func NewTransactionSigner(base58Key string) (*TransactionSigner, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(base58Key))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &TransactionSigner{key: key}, nil
}

func (s *TransactionSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *TransactionSigner) SignTransaction(_ context.Context, unsigned []byte) ([]byte, error) {
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(unsigned))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	signature, err := s.key.Sign(messageBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	accountIndex, err := tx.GetAccountIndex(s.key.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to get account index: %w", err)
	}
	if int(accountIndex) >= int(tx.Message.Header.NumRequiredSignatures) {
		return nil, fmt.Errorf("signer %s is not a required signer", s.key.PublicKey())
	}
	if len(tx.Signatures) <= int(accountIndex) {
		sigs := make([]solana.Signature, accountIndex+1)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[accountIndex] = signature
	return tx.MarshalBinary()
}
