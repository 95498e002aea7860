// Package solanarpc submits and confirms settlement transactions on Solana.
package solanarpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"flowmint/internal/apperr"
	"flowmint/internal/chain"
	"flowmint/internal/models"
)

const (
	chainName           = "solana"
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 60 * time.Second
	// Jupiter's program error for an output below the slippage threshold.
	slippageProgramError = 6001
)

// RPC is the subset of the solana-go RPC client used here.
type RPC interface {
	SendRawTransactionWithOpts(ctx context.Context, rawTx []byte, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

type Client struct {
	rpc          RPC
	ws           *SignatureWatcher
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	logger       *zap.Logger
}

type Options struct {
	RPCURL string
	// WSURL enables signatureSubscribe; polling is used when empty or when
	// the subscription fails.
	WSURL        string
	Commitment   string
	PollInterval time.Duration
	Logger       *zap.Logger
	// RPC overrides the client built from RPCURL.
	RPC RPC
}

func NewClient(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.RPC
	if client == nil {
		client = rpc.New(opts.RPCURL)
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	commitment := rpc.CommitmentType(strings.ToLower(strings.TrimSpace(opts.Commitment)))
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	c := &Client{rpc: client, commitment: commitment, pollInterval: poll, logger: logger}
	if strings.TrimSpace(opts.WSURL) != "" {
		c.ws = NewSignatureWatcher(opts.WSURL, commitment)
	}
	return c
}

func (c *Client) Name() string { return chainName }

func (c *Client) Submit(ctx context.Context, signedTx []byte) (string, error) {
	if len(signedTx) == 0 {
		return "", apperr.Validation(apperr.CodeMissingArtifact, "signed transaction is empty")
	}
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, signedTx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return sig.String(), nil
}

// Confirm waits until the transaction reaches the configured commitment or
// req.Timeout elapses. A timeout yields an unconfirmed receipt, not an error.
func (c *Client) Confirm(ctx context.Context, req chain.ConfirmRequest) (*chain.Receipt, error) {
	sig, err := solana.SignatureFromBase58(req.TxRef)
	if err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidInput, fmt.Sprintf("invalid signature %q", req.TxRef), "tx_ref")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	receipt, err := c.wait(waitCtx, sig)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &chain.Receipt{TxRef: req.TxRef}, nil
		}
		return nil, err
	}
	receipt.TxRef = req.TxRef
	if receipt.Confirmed && receipt.Err == "" && req.Mint != "" && req.Owner != "" {
		out, err := c.outputAmount(ctx, sig, req.Mint, req.Owner)
		if err != nil {
			c.logger.Warn("token balance lookup failed", zap.String("tx", req.TxRef), zap.Error(err))
		} else {
			receipt.OutputAmount = out
		}
	}
	return receipt, nil
}

func (c *Client) wait(ctx context.Context, sig solana.Signature) (*chain.Receipt, error) {
	if c.ws != nil {
		res, err := c.ws.Wait(ctx, sig)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Warn("signature subscription failed, polling", zap.String("tx", sig.String()), zap.Error(err))
	}
	return c.poll(ctx, sig)
}

func (c *Client) poll(ctx context.Context, sig solana.Signature) (*chain.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err != nil && ctx.Err() == nil {
			c.logger.Debug("signature status poll failed", zap.String("tx", sig.String()), zap.Error(err))
		}
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return &chain.Receipt{Confirmed: true, Slot: st.Slot, Err: describeTxError(st.Err)}, nil
			}
			if reached(st.ConfirmationStatus, c.commitment) {
				return &chain.Receipt{Confirmed: true, Slot: st.Slot}, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func reached(status rpc.ConfirmationStatusType, want rpc.CommitmentType) bool {
	rank := func(s string) int {
		switch s {
		case "processed":
			return 1
		case "confirmed":
			return 2
		case "finalized":
			return 3
		}
		return 0
	}
	got := rank(string(status))
	return got > 0 && got >= rank(string(want))
}

// describeTxError flattens the RPC error object. Slippage failures are
// reported with the word "slippage" so the retry classifier requotes.
func describeTxError(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	s := string(b)
	if strings.Contains(s, fmt.Sprintf(`"Custom":%d`, slippageProgramError)) {
		return "slippage tolerance exceeded: " + s
	}
	return s
}

// outputAmount is the owner's balance increase of mint within the transaction.
func (c *Client) outputAmount(ctx context.Context, sig solana.Signature, mint, owner string) (*models.Amount, error) {
	maxVersion := uint64(0)
	tx, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return nil, err
	}
	if tx == nil || tx.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no meta", sig)
	}
	pre := tokenBalance(tx.Meta.PreTokenBalances, mint, owner)
	post := tokenBalance(tx.Meta.PostTokenBalances, mint, owner)
	delta := new(big.Int).Sub(post, pre)
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("no %s received by %s", mint, owner)
	}
	out := models.AmountFromBig(delta)
	return &out, nil
}

func tokenBalance(balances []rpc.TokenBalance, mint, owner string) *big.Int {
	total := new(big.Int)
	for _, b := range balances {
		if b.Owner == nil || b.Owner.String() != owner || b.Mint.String() != mint || b.UiTokenAmount == nil {
			continue
		}
		if v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
			total.Add(total, v)
		}
	}
	return total
}
