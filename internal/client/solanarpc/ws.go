package solanarpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"nhooyr.io/websocket"

	"flowmint/internal/chain"
)

// SignatureWatcher waits for a single signature over signatureSubscribe.
// Each Wait dials its own connection.
type SignatureWatcher struct {
	url        string
	commitment rpc.CommitmentType
	nextID     atomic.Uint64
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Method string `json:"method,omitempty"`
	Params *struct {
		Subscription uint64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params,omitempty"`
}

func NewSignatureWatcher(url string, commitment rpc.CommitmentType) *SignatureWatcher {
	return &SignatureWatcher{url: strings.TrimSpace(url), commitment: commitment}
}

func (w *SignatureWatcher) Wait(ctx context.Context, sig solana.Signature) (*chain.Receipt, error) {
	if w == nil || w.url == "" {
		return nil, fmt.Errorf("ws url not configured")
	}
	conn, _, err := websocket.Dial(ctx, w.url, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	id := w.nextID.Add(1)
	payload, err := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "signatureSubscribe",
		Params:  []any{sig.String(), map[string]string{"commitment": string(w.commitment)}},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return nil, err
	}

	var subscription uint64
	subscribed := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.ID != nil && *msg.ID == id {
			if msg.Error != nil {
				return nil, fmt.Errorf("signatureSubscribe: %s", msg.Error.Message)
			}
			if err := json.Unmarshal(msg.Result, &subscription); err != nil {
				return nil, fmt.Errorf("signatureSubscribe result: %w", err)
			}
			subscribed = true
			continue
		}
		if msg.Method != "signatureNotification" || msg.Params == nil {
			continue
		}
		if subscribed && msg.Params.Subscription != subscription {
			continue
		}
		receipt := &chain.Receipt{Confirmed: true, Slot: msg.Params.Result.Context.Slot}
		if msg.Params.Result.Value.Err != nil {
			receipt.Err = describeTxError(msg.Params.Result.Value.Err)
		}
		return receipt, nil
	}
}
