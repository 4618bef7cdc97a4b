package spam

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/txforge/evmspam/cancelgroup"
	"github.com/txforge/evmspam/chain"
	"github.com/txforge/evmspam/plan"
)

type rpcReq struct {
	Method string          `json:"method"`
	ID     json.RawMessage `json:"id"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

func stubChain(t *testing.T, blockNumbers func() string) *chain.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		var result interface{}
		switch req.Method {
		case "eth_chainId":
			result = "0x1"
		case "eth_blockNumber":
			result = blockNumbers()
		case "eth_sendRawTransaction":
			result = "0x" + "11"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	t.Cleanup(srv.Close)

	c, err := chain.Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func signTestTx(t *testing.T, nonce uint64) *types.Transaction {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &common.Address{0xaa},
		Value:    big.NewInt(1),
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	signer := types.NewEIP155Signer(big.NewInt(1))
	signed, err := types.SignTx(tx, signer, key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return signed
}

type recordingCallback struct {
	hashes []common.Hash
	errs   []error
}

func (r *recordingCallback) OnSubmitted(_ context.Context, hash common.Hash, _ int64, _ string, err error) {
	r.hashes = append(r.hashes, hash)
	r.errs = append(r.errs, err)
}

func TestBlockWiseRunSubmitsPerBlock(t *testing.T) {
	blocks := []string{"0x1", "0x2", "0x3"}
	idx := 0
	c := stubChain(t, func() string {
		if idx < len(blocks) {
			b := blocks[idx]
			idx++
			return b
		}
		return blocks[len(blocks)-1]
	})

	b := &BlockWise{Chain: c, RPCBatchSize: 0, TxsPerBlock: 2, NumBlocks: 2}

	requests := make([]plan.ExecutionRequest, 4)
	for i := range requests {
		requests[i] = plan.ExecutionRequest{Kind: plan.ExecutionTx, Tx: plan.TxRequest{Nonce: uint64(i)}}
	}

	var signed int
	sign := func(ctx context.Context, req plan.TxRequest) (*types.Transaction, error) {
		signed++
		return signTestTx(t, req.Nonce), nil
	}

	cb := &recordingCallback{}
	token := cancelgroup.New(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := b.Run(ctx, requests, sign, cb, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signed != 4 {
		t.Fatalf("expected all 4 requests signed across 2 blocks, got %d", signed)
	}
	if len(cb.hashes) != 4 {
		t.Fatalf("expected 4 submissions recorded, got %d", len(cb.hashes))
	}
}

func TestBlockWiseRunStopsOnCancel(t *testing.T) {
	c := stubChain(t, func() string { return "0x1" })
	b := &BlockWise{Chain: c, TxsPerBlock: 1, NumBlocks: 100}

	requests := []plan.ExecutionRequest{
		{Kind: plan.ExecutionTx, Tx: plan.TxRequest{Nonce: 0}},
	}
	sign := func(ctx context.Context, req plan.TxRequest) (*types.Transaction, error) {
		return signTestTx(t, req.Nonce), nil
	}
	cb := &recordingCallback{}
	token := cancelgroup.New(context.Background())
	token.Cancel()

	err := b.Run(context.Background(), requests, sign, cb, token)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestTimeWiseRunRejectsBundles(t *testing.T) {
	c := stubChain(t, func() string { return "0x1" })
	tw := &TimeWise{Chain: c, TxsPerSecond: 1, Duration: 2 * time.Second}

	requests := []plan.ExecutionRequest{
		{Kind: plan.ExecutionBundle, Bundle: []plan.TxRequest{{Nonce: 0}}},
	}
	sign := func(ctx context.Context, req plan.TxRequest) (*types.Transaction, error) {
		return signTestTx(t, req.Nonce), nil
	}
	cb := &recordingCallback{}
	token := cancelgroup.New(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := tw.Run(ctx, requests, sign, cb, token)
	if err == nil {
		t.Fatalf("expected error rejecting bundle in time-wise mode")
	}
}

func TestNilCallbackDoesNothing(t *testing.T) {
	var cb NilCallback
	cb.OnSubmitted(context.Background(), common.Hash{}, 0, "", nil)
}
