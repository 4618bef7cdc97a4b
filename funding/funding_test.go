package funding

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txforge/evmspam/chain"
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

func stubChain(t *testing.T, results map[string]interface{}) *chain.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		result, ok := results[req.Method]
		if !ok {
			t.Fatalf("unexpected method %q", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	t.Cleanup(srv.Close)

	c, err := chain.Dial(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error dialing stub: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestNonceMapFetchesOnceThenIncrementsLocally(t *testing.T) {
	c := stubChain(t, map[string]interface{}{
		"eth_chainId":                "0x1",
		"eth_getTransactionCount":    "0x5",
	})
	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	m := NonceMap{}

	first, err := m.Next(context.Background(), c, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != 5 {
		t.Fatalf("expected first nonce 5, got %d", first)
	}

	second, err := m.Next(context.Background(), c, addr)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != 6 {
		t.Fatalf("expected second nonce 6 without refetching, got %d", second)
	}
}

func TestFundAccountsNoUnderfundedIssuesZeroTxs(t *testing.T) {
	c := stubChain(t, map[string]interface{}{
		"eth_chainId":  "0x1",
		"eth_getBalance": "0xffffffffffffffffff",
	})
	addr := common.HexToAddress("0x00000000000000000000000000000000000001")
	funder := &SignerRef{Address: common.HexToAddress("0x00000000000000000000000000000000000002")}

	results, err := FundAccounts(context.Background(), c, []common.Address{addr}, funder, big.NewInt(1000), 0, NonceMap{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected zero funding txs when already funded, got %d", len(results))
	}
}
