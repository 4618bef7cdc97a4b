package scenario

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/txforge/evmspam/plan"
	"github.com/txforge/evmspam/txbuild"
)

type rpcReq struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     json.RawMessage `json:"id"`
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
}

func hash32() string { return "0x" + strings.Repeat("33", 32) }

func genesisHeader() map[string]interface{} {
	return map[string]interface{}{
		"parentHash":       hash32(),
		"sha3Uncles":       hash32(),
		"miner":            "0x" + strings.Repeat("00", 20),
		"stateRoot":        hash32(),
		"transactionsRoot": hash32(),
		"receiptsRoot":     hash32(),
		"logsBloom":        "0x" + strings.Repeat("00", 256),
		"difficulty":       "0x0",
		"number":           "0x0",
		"gasLimit":         "0x1c9c380",
		"gasUsed":          "0x0",
		"timestamp":        "0x1",
		"extraData":        "0x",
		"mixHash":          hash32(),
		"nonce":            "0x0000000000000000",
		"hash":             hash32(),
	}
}

// stubServer answers the narrow set of methods Open/FundAgents/Setup need,
// with every address already sufficiently funded so no funding
// transaction is ever submitted.
func stubServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		_ = json.NewDecoder(r.Body).Decode(&req)
		var result interface{}
		switch req.Method {
		case "eth_chainId":
			result = "0x1"
		case "eth_getBlockByNumber":
			result = genesisHeader()
		case "eth_getBalance":
			result = "0x56bc75e2d63100000" // 100 ether, plenty
		case "eth_gasPrice":
			result = "0x3b9aca00"
		case "eth_getTransactionCount":
			result = "0x0"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(url string) Config {
	var seed [32]byte
	for i := range seed {
		seed[i] = byte(i)
	}
	return Config{
		RPCURL:           url,
		MasterSeed:       seed,
		AgentPoolSize:    3,
		MinFunderBalance: big.NewInt(1),
		TxKind:           txbuild.KindDynamicFee,
	}
}

func TestOpenDerivesPoolsAndFunder(t *testing.T) {
	srv := stubServer(t)
	sc, err := Open(context.Background(), testConfig(srv.URL), []string{"admin", "spammers"}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sc.Close()

	pool, err := sc.agents.GetAgent("spammers")
	if err != nil {
		t.Fatalf("unexpected error resolving spammers pool: %v", err)
	}
	if len(pool.Signers) != 3 {
		t.Fatalf("expected 3 spammer signers, got %d", len(pool.Signers))
	}

	adminPool, err := sc.agents.GetAgent("admin")
	if err != nil {
		t.Fatalf("unexpected error resolving admin pool: %v", err)
	}
	adminSigner, err := adminPool.Signer(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sc.funder.Address != adminSigner.Address() {
		t.Fatalf("expected funder to be admin pool's signer 0")
	}
}

func TestFundAgentsSkipsAlreadyFundedAddresses(t *testing.T) {
	srv := stubServer(t)
	sc, err := Open(context.Background(), testConfig(srv.URL), []string{"admin", "spammers"}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sc.Close()

	results, err := sc.FundAgents(context.Background(), []string{"spammers"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no funding transactions for already-funded addresses, got %d", len(results))
	}
}

func TestSignForSpamProducesTransferTx(t *testing.T) {
	srv := stubServer(t)
	sc, err := Open(context.Background(), testConfig(srv.URL), []string{"admin", "spammers"}, "admin")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer sc.Close()

	pool, err := sc.agents.GetAgent("spammers")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sender, err := pool.Signer(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := plan.TxRequest{
		From:     sender.Address().Hex(),
		To:       "0x000000000000000000000000000000000000aa",
		GasLimit: 21000,
		Nonce:    0,
		Value:    &plan.AmountWei{Wei: "1000"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	tx, err := sc.SignForSpam(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tx.Nonce() != 0 {
		t.Fatalf("expected nonce 0, got %d", tx.Nonce())
	}
	if tx.Value().String() != "1000" {
		t.Fatalf("expected value 1000, got %s", tx.Value())
	}
}
