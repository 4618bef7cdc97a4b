// Package engine implements the optional Engine API driver (component K):
// a thin client over a consensus-client Engine API endpoint used to force
// block production on private/devnet chains that do not mine on their own.
// It is grounded on the teacher's raw-call shape in rpc.Client (direct
// CallContext against bespoke methods) rather than ethclient, since the
// Engine API namespace has no typed client in go-ethereum's public SDK.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Driver calls a consensus-client Engine API endpoint to advance the chain
// by one block on demand. It satisfies the EngineDriver interfaces used by
// both funding and spam.
type Driver struct {
	raw *gethrpc.Client
}

// jwtRoundTripper attaches a bearer Authorization header to every request
// made through it, so the header survives the rpc.Client's connection
// reuse rather than being set once at dial time and then forgotten.
type jwtRoundTripper struct {
	header string
	base   http.RoundTripper
}

func (t *jwtRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", t.header)
	return t.base.RoundTrip(req)
}

// Dial connects to an Engine API endpoint (typically the execution client's
// authrpc port). jwtToken, if non-empty, is sent as a bearer Authorization
// header on every request issued over the resulting client.
func Dial(ctx context.Context, url string, jwtToken string) (*Driver, error) {
	httpClient := http.DefaultClient
	if jwtToken != "" {
		httpClient = &http.Client{Transport: &jwtRoundTripper{
			header: "Bearer " + jwtToken,
			base:   http.DefaultTransport,
		}}
	}

	raw, err := gethrpc.DialHTTPWithClient(url, httpClient)
	if err != nil {
		return nil, fmt.Errorf("engine: dialing %q: %w", url, err)
	}
	return &Driver{raw: raw}, nil
}

// Close releases the underlying connection.
func (d *Driver) Close() { d.raw.Close() }

type forkchoiceState struct {
	HeadBlockHash      string `json:"headBlockHash"`
	SafeBlockHash      string `json:"safeBlockHash"`
	FinalizedBlockHash string `json:"finalizedBlockHash"`
}

type payloadAttributes struct {
	Timestamp             string   `json:"timestamp"`
	PrevRandao            string   `json:"prevRandao"`
	SuggestedFeeRecipient string   `json:"suggestedFeeRecipient"`
	Withdrawals           []string `json:"withdrawals"`
}

type forkchoiceResult struct {
	PayloadStatus struct {
		Status string `json:"status"`
	} `json:"payloadStatus"`
	PayloadID *string `json:"payloadId"`
}

// ForceBlock drives one forkchoiceUpdated/getPayload/newPayload/
// forkchoiceUpdated cycle against the current head, producing exactly one
// new block. It is the narrow surface the funding manager and dispatcher
// depend on (EngineDriver).
func (d *Driver) ForceBlock(ctx context.Context) error {
	head, err := d.currentHead(ctx)
	if err != nil {
		return fmt.Errorf("engine: resolving current head: %w", err)
	}

	state := forkchoiceState{HeadBlockHash: head, SafeBlockHash: head, FinalizedBlockHash: head}
	attrs := payloadAttributes{
		Timestamp:             fmt.Sprintf("0x%x", time.Now().Unix()),
		PrevRandao:            "0x" + repeatHex("00", 32),
		SuggestedFeeRecipient: "0x" + repeatHex("00", 20),
	}

	var fcResult forkchoiceResult
	if err := d.raw.CallContext(ctx, &fcResult, "engine_forkchoiceUpdatedV2", state, attrs); err != nil {
		return fmt.Errorf("engine: forkchoiceUpdated: %w", err)
	}
	if fcResult.PayloadID == nil {
		return fmt.Errorf("engine: forkchoiceUpdated did not return a payload id")
	}

	var payload map[string]interface{}
	if err := d.raw.CallContext(ctx, &payload, "engine_getPayloadV2", *fcResult.PayloadID); err != nil {
		return fmt.Errorf("engine: getPayload: %w", err)
	}
	executionPayload := payload["executionPayload"]

	var newPayloadResult struct {
		Status string `json:"status"`
	}
	if err := d.raw.CallContext(ctx, &newPayloadResult, "engine_newPayloadV2", executionPayload); err != nil {
		return fmt.Errorf("engine: newPayload: %w", err)
	}
	if newPayloadResult.Status != "VALID" && newPayloadResult.Status != "ACCEPTED" {
		return fmt.Errorf("engine: newPayload returned status %q", newPayloadResult.Status)
	}

	newHash, _ := executionPayload.(map[string]interface{})["blockHash"].(string)
	if newHash == "" {
		return fmt.Errorf("engine: new payload missing block hash")
	}
	finalState := forkchoiceState{HeadBlockHash: newHash, SafeBlockHash: newHash, FinalizedBlockHash: newHash}
	var finalResult forkchoiceResult
	if err := d.raw.CallContext(ctx, &finalResult, "engine_forkchoiceUpdatedV2", finalState, nil); err != nil {
		return fmt.Errorf("engine: finalizing forkchoiceUpdated: %w", err)
	}
	return nil
}

func (d *Driver) currentHead(ctx context.Context) (string, error) {
	var header struct {
		Hash string `json:"hash"`
	}
	if err := d.raw.CallContext(ctx, &header, "eth_getBlockByNumber", "latest", false); err != nil {
		return "", err
	}
	if header.Hash == "" {
		return "", fmt.Errorf("engine: latest block missing hash")
	}
	return header.Hash, nil
}

func repeatHex(pair string, n int) string {
	out := make([]byte, 0, len(pair)*n)
	for i := 0; i < n; i++ {
		out = append(out, pair...)
	}
	return string(out)
}
