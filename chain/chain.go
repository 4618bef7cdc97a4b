// Package chain wraps the Ethereum JSON-RPC surface consumed by the
// planner, funding manager, and dispatcher (§6). It plays the role the
// teacher's rpc.Client plays for Tezos: one thread-safe client wrapping an
// HTTP connection pool, with an observer-style subscription for new heads
// in place of tzgo's block/mempool observers.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Client wraps an ethclient.Client plus the raw *rpc.Client needed for
// batched and bespoke calls (eth_sendBundle, Engine API) that ethclient
// does not expose directly.
type Client struct {
	URL     string
	eth     *ethclient.Client
	raw     *gethrpc.Client
	chainID *big.Int
}

// Dial connects to url and resolves the chain id once, mirroring the
// teacher's Init/ResolveChainConfig step.
func Dial(ctx context.Context, url string) (*Client, error) {
	raw, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dialing %q: %w", url, err)
	}
	eth := ethclient.NewClient(raw)
	id, err := eth.ChainID(ctx)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("chain: fetching chain id from %q: %w", url, err)
	}
	return &Client{URL: url, eth: eth, raw: raw, chainID: id}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() { c.raw.Close() }

// ChainID returns the cached chain id resolved at Dial time.
func (c *Client) ChainID() *big.Int { return c.chainID }

// GenesisHash fetches the hash of block 0, used to scope the contract
// registry.
func (c *Client) GenesisHash(ctx context.Context) ([32]byte, error) {
	b, err := c.eth.HeaderByNumber(ctx, big.NewInt(0))
	if err != nil {
		return [32]byte{}, fmt.Errorf("chain: fetching genesis header: %w", err)
	}
	return b.Hash(), nil
}

// BalanceAt returns the balance of addr at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// NonceAt returns the pending transaction count for addr, used to seed
// the local nonce map on first use per §4.F.
func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

// SuggestGasPrice returns the node's current gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.eth.SuggestGasPrice(ctx)
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// SendRawTransaction submits one signed transaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.eth.SendTransaction(ctx, tx)
}

// SendRawTransactionsBatched submits txs as a single JSON-RPC batch of up
// to batchSize calls (0 or 1 disables batching and submits individually).
// Per-tx errors are returned positionally; a nil entry means success.
func (c *Client) SendRawTransactionsBatched(ctx context.Context, txs []*types.Transaction, batchSize int) []error {
	if batchSize <= 1 {
		errs := make([]error, len(txs))
		for i, tx := range txs {
			errs[i] = c.SendRawTransaction(ctx, tx)
		}
		return errs
	}

	errs := make([]error, len(txs))
	for start := 0; start < len(txs); start += batchSize {
		end := start + batchSize
		if end > len(txs) {
			end = len(txs)
		}
		chunk := txs[start:end]
		batch := make([]gethrpc.BatchElem, len(chunk))
		for i, tx := range chunk {
			raw, err := tx.MarshalBinary()
			if err != nil {
				errs[start+i] = fmt.Errorf("chain: encoding tx %s: %w", tx.Hash(), err)
				continue
			}
			batch[i] = gethrpc.BatchElem{
				Method: "eth_sendRawTransaction",
				Args:   []interface{}{"0x" + common.Bytes2Hex(raw)},
				Result: new(string),
			}
		}
		if err := c.raw.BatchCallContext(ctx, batch); err != nil {
			for i := range chunk {
				if errs[start+i] == nil {
					errs[start+i] = fmt.Errorf("chain: batch call failed: %w", err)
				}
			}
			continue
		}
		for i, elem := range batch {
			if elem.Error != nil && errs[start+i] == nil {
				errs[start+i] = fmt.Errorf("chain: %s", elem.Error)
			}
		}
	}
	return errs
}

// BundleResult is the response shape of a builder's eth_sendBundle call.
type BundleResult struct {
	BundleHash string `json:"bundleHash"`
}

// SendBundle submits an ordered set of raw transactions as one atomic
// bundle targeting blockNumber, via the builder endpoint's eth_sendBundle.
func (c *Client) SendBundle(ctx context.Context, txs []*types.Transaction, blockNumber uint64) (*BundleResult, error) {
	rawTxs := make([]string, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("chain: encoding bundle tx %d: %w", i, err)
		}
		rawTxs[i] = "0x" + common.Bytes2Hex(raw)
	}
	params := map[string]interface{}{
		"txs":         rawTxs,
		"blockNumber": fmt.Sprintf("0x%x", blockNumber),
	}
	var result BundleResult
	if err := c.raw.CallContext(ctx, &result, "eth_sendBundle", params); err != nil {
		return nil, fmt.Errorf("chain: eth_sendBundle: %w", err)
	}
	return &result, nil
}

// BlockReceipts fetches every receipt in the block identified by number via
// eth_getBlockReceipts.
func (c *Client) BlockReceipts(ctx context.Context, number uint64) ([]*types.Receipt, error) {
	var receipts []*types.Receipt
	numHex := fmt.Sprintf("0x%x", number)
	if err := c.raw.CallContext(ctx, &receipts, "eth_getBlockReceipts", numHex); err != nil {
		return nil, fmt.Errorf("chain: eth_getBlockReceipts(%d): %w", number, err)
	}
	return receipts, nil
}

// BlockTimestamp returns the timestamp (seconds) of block number.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	h, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("chain: fetching header %d: %w", number, err)
	}
	return h.Time, nil
}

// TransactionReceipt fetches a single receipt, returning
// ethereum.NotFound-wrapped errors unchanged for callers that branch on it.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	r, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// IsNotFound reports whether err is go-ethereum's not-found sentinel,
// surfaced so callers outside this package do not need to import
// go-ethereum directly just to branch on it.
func IsNotFound(err error) bool {
	return err == ethereum.NotFound
}

// HeadSubscription delivers new block numbers to dispatchers. They are
// always obtained by polling eth_blockNumber; native subscriptions are not
// attempted, so plain HTTP transports work unchanged.
type HeadSubscription struct {
	heads  chan uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Heads returns the channel new block numbers are delivered on.
func (h *HeadSubscription) Heads() <-chan uint64 { return h.heads }

// Close stops the subscription goroutine.
func (h *HeadSubscription) Close() {
	h.cancel()
	h.wg.Wait()
	close(h.heads)
}

// SubscribeNewHead starts a polling loop over eth_blockNumber at the given
// interval, emitting each newly observed block number exactly once. Native
// subscriptions (eth_subscribe) are not used because batch HTTP transports
// — the common deployment for load generators — do not support them.
func (c *Client) SubscribeNewHead(ctx context.Context, pollInterval time.Duration) *HeadSubscription {
	ctx, cancel := context.WithCancel(ctx)
	sub := &HeadSubscription{heads: make(chan uint64, 16), cancel: cancel}

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		var last uint64
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.BlockNumber(ctx)
				if err != nil {
					continue
				}
				if n > last {
					last = n
					select {
					case sub.heads <- n:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return sub
}

// FilterQuery re-exports go-ethereum's filter query type so callers that
// need log filtering do not need a second import of the root package.
type FilterQuery = ethereum.FilterQuery
