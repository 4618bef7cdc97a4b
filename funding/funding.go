// Package funding implements the nonce tracker and agent funding flow
// (component F): topping up newly derived signers from an admin account
// and threading a locally-maintained nonce map back to callers so bursts of
// submissions never rely on the RPC's transaction count mid-burst.
package funding

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/txforge/evmspam/chain"
	"github.com/txforge/evmspam/txbuild"
)

// ErrInsufficientFunderBalance is returned when the funding admin cannot
// cover every underfunded agent plus gas.
var ErrInsufficientFunderBalance = errors.New("funding: admin balance cannot cover required top-ups")

// ErrFundingTxTimedOut is returned when a funding transaction does not
// confirm within the configured timeout.
var ErrFundingTxTimedOut = errors.New("funding: transaction did not confirm before timeout")

// ErrFundingTxFailed is returned when a funding transaction reverted.
var ErrFundingTxFailed = errors.New("funding: transaction reverted")

const (
	// defaultSubmissionConcurrency bounds concurrent in-flight funding
	// submissions to avoid overwhelming the RPC endpoint, mirroring §4.F's
	// "channel capacity ≈ 9000" throttle scaled down to a realistic
	// goroutine-pool size for a single-process load generator.
	defaultSubmissionConcurrency = 64

	defaultConfirmTimeout = 24 * time.Second

	// engineForceEveryN is how many funding txs are submitted between
	// forced block productions on an idle dev chain with an engine driver
	// attached.
	engineForceEveryN = 100

	// defaultSubmitRatePerSecond caps how fast funding transactions leave
	// this process, independent of the goroutine-pool concurrency above,
	// so a burst of thousands of underfunded signers does not saturate a
	// shared RPC endpoint also serving the dispatcher.
	defaultSubmitRatePerSecond = 200
)

// EngineDriver is the narrow surface funding needs from the optional
// Engine API driver (component K): force one block forward.
type EngineDriver interface {
	ForceBlock(ctx context.Context) error
}

// NonceMap is an exclusive, caller-owned map of address -> next nonce to
// assign. It is never shared across goroutines without external
// synchronization. Next and FundAccounts update it in place rather than
// returning a copy, so the caller's map always holds the latest counters.
type NonceMap map[common.Address]uint64

// Next returns the next nonce for addr, fetching and seeding it from the
// chain on first use, then incrementing the map locally.
func (m NonceMap) Next(ctx context.Context, c *chain.Client, addr common.Address) (uint64, error) {
	n, ok := m[addr]
	if !ok {
		fetched, err := c.NonceAt(ctx, addr)
		if err != nil {
			return 0, fmt.Errorf("funding: fetching nonce for %s: %w", addr, err)
		}
		n = fetched
	}
	m[addr] = n + 1
	return n, nil
}

// Result reports the outcome of funding one address.
type Result struct {
	Address common.Address
	TxHash  common.Hash
	Err     error
}

// FundAccounts tops up every address below minBalance from funder, in a
// single burst of pre-assigned nonces, submitted concurrently and bounded
// by defaultSubmissionConcurrency. nonces is mutated in place (funder's
// counter is advanced); callers should pass the same map across calls.
func FundAccounts(
	ctx context.Context,
	c *chain.Client,
	addresses []common.Address,
	funder *SignerRef,
	minBalance *big.Int,
	txType txbuild.Kind,
	nonces NonceMap,
	engine EngineDriver,
) ([]Result, error) {
	underfunded, err := selectUnderfunded(ctx, c, addresses, minBalance)
	if err != nil {
		return nil, err
	}
	if len(underfunded) == 0 {
		return nil, nil
	}

	gasPrice, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("funding: fetching gas price: %w", err)
	}
	if err := checkFunderBalance(ctx, c, funder.Address, len(underfunded), minBalance, gasPrice); err != nil {
		return nil, err
	}

	firstNonce, err := nonces.Next(ctx, c, funder.Address)
	if err != nil {
		return nil, err
	}
	// Next() already advanced the map by one for the first tx; undo that
	// and assign the full burst explicitly so every tx's nonce is known
	// up front, matching the "pre-assigned nonces funder_nonce..funder_nonce+k"
	// contract.
	nonces[funder.Address] = firstNonce

	results := make([]Result, len(underfunded))
	sem := make(chan struct{}, defaultSubmissionConcurrency)
	limiter := rate.NewLimiter(rate.Limit(defaultSubmitRatePerSecond), defaultSubmitRatePerSecond)
	var wg sync.WaitGroup

	for i, addr := range underfunded {
		nonce, err := nonces.Next(ctx, c, funder.Address)
		if err != nil {
			return nil, err
		}

		wg.Add(1)
		go func(i int, addr common.Address, nonce uint64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := limiter.Wait(ctx); err != nil {
				results[i] = Result{Address: addr, Err: fmt.Errorf("funding: rate limiter: %w", err)}
				return
			}

			results[i] = submitFundingTx(ctx, c, funder, addr, minBalance, gasPrice, txType, nonce)

			if engine != nil && (i+1)%engineForceEveryN == 0 {
				_ = engine.ForceBlock(ctx)
			}
		}(i, addr, nonce)
	}
	wg.Wait()

	return results, nil
}

// SignerRef is the minimal signer surface funding needs; kept separate
// from agent.Signer to avoid funding depending on agent's package (agent
// does not need funding, but the reverse would create an import cycle were
// funding to live under agent).
type SignerRef struct {
	Address common.Address
	Sign    func(tx *txbuild.Request) (*types.Transaction, error)
}

func selectUnderfunded(ctx context.Context, c *chain.Client, addresses []common.Address, minBalance *big.Int) ([]common.Address, error) {
	var (
		mu  sync.Mutex
		out []common.Address
		eg  errgroup.Group
	)
	for _, addr := range addresses {
		addr := addr
		eg.Go(func() error {
			bal, err := c.BalanceAt(ctx, addr)
			if err != nil {
				return fmt.Errorf("funding: fetching balance for %s: %w", addr, err)
			}
			if bal.Cmp(minBalance) < 0 {
				mu.Lock()
				out = append(out, addr)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func checkFunderBalance(ctx context.Context, c *chain.Client, funder common.Address, count int, minBalance, gasPrice *big.Int) error {
	bal, err := c.BalanceAt(ctx, funder)
	if err != nil {
		return fmt.Errorf("funding: fetching funder balance: %w", err)
	}
	perTxGasCost := new(big.Int).Mul(big.NewInt(21000), gasPrice)
	perTxGasCost.Mul(perTxGasCost, big.NewInt(110))
	perTxGasCost.Div(perTxGasCost, big.NewInt(100))

	required := new(big.Int).Add(minBalance, perTxGasCost)
	required.Mul(required, big.NewInt(int64(count)))

	if bal.Cmp(required) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunderBalance, bal, required)
	}
	return nil
}

func submitFundingTx(ctx context.Context, c *chain.Client, funder *SignerRef, to common.Address, value, gasPrice *big.Int, txType txbuild.Kind, nonce uint64) Result {
	req := txbuild.NewRequest(txType, c.ChainID()).
		WithNonce(nonce).
		WithTo(&to).
		WithValue(value).
		WithGasLimit(21000).
		WithGasPrice(gasPrice)

	tx, err := funder.Sign(req)
	if err != nil {
		return Result{Address: to, Err: fmt.Errorf("funding: signing tx for %s: %w", to, err)}
	}

	if err := c.SendRawTransaction(ctx, tx); err != nil {
		return Result{Address: to, TxHash: tx.Hash(), Err: fmt.Errorf("funding: submitting tx for %s: %w", to, err)}
	}

	if err := awaitConfirmation(ctx, c, tx.Hash(), defaultConfirmTimeout); err != nil {
		return Result{Address: to, TxHash: tx.Hash(), Err: err}
	}
	return Result{Address: to, TxHash: tx.Hash()}
}

func awaitConfirmation(ctx context.Context, c *chain.Client, hash common.Hash, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			receipt, err := c.TransactionReceipt(ctx, hash)
			if err != nil {
				if chain.IsNotFound(err) {
					if time.Now().After(deadline) {
						return fmt.Errorf("%w: %s", ErrFundingTxTimedOut, hash)
					}
					continue
				}
				return fmt.Errorf("funding: fetching receipt for %s: %w", hash, err)
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return fmt.Errorf("%w: %s", ErrFundingTxFailed, hash)
			}
			return nil
		}
	}
}
