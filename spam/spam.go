// Package spam implements the dispatch layer (component G): block-wise and
// time-wise pacing engines that drive submission of planner-emitted
// execution requests through a signing provider, with cooperative
// cancellation and pluggable submission callbacks.
package spam

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/txforge/evmspam/cancelgroup"
	"github.com/txforge/evmspam/chain"
	"github.com/txforge/evmspam/ledger"
	"github.com/txforge/evmspam/plan"
	"github.com/txforge/evmspam/txactor"
)

// ErrCancelled is returned when a dispatch run is interrupted by a tripped
// cancellation token.
var ErrCancelled = errors.New("spam: dispatch cancelled")

// newHeadPollInterval is how frequently the block-wise dispatcher polls for
// chain head advancement.
const newHeadPollInterval = 500 * time.Millisecond

// Signer signs one transaction request for a given sender. Chosen sender
// addresses come from the agent pools resolved by the planner; this
// interface keeps the dispatcher ignorant of key material.
type Signer interface {
	Sign(ctx context.Context, sender common.Address, req plan.TxRequest, chainID, gasPrice interface{}) (*types.Transaction, error)
}

// SubmissionCallback observes a freshly submitted transaction. Two
// implementations are provided: NilCallback (fire and forget) and
// LogCallback (record into the Tx Actor).
type SubmissionCallback interface {
	OnSubmitted(ctx context.Context, hash common.Hash, startTsMs int64, kind string, submitErr error)
}

// NilCallback fires and forgets.
type NilCallback struct{}

// OnSubmitted does nothing.
func (NilCallback) OnSubmitted(context.Context, common.Hash, int64, string, error) {}

// LogCallback immediately records into the Tx Actor, optionally forcing a
// block via an Engine Driver.
type LogCallback struct {
	Actor  *txactor.Actor
	Engine EngineDriver
}

// EngineDriver is the narrow surface the dispatcher needs from the optional
// Engine API driver (component K).
type EngineDriver interface {
	ForceBlock(ctx context.Context) error
}

// OnSubmitted records the hash into the pending cache and optionally
// advances the chain.
func (l LogCallback) OnSubmitted(ctx context.Context, hash common.Hash, startTsMs int64, kind string, submitErr error) {
	var errMsg *string
	if submitErr != nil {
		m := submitErr.Error()
		errMsg = &m
	}
	l.Actor.SentRunTx(txactor.PendingRunTx{Hash: hash, StartTsMs: startTsMs, Kind: kind, Error: errMsg})
	if l.Engine != nil {
		_ = l.Engine.ForceBlock(ctx)
	}
}

// Dispatcher is the narrow interface both pacing strategies implement.
type Dispatcher interface {
	Run(ctx context.Context, requests []plan.ExecutionRequest, sign TxSigner, callback SubmissionCallback, token *cancelgroup.Token) error
}

// TxSigner signs one resolved request, producing a transaction ready for
// submission. Implemented by the caller (typically backed by agent.Store).
type TxSigner func(ctx context.Context, req plan.TxRequest) (*types.Transaction, error)

// BlockWise submits txsPerBlock requests on every new block head, for
// numBlocks blocks, optionally submitting Bundle requests via a builder
// endpoint.
type BlockWise struct {
	Chain          *chain.Client
	Ledger         ledger.Ledger
	RPCBatchSize   int
	TxsPerBlock    int
	NumBlocks      int
	BundleEndpoint bool // when true, bundles go through SendBundle; otherwise members submit individually
}

// Run drains requests, txsPerBlock at a time, once per observed new block,
// until numBlocks chunks have been submitted or the token trips.
func (b *BlockWise) Run(ctx context.Context, requests []plan.ExecutionRequest, sign TxSigner, callback SubmissionCallback, token *cancelgroup.Token) error {
	sub := b.Chain.SubscribeNewHead(ctx, newHeadPollInterval)
	defer sub.Close()

	blocksSubmitted := 0
	cursor := 0

	for blocksSubmitted < b.NumBlocks && cursor < len(requests) {
		select {
		case <-token.Done():
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Heads():
			end := cursor + b.TxsPerBlock
			if end > len(requests) {
				end = len(requests)
			}
			chunk := requests[cursor:end]
			cursor = end

			if err := b.submitChunk(ctx, chunk, sign, callback, token); err != nil {
				return err
			}
			blocksSubmitted++
		}
	}
	return nil
}

func (b *BlockWise) submitChunk(ctx context.Context, chunk []plan.ExecutionRequest, sign TxSigner, callback SubmissionCallback, token *cancelgroup.Token) error {
	var individualTxs []*types.Transaction

	for _, req := range chunk {
		if token.Cancelled() {
			return ErrCancelled
		}
		switch req.Kind {
		case plan.ExecutionTx:
			tx, err := sign(ctx, req.Tx)
			startTs := nowMs()
			if err != nil {
				callback.OnSubmitted(ctx, common.Hash{}, startTs, req.Tx.Kind, err)
				continue
			}
			individualTxs = append(individualTxs, tx)

		case plan.ExecutionBundle:
			if b.BundleEndpoint {
				if err := b.submitBundle(ctx, req.Bundle, sign, callback); err != nil {
					return err
				}
				continue
			}
			for _, member := range req.Bundle {
				tx, err := sign(ctx, member)
				startTs := nowMs()
				if err != nil {
					callback.OnSubmitted(ctx, common.Hash{}, startTs, member.Kind, err)
					continue
				}
				individualTxs = append(individualTxs, tx)
			}
		}
	}

	if len(individualTxs) == 0 {
		return nil
	}
	errs := b.Chain.SendRawTransactionsBatched(ctx, individualTxs, b.RPCBatchSize)
	for i, tx := range individualTxs {
		startTs := nowMs()
		callback.OnSubmitted(ctx, tx.Hash(), startTs, "", errs[i])
	}
	return nil
}

func (b *BlockWise) submitBundle(ctx context.Context, members []plan.TxRequest, sign TxSigner, callback SubmissionCallback) error {
	txs := make([]*types.Transaction, 0, len(members))
	for _, m := range members {
		tx, err := sign(ctx, m)
		if err != nil {
			return fmt.Errorf("spam: signing bundle member: %w", err)
		}
		txs = append(txs, tx)
	}
	blockNum, err := b.Chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("spam: fetching block number for bundle target: %w", err)
	}
	result, err := b.Chain.SendBundle(ctx, txs, blockNum+1)
	startTs := nowMs()
	if err != nil {
		for _, tx := range txs {
			callback.OnSubmitted(ctx, tx.Hash(), startTs, "bundle", err)
		}
		return nil
	}
	_ = result
	for _, tx := range txs {
		callback.OnSubmitted(ctx, tx.Hash(), startTs, "bundle", nil)
	}
	return nil
}

// TimeWise submits txsPerSecond requests on a fixed 1-second ticker, for
// duration. Bundles are unsupported in this mode per §4.G.
type TimeWise struct {
	Chain        *chain.Client
	RPCBatchSize int
	TxsPerSecond int
	Duration     time.Duration
}

// Run drains requests at a steady txsPerSecond rate until the requests are
// exhausted, the duration elapses, or the token trips.
func (tw *TimeWise) Run(ctx context.Context, requests []plan.ExecutionRequest, sign TxSigner, callback SubmissionCallback, token *cancelgroup.Token) error {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	deadline := time.Now().Add(tw.Duration)

	cursor := 0
	for cursor < len(requests) && time.Now().Before(deadline) {
		select {
		case <-token.Done():
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			end := cursor + tw.TxsPerSecond
			if end > len(requests) {
				end = len(requests)
			}

			var txs []*types.Transaction
			for _, req := range requests[cursor:end] {
				if req.Kind != plan.ExecutionTx {
					return fmt.Errorf("spam: time-wise dispatch does not support bundles")
				}
				tx, err := sign(ctx, req.Tx)
				startTs := nowMs()
				if err != nil {
					callback.OnSubmitted(ctx, common.Hash{}, startTs, req.Tx.Kind, err)
					continue
				}
				txs = append(txs, tx)
			}
			cursor = end

			if len(txs) == 0 {
				continue
			}
			errs := tw.Chain.SendRawTransactionsBatched(ctx, txs, tw.RPCBatchSize)
			for i, tx := range txs {
				startTs := nowMs()
				callback.OnSubmitted(ctx, tx.Hash(), startTs, "", errs[i])
			}
		}
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
