// Package txactor implements the single-owner receipt/accounting actor
// (component H): a mailbox goroutine holding the pending-hash cache, with
// background auto-flush on block advance, receipt reconciliation, and
// persistence into the Run Ledger. Grounded on the teacher's wallet.Monitor
// subscription-registry-plus-polling-loop shape, generalized from Tezos
// operation confirmation to Ethereum block receipts.
package txactor

import (
	"context"
	"fmt"
	"time"

	"github.com/echa/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/txforge/evmspam/chain"
	"github.com/txforge/evmspam/ledger"
)

// PendingRunTx lives in the actor's cache until its block is flushed.
type PendingRunTx struct {
	Hash      common.Hash
	StartTsMs int64
	Kind      string
	Error     *string
}

// consecutiveFailureWarnEvery controls auto-flush failure log spam per
// §4.H: warn on the 1st and every 10th consecutive failure.
const consecutiveFailureWarnEvery = 10

const autoFlushTick = 1 * time.Second

// Actor owns the pending cache exclusively; all access is via its mailbox.
type Actor struct {
	chain  *chain.Client
	ledger ledger.Ledger
	log    log.Logger

	mailbox chan message
	done    chan struct{}
}

// New starts the actor's mailbox goroutine.
func New(c *chain.Client, l ledger.Ledger, logger log.Logger) *Actor {
	if logger == nil {
		logger = log.Log
	}
	a := &Actor{
		chain:   c,
		ledger:  l,
		log:     logger,
		mailbox: make(chan message, 256),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

type message interface{ isMessage() }

type sentRunTx struct {
	tx PendingRunTx
}

func (sentRunTx) isMessage() {}

type removedRunTx struct {
	hash common.Hash
}

func (removedRunTx) isMessage() {}

type flushCache struct {
	runID       string
	targetBlock uint64
	reply       chan flushResult
}

func (flushCache) isMessage() {}

type flushResult struct {
	residual []PendingRunTx
	err      error
}

type dumpCache struct {
	runID string
	reply chan []PendingRunTx
}

func (dumpCache) isMessage() {}

type startAutoFlush struct {
	runID          string
	intervalBlocks uint64
}

func (startAutoFlush) isMessage() {}

type stopAutoFlush struct{}

func (stopAutoFlush) isMessage() {}

type stop struct{ reply chan struct{} }

func (stop) isMessage() {}

// SentRunTx appends tx to the pending cache.
func (a *Actor) SentRunTx(tx PendingRunTx) { a.mailbox <- sentRunTx{tx: tx} }

// RemovedRunTx removes hash from the cache, used on immediate submission
// errors that precede any chance of inclusion.
func (a *Actor) RemovedRunTx(hash common.Hash) { a.mailbox <- removedRunTx{hash: hash} }

// FlushCache awaits targetBlock, fetches its receipts, moves matching cache
// entries to the Run Ledger, and returns the residual (unmatched) cache.
func (a *Actor) FlushCache(ctx context.Context, runID string, targetBlock uint64) ([]PendingRunTx, error) {
	reply := make(chan flushResult, 1)
	select {
	case a.mailbox <- flushCache{runID: runID, targetBlock: targetBlock, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.residual, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DumpCache persists all remaining cache entries with null receipt fields
// and clears the cache.
func (a *Actor) DumpCache(ctx context.Context, runID string) ([]PendingRunTx, error) {
	reply := make(chan []PendingRunTx, 1)
	select {
	case a.mailbox <- dumpCache{runID: runID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case dumped := <-reply:
		return dumped, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StartAutoFlush enables background flushing every intervalBlocks blocks.
func (a *Actor) StartAutoFlush(runID string, intervalBlocks uint64) {
	a.mailbox <- startAutoFlush{runID: runID, intervalBlocks: intervalBlocks}
}

// StopAutoFlush disables background flushing.
func (a *Actor) StopAutoFlush() { a.mailbox <- stopAutoFlush{} }

// Stop drains the mailbox and exits the actor goroutine.
func (a *Actor) Stop() {
	reply := make(chan struct{})
	a.mailbox <- stop{reply: reply}
	<-reply
	<-a.done
}

type autoFlushState struct {
	enabled        bool
	runID          string
	intervalBlocks uint64
	lastFlushed    uint64
	consecutiveErr int
}

func (a *Actor) run() {
	defer close(a.done)

	cache := map[common.Hash]PendingRunTx{}
	af := autoFlushState{}
	ticker := time.NewTicker(autoFlushTick)
	defer ticker.Stop()

	for {
		select {
		case m := <-a.mailbox:
			switch msg := m.(type) {
			case sentRunTx:
				cache[msg.tx.Hash] = msg.tx

			case removedRunTx:
				delete(cache, msg.hash)

			case flushCache:
				residual, err := a.doFlush(context.Background(), cache, msg.runID, msg.targetBlock)
				if err == nil {
					cache = residual.cache
				}
				msg.reply <- flushResult{residual: mapValues(cache), err: err}

			case dumpCache:
				dumped := mapValues(cache)
				if err := a.persistDump(msg.runID, dumped); err != nil {
					a.log.Errorf("txactor: dump persistence failed for run %s: %v", msg.runID, err)
				}
				cache = map[common.Hash]PendingRunTx{}
				msg.reply <- dumped

			case startAutoFlush:
				// Seed lastFlushed from the chain's current height (minus
				// one) rather than leaving it at zero: on any chain not at
				// genesis, the ticker loop below only ever advances it by
				// one block per successful flush, so a zero seed would
				// force it to walk every historical block before catching
				// up to the present.
				lastFlushed := uint64(0)
				current, err := a.chain.BlockNumber(context.Background())
				if err != nil {
					a.log.Warnf("txactor: auto-flush start: fetching current block: %v", err)
				} else if current > 0 {
					lastFlushed = current - 1
				}
				af = autoFlushState{enabled: true, runID: msg.runID, intervalBlocks: msg.intervalBlocks, lastFlushed: lastFlushed}

			case stopAutoFlush:
				af.enabled = false

			case stop:
				msg.reply <- struct{}{}
				return
			}

		case <-ticker.C:
			if !af.enabled {
				continue
			}
			current, err := a.chain.BlockNumber(context.Background())
			if err != nil {
				a.recordAutoFlushFailure(&af, err)
				continue
			}
			if current < af.lastFlushed+af.intervalBlocks {
				continue
			}
			target := af.lastFlushed + 1
			residual, err := a.doFlush(context.Background(), cache, af.runID, target)
			if err != nil {
				a.recordAutoFlushFailure(&af, err)
				continue
			}
			cache = residual.cache
			af.lastFlushed = target
			if af.consecutiveErr > 0 {
				a.log.Infof("txactor: auto-flush recovered after %d consecutive failures", af.consecutiveErr)
				af.consecutiveErr = 0
			}
		}
	}
}

func (a *Actor) recordAutoFlushFailure(af *autoFlushState, err error) {
	af.consecutiveErr++
	if af.consecutiveErr == 1 || af.consecutiveErr%consecutiveFailureWarnEvery == 0 {
		a.log.Warnf("txactor: auto-flush failure #%d: %v", af.consecutiveErr, err)
	}
}

type flushOutcome struct {
	cache map[common.Hash]PendingRunTx
}

// doFlush fetches targetBlock's receipts and moves intersecting cache
// entries to the ledger; unmatched entries are retained. A failed receipt
// fetch is retried indefinitely with a 1-second backoff, per §4.H.
func (a *Actor) doFlush(ctx context.Context, cache map[common.Hash]PendingRunTx, runID string, targetBlock uint64) (flushOutcome, error) {
	var receipts []*types.Receipt
	for {
		r, err := a.chain.BlockReceipts(ctx, targetBlock)
		if err == nil {
			receipts = r
			break
		}
		select {
		case <-ctx.Done():
			return flushOutcome{}, ctx.Err()
		case <-time.After(1 * time.Second):
			continue
		}
	}

	blockTs, err := a.chain.BlockTimestamp(ctx, targetBlock)
	if err != nil {
		return flushOutcome{}, fmt.Errorf("txactor: fetching timestamp for block %d: %w", targetBlock, err)
	}

	byHash := map[common.Hash]*types.Receipt{}
	for _, r := range receipts {
		byHash[r.TxHash] = r
	}

	var toLedger []ledger.RunTx
	residual := map[common.Hash]PendingRunTx{}
	for hash, pending := range cache {
		r, matched := byHash[hash]
		if !matched {
			residual[hash] = pending
			continue
		}
		endTs := int64(blockTs) * 1000
		block := targetBlock
		gasUsed := r.GasUsed
		toLedger = append(toLedger, ledger.RunTx{
			TxHash:      hash,
			StartTsMs:   pending.StartTsMs,
			EndTsMs:     &endTs,
			Kind:        pending.Kind,
			Error:       pending.Error,
			BlockNumber: &block,
			GasUsed:     &gasUsed,
		})
	}

	if len(toLedger) > 0 {
		if err := a.ledger.InsertRunTxs(runID, toLedger); err != nil {
			return flushOutcome{}, fmt.Errorf("txactor: persisting flushed txs: %w", err)
		}
	}

	return flushOutcome{cache: residual}, nil
}

func (a *Actor) persistDump(runID string, dumped []PendingRunTx) error {
	if len(dumped) == 0 {
		return nil
	}
	rows := make([]ledger.RunTx, len(dumped))
	for i, p := range dumped {
		rows[i] = ledger.RunTx{TxHash: p.Hash, StartTsMs: p.StartTsMs, Kind: p.Kind, Error: p.Error}
	}
	return a.ledger.InsertRunTxs(runID, rows)
}

func mapValues(m map[common.Hash]PendingRunTx) []PendingRunTx {
	out := make([]PendingRunTx, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}
