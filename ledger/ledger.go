// Package ledger implements the run-metadata persistence interface
// consumed by the dispatcher and Tx Actor (component J). As with registry,
// real persistence is an external collaborator; this package specifies the
// narrow interface plus an in-memory implementation for tests and
// embedding.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunRequest describes a run at creation time.
type RunRequest struct {
	ScenarioName  string
	CampaignID    *string
	StageName     *string
	RPCURL        string
	Rate          uint64
	Duration      time.Duration
	PendingTimeout time.Duration
}

// Run is a persisted run record.
type Run struct {
	ID           string
	Timestamp    time.Time
	TxCount      uint64
	ScenarioName string
	CampaignID   *string
	StageName    *string
	RPCURL       string
	Rate         uint64
	Duration     time.Duration
}

// RunTx is a persisted per-transaction record, written once the Tx Actor
// reconciles a hash against a block's receipts (or dumps it at run end).
type RunTx struct {
	TxHash      [32]byte
	StartTsMs   int64
	EndTsMs     *int64
	Kind        string
	Error       *string
	BlockNumber *uint64
	GasUsed     *uint64
}

// Histogram is a minimal latency accumulator: it keeps the raw samples and
// reports their count and mean; it computes no percentiles. It is
// intentionally stdlib-only: this module's latency reporting need is a
// summary written once at flush time, not a queryable time-series —
// pulling in a metrics client (Prometheus,
// StatsD) for a single in-process histogram used only at persistence time
// would add a push/scrape model this component never needs.
type Histogram struct {
	mu      sync.Mutex
	samples []time.Duration
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, d)
}

// Count returns the number of recorded samples.
func (h *Histogram) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}

// Mean returns the arithmetic mean of recorded samples, or 0 if empty.
func (h *Histogram) Mean() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range h.samples {
		sum += s
	}
	return sum / time.Duration(len(h.samples))
}

// Ledger is the narrow interface the dispatcher and Tx Actor depend on.
type Ledger interface {
	InsertRun(req RunRequest) (string, error)
	InsertRunTxs(runID string, txs []RunTx) error
	InsertLatencyMetrics(runID string, metrics map[string]*Histogram) error
}

// MemoryLedger is an in-memory, thread-safe Ledger.
type MemoryLedger struct {
	mu       sync.RWMutex
	runs     map[string]Run
	txs      map[string][]RunTx
	latency  map[string]map[string]*Histogram
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		runs:    make(map[string]Run),
		txs:     make(map[string][]RunTx),
		latency: make(map[string]map[string]*Histogram),
	}
}

// InsertRun registers a new run and returns its generated id. The
// dispatcher registers run_id before submitting the first tx of a session
// per §4.J.
func (l *MemoryLedger) InsertRun(req RunRequest) (string, error) {
	id := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs[id] = Run{
		ID:           id,
		Timestamp:    runTimestamp(),
		ScenarioName: req.ScenarioName,
		CampaignID:   req.CampaignID,
		StageName:    req.StageName,
		RPCURL:       req.RPCURL,
		Rate:         req.Rate,
		Duration:     req.Duration,
	}
	return id, nil
}

// runTimestamp returns the wall-clock instant recorded on a new run. It is a
// plain function, not a replaceable variable, so tests cannot substitute a
// fixed instant.
func runTimestamp() time.Time { return time.Now() }

// InsertRunTxs appends txs to runID's persisted record.
func (l *MemoryLedger) InsertRunTxs(runID string, txs []RunTx) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[runID]; !ok {
		return fmt.Errorf("ledger: unknown run %q", runID)
	}
	l.txs[runID] = append(l.txs[runID], txs...)
	run := l.runs[runID]
	run.TxCount += uint64(len(txs))
	l.runs[runID] = run
	return nil
}

// InsertLatencyMetrics records a per-method histogram set for runID.
func (l *MemoryLedger) InsertLatencyMetrics(runID string, metrics map[string]*Histogram) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.runs[runID]; !ok {
		return fmt.Errorf("ledger: unknown run %q", runID)
	}
	l.latency[runID] = metrics
	return nil
}

// RunTxs returns the persisted tx records for runID, for tests and
// reporting.
func (l *MemoryLedger) RunTxs(runID string) []RunTx {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RunTx, len(l.txs[runID]))
	copy(out, l.txs[runID])
	return out
}

// GetRun returns the persisted run record, if any.
func (l *MemoryLedger) GetRun(runID string) (Run, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.runs[runID]
	return r, ok
}
