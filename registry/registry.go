// Package registry implements the contract-binding lookup interface
// consumed by the templater and planner (component I). Persistence itself
// is an external collaborator per scope; this package provides the narrow
// interface plus an in-memory implementation suitable for tests and for
// embedding behind a real store.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrNotFound is returned by Registry.GetNamedTx when no binding exists for
// the given name within the (rpc_url, genesis_hash) scope.
var ErrNotFound = errors.New("registry: no binding for name in this chain scope")

// Binding is a single name -> deployment record, scoped to the chain it was
// created on.
type Binding struct {
	Name        string
	TxHash      [32]byte
	Address     *[20]byte // nil until the deployment receipt confirms an address
	RPCURL      string
	GenesisHash [32]byte
}

// Registry is the narrow interface the planner and templater depend on.
// Genesis-hash lookups MUST be case-insensitive on the hex encoding;
// MemoryRegistry enforces this through scopeKey below.
type Registry interface {
	GetRPCURLID(url string, genesisHash [32]byte) uint64
	InsertNamedTxs(txs []Binding, url string, genesisHash [32]byte) error
	GetNamedTx(name, url string, genesisHash [32]byte) (Binding, error)
}

// scopeKey combines an RPC URL with a case-insensitive genesis hash hex
// string so that a scenario rerun against a different chain never reads a
// stale binding.
func scopeKey(url string, genesisHash [32]byte) string {
	return url + "#" + strings.ToLower(fmt.Sprintf("%x", genesisHash))
}

// MemoryRegistry is an in-memory, thread-safe Registry. It also assigns a
// monotonically increasing integer id to each distinct (url, genesis_hash)
// scope the first time it is seen, mirroring get_rpc_url_id's contract.
type MemoryRegistry struct {
	mu       sync.RWMutex
	scopeIDs map[string]uint64
	nextID   uint64
	bindings map[string]*lru.Cache[string, Binding] // scopeKey -> (name -> Binding)
	cacheSize int
}

// NewMemoryRegistry returns an empty registry. cacheSize bounds the number
// of bindings retained per chain scope; 0 selects a sensible default.
func NewMemoryRegistry(cacheSize int) *MemoryRegistry {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	return &MemoryRegistry{
		scopeIDs: make(map[string]uint64),
		bindings: make(map[string]*lru.Cache[string, Binding]),
		cacheSize: cacheSize,
	}
}

// GetRPCURLID returns a stable integer id for the (url, genesis_hash)
// scope, assigning a new one on first use.
func (r *MemoryRegistry) GetRPCURLID(url string, genesisHash [32]byte) uint64 {
	key := scopeKey(url, genesisHash)

	r.mu.RLock()
	id, ok := r.scopeIDs[key]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.scopeIDs[key]; ok {
		return id
	}
	r.nextID++
	r.scopeIDs[key] = r.nextID
	return r.nextID
}

// InsertNamedTxs records txs into the (url, genesis_hash) scope, overwriting
// any existing binding with the same name.
func (r *MemoryRegistry) InsertNamedTxs(txs []Binding, url string, genesisHash [32]byte) error {
	key := scopeKey(url, genesisHash)

	r.mu.Lock()
	defer r.mu.Unlock()
	cache, ok := r.bindings[key]
	if !ok {
		c, err := lru.New[string, Binding](r.cacheSize)
		if err != nil {
			return fmt.Errorf("registry: allocating cache for scope %q: %w", key, err)
		}
		cache = c
		r.bindings[key] = cache
	}
	for _, b := range txs {
		cache.Add(strings.ToLower(b.Name), b)
	}
	return nil
}

// GetNamedTx looks up a binding by name within the (url, genesis_hash)
// scope. Name matching is case-insensitive to match the genesis-hash
// case-insensitivity requirement's spirit and avoid placeholder-key drift.
func (r *MemoryRegistry) GetNamedTx(name, url string, genesisHash [32]byte) (Binding, error) {
	key := scopeKey(url, genesisHash)

	r.mu.RLock()
	cache, ok := r.bindings[key]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, fmt.Errorf("%w: name=%q scope=%q", ErrNotFound, name, key)
	}
	b, ok := cache.Get(strings.ToLower(name))
	if !ok {
		return Binding{}, fmt.Errorf("%w: name=%q scope=%q", ErrNotFound, name, key)
	}
	return b, nil
}
