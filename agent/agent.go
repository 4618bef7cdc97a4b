// Package agent implements named pools of deterministically derived signers
// (component B) — the Go analogue of the teacher's signer.Signer /
// signer.MemorySigner, generalized from one Tezos key to an indexable pool
// of Ethereum secp256k1 keys.
package agent

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/txforge/evmspam/seed"
)

// ErrSignerIndexOutOfRange is returned by Pool.Signer for an index beyond
// the pool's size.
var ErrSignerIndexOutOfRange = errors.New("agent: signer index out of range")

// ErrUnknownAgent is returned by Store.GetAgent for a name that was never
// added.
var ErrUnknownAgent = errors.New("agent: unknown agent pool")

// Signer is a single secp256k1 keypair and its derived address. Immutable
// once created.
type Signer struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewSigner wraps an existing private key.
func NewSigner(priv *ecdsa.PrivateKey) *Signer {
	return &Signer{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}
}

// PrivateKey returns the underlying secp256k1 key.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey { return s.priv }

// Address returns the signer's derived 20-byte address.
func (s *Signer) Address() common.Address { return s.addr }

// Pool is a named, ordered, deterministic sequence of signers: the i-th
// signer of pool P under seed S is a pure function of (S, P, i).
type Pool struct {
	Name    string
	Signers []*Signer
}

// NewPool derives count signers for name under masterSeed, in order.
func NewPool(masterSeed [32]byte, name string, count int) *Pool {
	stream := seed.ForPool(masterSeed, name)
	signers := make([]*Signer, count)
	for i := 0; i < count; i++ {
		v := stream.NextValidScalar()
		priv, err := crypto.ToECDSA(v.Bytes())
		if err != nil {
			// NextValidScalar already guarantees an in-range, non-zero
			// scalar, so ToECDSA cannot fail here.
			panic(fmt.Sprintf("agent: derived scalar rejected by crypto.ToECDSA: %v", err))
		}
		signers[i] = NewSigner(priv)
	}
	return &Pool{Name: name, Signers: signers}
}

// Signer returns the i-th signer, or ErrSignerIndexOutOfRange.
func (p *Pool) Signer(i int) (*Signer, error) {
	if i < 0 || i >= len(p.Signers) {
		return nil, fmt.Errorf("%w: pool %q has %d signers, index %d requested", ErrSignerIndexOutOfRange, p.Name, len(p.Signers), i)
	}
	return p.Signers[i], nil
}

// Addresses returns every signer's address, in pool order.
func (p *Pool) Addresses() []common.Address {
	out := make([]common.Address, len(p.Signers))
	for i, s := range p.Signers {
		out[i] = s.Address()
	}
	return out
}

// Store is a thread-safe mapping from pool name to Pool.
type Store struct {
	mu     sync.RWMutex
	agents map[string]*Pool
}

// NewStore returns an empty agent store.
func NewStore() *Store {
	return &Store{agents: make(map[string]*Pool)}
}

// Init ensures a pool exists for every name, deriving signersPerAgent
// signers under masterSeed for any name not already present. Existing pools
// are left untouched — Init is idempotent.
func (s *Store) Init(names []string, signersPerAgent int, masterSeed [32]byte) {
	for _, name := range names {
		if s.HasAgent(name) {
			continue
		}
		s.AddAgent(name, NewPool(masterSeed, name, signersPerAgent))
	}
}

// AddAgent registers pool under name, overwriting any existing pool of that
// name.
func (s *Store) AddAgent(name string, pool *Pool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[name] = pool
}

// GetAgent looks up a pool by name.
func (s *Store) GetAgent(name string) (*Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return p, nil
}

// HasAgent reports whether a pool is registered under name.
func (s *Store) HasAgent(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[name]
	return ok
}

// AllSigners returns every signer across every pool. Order across pools is
// unspecified; order within a pool is preserved.
func (s *Store) AllSigners() []*Signer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Signer
	for _, p := range s.agents {
		out = append(out, p.Signers...)
	}
	return out
}

// AllSignerAddresses returns the addresses of every signer across every
// pool.
func (s *Store) AllSignerAddresses() []common.Address {
	signers := s.AllSigners()
	out := make([]common.Address, len(signers))
	for i, sg := range signers {
		out[i] = sg.Address()
	}
	return out
}
