// Package seed implements the deterministic pseudo-random value streams that
// back signer derivation and fuzz parameter generation (component A).
//
// Every stream is keyed off a 32-byte master seed plus a name. Two different
// names never share a stream, so adding or removing one fuzz parameter (or
// one agent pool) never perturbs the value sequence produced for any other
// name under the same master seed.
package seed

import (
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20"
)

// Value is one 32-byte draw from a Stream.
type Value [32]byte

// Bytes returns the raw bytes of the value.
func (v Value) Bytes() []byte { return v[:] }

// Big interprets the value as a big-endian unsigned integer.
func (v Value) Big() *big.Int { return new(big.Int).SetBytes(v[:]) }

// Stream is a counter-based keystream that yields an unbounded sequence of
// independent-looking 32-byte values for one (master seed, name) pair.
type Stream struct {
	cipher *chacha20.Cipher
}

// newStream builds a stream directly from a 32-byte ChaCha20 key.
func newStream(key [32]byte) *Stream {
	// ChaCha20 requires a nonce; streams derived for generation purposes
	// have no notion of message boundaries, so the zero nonce is used and
	// uniqueness comes entirely from the key.
	c, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Only possible cause is a key/nonce of the wrong length, which
		// cannot happen with the fixed-size arrays used here.
		panic(err)
	}
	return &Stream{cipher: c}
}

// ForParam returns the stream for an independent fuzz parameter (or any
// other named, keccak-derived stream). Per §4.A: H(master_seed ∥ name) with
// H = keccak256, then a counter-based PRNG advances the stream.
func ForParam(masterSeed [32]byte, name string) *Stream {
	key := crypto.Keccak256Hash(masterSeed[:], []byte(name))
	return newStream(key)
}

// ForPool returns the stream used to derive the i-th signer of agent pool
// name under masterSeed. Per §4.A: stream(S ⊕ as_integer(P)) where ⊕ is
// modular addition on the 256-bit representation — note this does not pass
// through keccak the way ForParam does; the combined integer is used
// directly as the stream key.
func ForPool(masterSeed [32]byte, poolName string) *Stream {
	return newStream(CombinePoolSeed(masterSeed, poolName))
}

// CombinePoolSeed computes S ⊕ as_integer(P) mod 2^256.
func CombinePoolSeed(masterSeed [32]byte, poolName string) [32]byte {
	s := new(big.Int).SetBytes(masterSeed[:])
	p := new(big.Int).SetBytes([]byte(poolName))
	mod := new(big.Int).Lsh(big.NewInt(1), 256)
	sum := new(big.Int).Add(s, p)
	sum.Mod(sum, mod)

	var out [32]byte
	sum.FillBytes(out[:])
	return out
}

// Next draws the next 32-byte value from the stream.
func (s *Stream) Next() Value {
	var v Value
	s.cipher.XORKeyStream(v[:], v[:])
	return v
}

// Values draws count values from the stream. When min and max are both
// non-nil, every returned value v satisfies min <= v <= max (inclusive); the
// full 256-bit range is used otherwise.
func (s *Stream) Values(count int, min, max *big.Int) []*big.Int {
	out := make([]*big.Int, count)
	var span *big.Int
	if min != nil && max != nil {
		span = new(big.Int).Sub(max, min)
		span.Add(span, big.NewInt(1))
	}
	for i := 0; i < count; i++ {
		v := s.Next().Big()
		if span != nil {
			v.Mod(v, span)
			v.Add(v, min)
		}
		out[i] = v
	}
	return out
}

// NextValidScalar draws 32-byte values from the stream until one is a valid
// secp256k1 private key scalar (non-zero, less than the curve order),
// rejection-sampling the rare out-of-range draw instead of biasing the
// distribution by reducing modulo N.
func (s *Stream) NextValidScalar() Value {
	for {
		v := s.Next()
		var scalar secp256k1.ModNScalar
		overflow := scalar.SetByteSlice(v[:])
		if !overflow && !scalar.IsZero() {
			return v
		}
	}
}
