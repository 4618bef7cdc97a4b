// Package txbuild constructs and signs go-ethereum transactions from a
// resolved plan.TxRequest. Its With* builder chain mirrors the shape of
// the teacher's codec.Op container: a mutable request collects fields
// across the planner/funding/dispatcher call chain, then Sign produces the
// final wire-ready transaction.
package txbuild

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// Kind selects the transaction envelope to build.
type Kind int

const (
	KindDynamicFee Kind = iota // EIP-1559, the default
	KindLegacy
	KindBlob  // EIP-4844
	KindSetCode // EIP-7702
)

// defaultFeeBoostPercent is the "× 1.1" default fee bump from §6: max fee
// per gas defaults to gas_price * 1.1 absent an explicit override.
const defaultFeeBoostPercent = 10

// Request accumulates the fields needed to build one transaction. Zero
// value is not usable; construct with NewRequest.
type Request struct {
	kind     Kind
	chainID  *big.Int
	nonce    uint64
	to       *common.Address
	value    *big.Int
	gasLimit uint64
	data     []byte
	gasPrice *big.Int // base fee estimate; boosted per WithFeeBoost
	tipCap   *big.Int
	boostPct int64

	blobFeeCap *big.Int
	blobHashes []common.Hash
	sidecar    *types.BlobTxSidecar

	authList []types.SetCodeAuthorization
}

// NewRequest starts a new builder for the given envelope kind on chainID.
func NewRequest(kind Kind, chainID *big.Int) *Request {
	return &Request{kind: kind, chainID: chainID, boostPct: defaultFeeBoostPercent}
}

// WithNonce sets the transaction nonce.
func (r *Request) WithNonce(n uint64) *Request { r.nonce = n; return r }

// WithTo sets the recipient; nil signals contract creation.
func (r *Request) WithTo(to *common.Address) *Request { r.to = to; return r }

// WithValue sets the wei value transferred.
func (r *Request) WithValue(v *big.Int) *Request { r.value = v; return r }

// WithGasLimit sets the gas limit.
func (r *Request) WithGasLimit(g uint64) *Request { r.gasLimit = g; return r }

// WithData sets the calldata or deployment bytecode.
func (r *Request) WithData(d []byte) *Request { r.data = d; return r }

// WithGasPrice sets the observed base gas price used to derive the fee cap.
func (r *Request) WithGasPrice(p *big.Int) *Request { r.gasPrice = p; return r }

// WithTipCap sets the EIP-1559 priority fee; defaults to gasPrice if unset.
func (r *Request) WithTipCap(t *big.Int) *Request { r.tipCap = t; return r }

// WithFeeBoost overrides the default 10% fee bump with an explicit percent.
func (r *Request) WithFeeBoost(percent int64) *Request { r.boostPct = percent; return r }

// WithBlobSidecar attaches an EIP-4844 sidecar; the caller is responsible
// for having already computed commitments and proofs onto it.
func (r *Request) WithBlobSidecar(sidecar *types.BlobTxSidecar, blobFeeCap *big.Int) *Request {
	r.sidecar = sidecar
	r.blobFeeCap = blobFeeCap
	if sidecar != nil {
		r.blobHashes = sidecar.BlobHashes()
	}
	return r
}

// WithAuthorizationList attaches an EIP-7702 authorization list.
func (r *Request) WithAuthorizationList(auths []types.SetCodeAuthorization) *Request {
	r.authList = auths
	return r
}

// feeCap returns gasPrice boosted by boostPct/100, i.e. the default
// gas_price * 1.1 rule with caller overrides applied.
func (r *Request) feeCap() *big.Int {
	if r.gasPrice == nil {
		return big.NewInt(0)
	}
	boosted := new(big.Int).Mul(r.gasPrice, big.NewInt(100+r.boostPct))
	return boosted.Div(boosted, big.NewInt(100))
}

func (r *Request) tip() *big.Int {
	if r.tipCap != nil {
		return r.tipCap
	}
	return r.gasPrice
}

// Build assembles the unsigned transaction envelope selected by Kind.
func (r *Request) Build() (*types.Transaction, error) {
	switch r.kind {
	case KindLegacy:
		return types.NewTx(&types.LegacyTx{
			Nonce:    r.nonce,
			To:       r.to,
			Value:    r.value,
			Gas:      r.gasLimit,
			GasPrice: r.feeCap(),
			Data:     r.data,
		}), nil

	case KindDynamicFee:
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   r.chainID,
			Nonce:     r.nonce,
			To:        r.to,
			Value:     r.value,
			Gas:       r.gasLimit,
			GasFeeCap: r.feeCap(),
			GasTipCap: r.tip(),
			Data:      r.data,
		}), nil

	case KindBlob:
		if r.to == nil {
			return nil, fmt.Errorf("txbuild: blob transactions require a recipient")
		}
		if r.sidecar == nil {
			return nil, fmt.Errorf("txbuild: blob transaction requested without a sidecar")
		}
		valU256, overflow := uint256.FromBig(r.value)
		if overflow {
			return nil, fmt.Errorf("txbuild: value overflows uint256")
		}
		feeCapU256, overflow := uint256.FromBig(r.feeCap())
		if overflow {
			return nil, fmt.Errorf("txbuild: fee cap overflows uint256")
		}
		tipU256, overflow := uint256.FromBig(r.tip())
		if overflow {
			return nil, fmt.Errorf("txbuild: tip cap overflows uint256")
		}
		blobFeeCapU256, overflow := uint256.FromBig(r.blobFeeCap)
		if overflow {
			return nil, fmt.Errorf("txbuild: blob fee cap overflows uint256")
		}
		chainIDU256, overflow := uint256.FromBig(r.chainID)
		if overflow {
			return nil, fmt.Errorf("txbuild: chain id overflows uint256")
		}
		return types.NewTx(&types.BlobTx{
			ChainID:    chainIDU256,
			Nonce:      r.nonce,
			GasTipCap:  tipU256,
			GasFeeCap:  feeCapU256,
			Gas:        r.gasLimit,
			To:         *r.to,
			Value:      valU256,
			Data:       r.data,
			BlobFeeCap: blobFeeCapU256,
			BlobHashes: r.blobHashes,
			Sidecar:    r.sidecar,
		}), nil

	case KindSetCode:
		valU256, overflow := uint256.FromBig(r.value)
		if overflow {
			return nil, fmt.Errorf("txbuild: value overflows uint256")
		}
		feeCapU256, overflow := uint256.FromBig(r.feeCap())
		if overflow {
			return nil, fmt.Errorf("txbuild: fee cap overflows uint256")
		}
		tipU256, overflow := uint256.FromBig(r.tip())
		if overflow {
			return nil, fmt.Errorf("txbuild: tip cap overflows uint256")
		}
		chainIDU256, overflow := uint256.FromBig(r.chainID)
		if overflow {
			return nil, fmt.Errorf("txbuild: chain id overflows uint256")
		}
		to := common.Address{}
		if r.to != nil {
			to = *r.to
		}
		return types.NewTx(&types.SetCodeTx{
			ChainID:   chainIDU256,
			Nonce:     r.nonce,
			GasTipCap: tipU256,
			GasFeeCap: feeCapU256,
			Gas:       r.gasLimit,
			To:        to,
			Value:     valU256,
			Data:      r.data,
			AuthList:  r.authList,
		}), nil

	default:
		return nil, fmt.Errorf("txbuild: unknown transaction kind %d", r.kind)
	}
}

// Sign builds and signs the transaction with priv using the latest signer
// for chainID (types.LatestSignerForChainID, which handles legacy, 1559,
// blob, and set-code envelopes uniformly).
func (r *Request) Sign(priv *ecdsa.PrivateKey) (*types.Transaction, error) {
	tx, err := r.Build()
	if err != nil {
		return nil, err
	}
	signer := types.LatestSignerForChainID(r.chainID)
	signed, err := types.SignTx(tx, signer, priv)
	if err != nil {
		return nil, fmt.Errorf("txbuild: signing transaction: %w", err)
	}
	return signed, nil
}

// BuildAuthorization signs a single EIP-7702 authorization for delegate
// under authorityPriv, at the given nonce. Callers assemble the slice for
// WithAuthorizationList; nonce must equal setcode_signer_nonce + iteration
// per the authorization contract.
func BuildAuthorization(chainID *big.Int, delegate common.Address, nonce uint64, authorityPriv *ecdsa.PrivateKey) (types.SetCodeAuthorization, error) {
	chainU256, overflow := uint256.FromBig(chainID)
	if overflow {
		return types.SetCodeAuthorization{}, fmt.Errorf("txbuild: chain id overflows uint256")
	}
	auth := types.SetCodeAuthorization{
		ChainID: *chainU256,
		Address: delegate,
		Nonce:   nonce,
	}
	signed, err := types.SignSetCode(authorityPriv, auth)
	if err != nil {
		return types.SetCodeAuthorization{}, fmt.Errorf("txbuild: signing authorization: %w", err)
	}
	return signed, nil
}

// RecoverSender returns the address that signed tx, useful for tests that
// assert the builder wired the right key.
func RecoverSender(tx *types.Transaction, chainID *big.Int) (common.Address, error) {
	signer := types.LatestSignerForChainID(chainID)
	return types.Sender(signer, tx)
}
