package txbuild

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestFeeCapDefaultBoost(t *testing.T) {
	r := NewRequest(KindDynamicFee, big.NewInt(1)).WithGasPrice(big.NewInt(1000))
	fc := r.feeCap()
	if fc.Cmp(big.NewInt(1100)) != 0 {
		t.Fatalf("expected default 10%% boost to yield 1100, got %s", fc)
	}
}

func TestFeeCapCustomBoost(t *testing.T) {
	r := NewRequest(KindDynamicFee, big.NewInt(1)).WithGasPrice(big.NewInt(1000)).WithFeeBoost(50)
	fc := r.feeCap()
	if fc.Cmp(big.NewInt(1500)) != 0 {
		t.Fatalf("expected 50%% boost to yield 1500, got %s", fc)
	}
}

func TestSignDynamicFeeRoundTripsSender(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	chainID := big.NewInt(1337)

	to := common.HexToAddress("0x00000000000000000000000000000000000abc")
	tx, err := NewRequest(KindDynamicFee, chainID).
		WithNonce(0).
		WithTo(&to).
		WithValue(big.NewInt(1)).
		WithGasLimit(21000).
		WithGasPrice(big.NewInt(1_000_000_000)).
		Sign(priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender, err := RecoverSender(tx, chainID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender != addr {
		t.Fatalf("expected recovered sender %s, got %s", addr, sender)
	}
}

func TestSignLegacyRoundTripsSender(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	chainID := big.NewInt(1337)

	to := common.HexToAddress("0x00000000000000000000000000000000000abc")
	tx, err := NewRequest(KindLegacy, chainID).
		WithNonce(3).
		WithTo(&to).
		WithValue(big.NewInt(0)).
		WithGasLimit(21000).
		WithGasPrice(big.NewInt(1_000_000_000)).
		Sign(priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sender, err := RecoverSender(tx, chainID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender != addr {
		t.Fatalf("expected recovered sender %s, got %s", addr, sender)
	}
}

func TestBuildAuthorizationNonceOffset(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	delegate := common.HexToAddress("0x00000000000000000000000000000000000bbb")
	auth, err := BuildAuthorization(big.NewInt(1), delegate, 7, priv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth.Nonce != 7 || auth.Address != delegate {
		t.Fatalf("unexpected authorization: %+v", auth)
	}
}

func TestBuildBlobTxRequiresSidecar(t *testing.T) {
	to := common.HexToAddress("0x00000000000000000000000000000000000abc")
	r := NewRequest(KindBlob, big.NewInt(1)).WithTo(&to).WithValue(big.NewInt(0)).WithGasPrice(big.NewInt(1))
	if _, err := r.Build(); err == nil {
		t.Fatalf("expected error when no sidecar is attached")
	}
}
