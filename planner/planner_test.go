package planner

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/txforge/evmspam/agent"
	"github.com/txforge/evmspam/funding"
	"github.com/txforge/evmspam/plan"
	"github.com/txforge/evmspam/registry"
)

func seedOf(b byte) [32]byte {
	var s [32]byte
	for i := range s {
		s[i] = b
	}
	return s
}

func newTestPlanner(t *testing.T) *Planner {
	t.Helper()
	store := agent.NewStore()
	store.Init([]string{"admin", "spammers"}, 4, seedOf(0x09))
	return &Planner{
		Agents:     store,
		Registry:   registry.NewMemoryRegistry(0),
		MasterSeed: seedOf(0x09),
		RPCURL:     "http://node",
	}
}

func sequentialNonce() func(context.Context, common.Address) (uint64, error) {
	nonces := map[common.Address]uint64{}
	return func(_ context.Context, addr common.Address) (uint64, error) {
		n := nonces[addr]
		nonces[addr] = n + 1
		return n, nil
	}
}

func TestPlanCreateRecordsBinding(t *testing.T) {
	p := newTestPlanner(t)
	defs := []plan.CreateDefinition{{Name: "token", Bytecode: "0x6080", FromPool: "admin"}}

	deployed := false
	err := p.PlanCreate(context.Background(), defs, nil, sequentialNonce(), func(ctx context.Context, name string, req plan.TxRequest) (DeployResult, error) {
		deployed = true
		addr := [20]byte{0xaa}
		return DeployResult{TxHash: [32]byte{0x01}, Address: &addr}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deployed {
		t.Fatalf("expected deploy callback invoked")
	}

	binding, err := p.Registry.GetNamedTx("token", "http://node", [32]byte{})
	require.NoError(t, err)
	require.NotNil(t, binding.Address)
	require.Equal(t, [20]byte{0xaa}, *binding.Address)
}

func TestPlanSetupForAllAccountsExpandsPerSigner(t *testing.T) {
	p := newTestPlanner(t)
	def := plan.FunctionCallDefinition{To: "0xaa", FromPool: "spammers", ForAllAccounts: true}

	tasks, err := p.PlanSetup(context.Background(), def, sequentialNonce())
	require.NoError(t, err)
	require.Len(t, tasks, 4, "expected one task per pool signer")
	seen := map[common.Address]bool{}
	for _, task := range tasks {
		if seen[task.Sender] {
			t.Fatalf("expected distinct senders per task")
		}
		seen[task.Sender] = true
	}
}

func TestPlanSetupSingleAccount(t *testing.T) {
	p := newTestPlanner(t)
	def := plan.FunctionCallDefinition{To: "0xaa", FromPool: "admin"}

	tasks, err := p.PlanSetup(context.Background(), def, sequentialNonce())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task, got %d", len(tasks))
	}
}

func TestPlanSpamEmitsCeilNOverSRequests(t *testing.T) {
	p := newTestPlanner(t)
	steps := []plan.SpamStep{
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{To: "0xaa", FromPool: "spammers", Signature: "transfer(address,uint256)", Args: []string{"0x00000000000000000000000000000000000000bb", "1"}}},
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{To: "0xaa", FromPool: "spammers", Signature: "transfer(address,uint256)", Args: []string{"0x00000000000000000000000000000000000000bb", "1"}}},
	}

	var emitted []plan.ExecutionRequest
	err := p.PlanSpam(context.Background(), steps, 5, sequentialNonce(), func(ctx context.Context, req plan.ExecutionRequest) error {
		emitted = append(emitted, req)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ceil(5/2) * 2 = 6
	if len(emitted) != 6 {
		t.Fatalf("expected 6 emitted requests, got %d", len(emitted))
	}
}

func TestPlanSpamZeroRequestsReturnsNothing(t *testing.T) {
	p := newTestPlanner(t)
	steps := []plan.SpamStep{
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{To: "0xaa", FromPool: "spammers"}},
	}
	called := false
	err := p.PlanSpam(context.Background(), steps, 0, sequentialNonce(), func(ctx context.Context, req plan.ExecutionRequest) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("expected no requests emitted for N=0")
	}
}

func TestPlanSpamFuzzValuesWithinBounds(t *testing.T) {
	p := newTestPlanner(t)
	min := "10"
	max := "20"
	steps := []plan.SpamStep{
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{
			To: "0xaa", FromPool: "spammers",
			Signature: "transfer(address to, uint256 amount)",
			Args:      []string{"0x00000000000000000000000000000000000000bb", "amount"},
			Fuzz:      []plan.Fuzz{{Param: strPtr("amount"), Min: &min, Max: &max}},
		}},
	}

	emitted := 0
	err := p.PlanSpam(context.Background(), steps, 10, sequentialNonce(), func(ctx context.Context, req plan.ExecutionRequest) error {
		emitted++
		require.Len(t, req.Tx.Calldata, 4+32+32)
		amount := new(big.Int).SetBytes(req.Tx.Calldata[4+32:])
		if amount.Cmp(big.NewInt(10)) < 0 || amount.Cmp(big.NewInt(20)) > 0 {
			t.Fatalf("fuzzed amount %s outside [%s, %s]", amount, min, max)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	require.Equal(t, 10, emitted)
}

func strPtr(s string) *string { return &s }

func TestBuildFuzzMapRejectsUnnamedTarget(t *testing.T) {
	p := newTestPlanner(t)
	steps := []plan.SpamStep{
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{
			To: "0xaa", FromPool: "spammers",
			Signature: "transfer(address,uint256)",
			Fuzz:      []plan.Fuzz{{Param: strPtr("nonexistent")}},
		}},
	}
	if _, err := p.BuildFuzzMap(steps, 3); err == nil {
		t.Fatalf("expected ErrFuzzTargetUnnamed")
	}
}

func TestPlanSetupAuthorizationRequiresTrackedSetcodeNonce(t *testing.T) {
	p := newTestPlanner(t)
	p.SetcodeSigner = common.HexToAddress("0xcc")
	// p.Nonces left nil: the setcode signer's nonce was never seeded.
	def := plan.FunctionCallDefinition{To: "0xaa", FromPool: "admin", AuthorizationAddress: "0xdd"}

	if _, err := p.PlanSetup(context.Background(), def, sequentialNonce()); !errors.Is(err, ErrNonceNotTracked) {
		t.Fatalf("expected ErrNonceNotTracked, got %v", err)
	}
}

func TestPlanSpamAuthorizationUsesDedicatedSetcodeSigner(t *testing.T) {
	p := newTestPlanner(t)
	setcode := common.HexToAddress("0xcc")
	p.SetcodeSigner = setcode
	p.Nonces = funding.NonceMap{setcode: 7}

	steps := []plan.SpamStep{
		{Kind: plan.SpamStepTx, Tx: plan.FunctionCallDefinition{
			To: "0xaa", FromPool: "spammers", AuthorizationAddress: "0xdd",
		}},
	}

	var emitted []plan.ExecutionRequest
	err := p.PlanSpam(context.Background(), steps, 3, sequentialNonce(), func(ctx context.Context, req plan.ExecutionRequest) error {
		emitted = append(emitted, req)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, emitted, 3)

	for i, req := range emitted {
		require.Equal(t, uint64(7+i), req.Tx.AuthorizationNonce, "iteration %d", i)
		require.NotEqual(t, common.HexToAddress(req.Tx.From), setcode, "setcode signer must differ from tx sender")
	}
}

func TestValidateCampaignStage(t *testing.T) {
	if err := ValidateCampaignStage(10, 5, 50); err != nil {
		t.Fatalf("unexpected error for exactly-sufficient rate*duration: %v", err)
	}
	if err := ValidateCampaignStage(1, 1, 50); err == nil {
		t.Fatalf("expected ErrCampaignRateTooLow")
	}
}
