// Package scenario composes the seeder, agent store, planner, funding
// manager, chain client, dispatcher, tx actor, registry, and run ledger
// into the top-level configure -> deploy -> setup -> spam control flow
// (the top-level composition that drives components A–J, as distinct from
// the optional Engine API driver, component K, in package engine).
package scenario

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/txforge/evmspam/agent"
	"github.com/txforge/evmspam/cancelgroup"
	"github.com/txforge/evmspam/chain"
	"github.com/txforge/evmspam/funding"
	"github.com/txforge/evmspam/ledger"
	"github.com/txforge/evmspam/plan"
	"github.com/txforge/evmspam/planner"
	"github.com/txforge/evmspam/registry"
	"github.com/txforge/evmspam/spam"
	"github.com/txforge/evmspam/txactor"
	"github.com/txforge/evmspam/txbuild"
)

// Config configures one Scenario instance. AgentPoolSize is the number of
// signers derived per referenced pool; MinFunderBalance gates which
// signers get topped up before setup/spam runs.
type Config struct {
	RPCURL           string
	MasterSeed       [32]byte
	AgentPoolSize    int
	MinFunderBalance *big.Int
	TxKind           txbuild.Kind
	Engine           spam.EngineDriver // optional
	Logger           interface {
		Infof(string, ...interface{})
		Warnf(string, ...interface{})
		Errorf(string, ...interface{})
	}
}

// reservedSetcodePoolName derives the dedicated EIP-7702 authority signer.
// It is never registered in the agent store, so it cannot be selected as an
// ordinary transaction sender via from_pool.
const reservedSetcodePoolName = "_setcode_signer"

// Scenario is the composition root: one instance per scenario document,
// reused across its deploy/setup/spam phases.
type Scenario struct {
	cfg           Config
	chain         *chain.Client
	agents        *agent.Store
	reg           registry.Registry
	ledger        ledger.Ledger
	planner       *planner.Planner
	actor         *txactor.Actor
	funder        *funding.SignerRef
	setcodeSigner *agent.Signer
	nonces        funding.NonceMap
	runID         string
}

// Open dials the RPC endpoint, resolves the genesis hash, and wires every
// component together. cfg.MasterSeed is the single root of determinism for
// every derived signer and fuzz stream across the run.
func Open(ctx context.Context, cfg Config, poolNames []string, funderPool string) (*Scenario, error) {
	c, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, err
	}
	genesisHash, err := c.GenesisHash(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	store := agent.NewStore()
	store.Init(poolNames, cfg.AgentPoolSize, cfg.MasterSeed)

	reg := registry.NewMemoryRegistry(0)
	led := ledger.NewMemoryLedger()
	actor := txactor.New(c, led, nil)

	setcodeSigner := agent.NewPool(cfg.MasterSeed, reservedSetcodePoolName, 1).Signers[0]
	nonces := funding.NonceMap{}
	setcodeNonce, err := c.NonceAt(ctx, setcodeSigner.Address())
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("scenario: seeding setcode signer nonce: %w", err)
	}
	nonces[setcodeSigner.Address()] = setcodeNonce

	pl := &planner.Planner{
		Agents:        store,
		Registry:      reg,
		MasterSeed:    cfg.MasterSeed,
		RPCURL:        cfg.RPCURL,
		GenesisHash:   genesisHash,
		SetcodeSigner: setcodeSigner.Address(),
		Nonces:        nonces,
	}

	funderPoolRef, err := store.GetAgent(funderPool)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("scenario: resolving funder pool: %w", err)
	}
	funderSigner, err := funderPoolRef.Signer(0)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("scenario: resolving funder signer: %w", err)
	}

	funder := &funding.SignerRef{
		Address: funderSigner.Address(),
		Sign: func(req *txbuild.Request) (*types.Transaction, error) {
			return req.Sign(funderSigner.PrivateKey())
		},
	}

	return &Scenario{
		cfg:           cfg,
		chain:         c,
		agents:        store,
		reg:           reg,
		ledger:        led,
		planner:       pl,
		actor:         actor,
		funder:        funder,
		setcodeSigner: setcodeSigner,
		nonces:        nonces,
	}, nil
}

// Close stops the tx actor and releases the chain connection.
func (s *Scenario) Close() {
	s.actor.Stop()
	s.chain.Close()
}

// signerFor resolves the signing key for a strictified sender address
// across every registered pool; called once per submission.
func (s *Scenario) signerFor(addr common.Address) (*agent.Signer, error) {
	for _, signer := range s.agents.AllSigners() {
		if signer.Address() == addr {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("scenario: no known signer for address %s", addr)
}

func (s *Scenario) nextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return s.nonces.Next(ctx, s.chain, addr)
}

// FundAgents tops up every signer across poolNames below cfg.MinFunderBalance
// from the funder signer, using the configured engine driver (if any) to
// force blocks on an idle devnet.
func (s *Scenario) FundAgents(ctx context.Context, poolNames []string) ([]funding.Result, error) {
	var addrs []common.Address
	for _, name := range poolNames {
		pool, err := s.agents.GetAgent(name)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, pool.Addresses()...)
	}

	var engineForFunding funding.EngineDriver
	if s.cfg.Engine != nil {
		engineForFunding = s.cfg.Engine
	}

	return funding.FundAccounts(ctx, s.chain, addrs, s.funder, s.cfg.MinFunderBalance, s.cfg.TxKind, s.nonces, engineForFunding)
}

// Deploy runs every create step in order, signing and submitting each
// deployment and awaiting its receipt to learn the deployed address.
func (s *Scenario) Deploy(ctx context.Context, defs []plan.CreateDefinition) error {
	return s.planner.PlanCreate(ctx, defs, s.nonces, s.nextNonce, s.deployOne)
}

func (s *Scenario) deployOne(ctx context.Context, name string, req plan.TxRequest) (planner.DeployResult, error) {
	tx, err := s.signAndBuild(req)
	if err != nil {
		return planner.DeployResult{}, err
	}
	if err := s.chain.SendRawTransaction(ctx, tx); err != nil {
		return planner.DeployResult{}, fmt.Errorf("scenario: submitting deploy tx for %q: %w", name, err)
	}

	receipt, err := s.awaitReceipt(ctx, tx.Hash())
	if err != nil {
		return planner.DeployResult{}, fmt.Errorf("scenario: awaiting deploy receipt for %q: %w", name, err)
	}

	var addr *[20]byte
	if receipt.ContractAddress != (common.Address{}) {
		a := [20]byte(receipt.ContractAddress)
		addr = &a
	}
	return planner.DeployResult{TxHash: tx.Hash(), Address: addr}, nil
}

func (s *Scenario) awaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			r, err := s.chain.TransactionReceipt(ctx, hash)
			if err == nil {
				return r, nil
			}
			if !chain.IsNotFound(err) {
				return nil, err
			}
		}
	}
}

// Setup runs every setup step, fanning each ForAllAccounts expansion out
// concurrently while preserving per-sender ordering, per §4.E.
func (s *Scenario) Setup(ctx context.Context, defs []plan.FunctionCallDefinition) error {
	for _, def := range defs {
		tasks, err := s.planner.PlanSetup(ctx, def, s.nextNonce)
		if err != nil {
			return err
		}

		errCh := make(chan error, len(tasks))
		for _, task := range tasks {
			task := task
			go func() {
				tx, err := s.signAndBuild(task.Req)
				if err != nil {
					errCh <- err
					return
				}
				errCh <- s.chain.SendRawTransaction(ctx, tx)
			}()
		}
		for range tasks {
			if err := <-errCh; err != nil {
				return fmt.Errorf("scenario: setup submission failed: %w", err)
			}
		}
	}
	return nil
}

// SignForSpam resolves the signer for req.From and signs it into a wire
// transaction, implementing spam.TxSigner.
func (s *Scenario) SignForSpam(ctx context.Context, req plan.TxRequest) (*types.Transaction, error) {
	return s.signAndBuild(req)
}

func (s *Scenario) signAndBuild(req plan.TxRequest) (*types.Transaction, error) {
	from := common.HexToAddress(req.From)
	signer, err := s.signerFor(from)
	if err != nil {
		return nil, err
	}

	gasPrice, err := s.chain.SuggestGasPrice(context.Background())
	if err != nil {
		return nil, fmt.Errorf("scenario: fetching gas price: %w", err)
	}

	builder := txbuild.NewRequest(s.cfg.TxKind, s.chain.ChainID()).
		WithNonce(req.Nonce).
		WithGasLimit(req.GasLimit).
		WithData(req.Calldata).
		WithGasPrice(gasPrice)

	if req.To != "" {
		to := common.HexToAddress(req.To)
		builder = builder.WithTo(&to)
	}
	if req.Value != nil {
		v, ok := new(big.Int).SetString(req.Value.Wei, 10)
		if !ok {
			return nil, fmt.Errorf("scenario: invalid resolved value %q", req.Value.Wei)
		}
		builder = builder.WithValue(v)
	} else {
		builder = builder.WithValue(big.NewInt(0))
	}

	if req.AuthorizationAddress != "" {
		delegate := common.HexToAddress(req.AuthorizationAddress)
		auth, err := txbuild.BuildAuthorization(s.chain.ChainID(), delegate, req.AuthorizationNonce, s.setcodeSigner.PrivateKey())
		if err != nil {
			return nil, err
		}
		builder = builder.WithAuthorizationList([]types.SetCodeAuthorization{auth})
	}

	return builder.Sign(signer.PrivateKey())
}

// RunSpamBlockWise drives a block-wise dispatch run for numBlocks blocks at
// txsPerBlock per block, recording every submission into the tx actor and
// the run ledger under a fresh run id.
func (s *Scenario) RunSpamBlockWise(ctx context.Context, scenarioName string, steps []plan.SpamStep, n, txsPerBlock, numBlocks, rpcBatchSize int, token *cancelgroup.Token) (string, error) {
	runID, err := s.ledger.InsertRun(ledger.RunRequest{ScenarioName: scenarioName, RPCURL: s.cfg.RPCURL, Rate: uint64(txsPerBlock)})
	if err != nil {
		return "", err
	}
	s.runID = runID
	s.actor.StartAutoFlush(runID, 1)
	defer s.actor.StopAutoFlush()

	var requests []plan.ExecutionRequest
	err = s.planner.PlanSpam(ctx, steps, n, s.nextNonce, func(_ context.Context, req plan.ExecutionRequest) error {
		requests = append(requests, req)
		return nil
	})
	if err != nil {
		return runID, err
	}

	dispatcher := &spam.BlockWise{Chain: s.chain, RPCBatchSize: rpcBatchSize, TxsPerBlock: txsPerBlock, NumBlocks: numBlocks}
	callback := spam.LogCallback{Actor: s.actor, Engine: s.cfg.Engine}

	if err := dispatcher.Run(ctx, requests, s.SignForSpam, callback, token); err != nil {
		return runID, err
	}

	residual, err := s.actor.DumpCache(ctx, runID)
	if err != nil {
		return runID, err
	}
	if len(residual) > 0 {
		s.logWarnf("scenario: %d transactions never matched a receipt before run end", len(residual))
	}
	return runID, nil
}

// RunSpamTimeWise drives a time-wise dispatch run at a fixed txsPerSecond
// rate for duration.
func (s *Scenario) RunSpamTimeWise(ctx context.Context, scenarioName string, steps []plan.SpamStep, n, txsPerSecond, rpcBatchSize int, duration time.Duration, token *cancelgroup.Token) (string, error) {
	runID, err := s.ledger.InsertRun(ledger.RunRequest{ScenarioName: scenarioName, RPCURL: s.cfg.RPCURL, Rate: uint64(txsPerSecond), Duration: duration})
	if err != nil {
		return "", err
	}
	s.runID = runID

	var requests []plan.ExecutionRequest
	err = s.planner.PlanSpam(ctx, steps, n, s.nextNonce, func(_ context.Context, req plan.ExecutionRequest) error {
		requests = append(requests, req)
		return nil
	})
	if err != nil {
		return runID, err
	}

	dispatcher := &spam.TimeWise{Chain: s.chain, RPCBatchSize: rpcBatchSize, TxsPerSecond: txsPerSecond, Duration: duration}
	callback := spam.LogCallback{Actor: s.actor, Engine: s.cfg.Engine}

	if err := dispatcher.Run(ctx, requests, s.SignForSpam, callback, token); err != nil {
		return runID, err
	}

	latestBlock, err := s.chain.BlockNumber(ctx)
	if err == nil {
		if _, err := s.actor.FlushCache(ctx, runID, latestBlock); err != nil {
			s.logWarnf("scenario: final flush failed: %v", err)
		}
	}
	residual, err := s.actor.DumpCache(ctx, runID)
	if err != nil {
		return runID, err
	}
	if len(residual) > 0 {
		s.logWarnf("scenario: %d transactions never matched a receipt before run end", len(residual))
	}
	return runID, nil
}

func (s *Scenario) logWarnf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warnf(format, args...)
	}
}

// GetRun returns the persisted run record for inspection/reporting.
func (s *Scenario) GetRun(runID string) (ledger.Run, bool) {
	ml, ok := s.ledger.(*ledger.MemoryLedger)
	if !ok {
		return ledger.Run{}, false
	}
	return ml.GetRun(runID)
}
