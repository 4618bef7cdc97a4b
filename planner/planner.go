// Package planner implements the scenario planner (component E): it
// combines the seeder, agent store, templater, and plan model to resolve
// placeholders, expand fuzz directives, assign senders and nonces, and emit
// the ordered stream of execution-ready transaction requests.
package planner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/txforge/evmspam/abicodec"
	"github.com/txforge/evmspam/agent"
	"github.com/txforge/evmspam/funding"
	"github.com/txforge/evmspam/plan"
	"github.com/txforge/evmspam/registry"
	"github.com/txforge/evmspam/seed"
	"github.com/txforge/evmspam/template"
)

// ErrNonceNotTracked is returned when an EIP-7702 authorization references
// a signer whose nonce was never seeded in the local nonce map.
var ErrNonceNotTracked = errors.New("planner: authorization signer nonce was never seeded")

// ErrCampaignRateTooLow is returned by ValidateCampaignStage when the
// configured rate*duration cannot possibly cover the requested spam step
// count.
var ErrCampaignRateTooLow = errors.New("planner: campaign stage rate*duration is below the spam step count")

// Planner is the central engine of §4.E. It is constructed once per
// scenario and reused across deploy/setup/spam invocations.
type Planner struct {
	Agents      *agent.Store
	Registry    registry.Registry
	MasterSeed  [32]byte
	RPCURL      string
	GenesisHash [32]byte

	// SetcodeSigner is the dedicated EIP-7702 authority address: the
	// account whose nonce and signature back every authorization this
	// planner emits, distinct from whichever pool signer happens to be the
	// transaction's sender.
	SetcodeSigner common.Address

	// Nonces is the shared nonce map the setcode signer's counter is
	// tracked in. It must be seeded with an entry for SetcodeSigner before
	// any step using AuthorizationAddress is planned; strictifySetupStep
	// and strictifySpamMember never fetch it implicitly (unlike ordinary
	// sender nonces via nextNonce), since the setcode signer's nonce
	// advances once per iteration rather than once per call.
	Nonces funding.NonceMap
}

// setcodeAuthorizationNonce returns the setcode signer's nonce for the
// given zero-based iteration (setup index or spam iteration), per §6/§9:
// nonce = setcode_signer_nonce + iteration. Returns ErrNonceNotTracked if
// the setcode signer's base nonce was never seeded into p.Nonces.
func (p *Planner) setcodeAuthorizationNonce(iteration int) (uint64, error) {
	base, ok := p.Nonces[p.SetcodeSigner]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNonceNotTracked, p.SetcodeSigner)
	}
	return base + uint64(iteration), nil
}

// registryLookup adapts a registry.Registry to template.BindingLookup.
type registryLookup struct {
	reg registry.Registry
}

func (r registryLookup) ResolveAddress(name, rpcURL string, genesisHash [32]byte) (string, bool) {
	b, err := r.reg.GetNamedTx(name, rpcURL, genesisHash)
	if err != nil || b.Address == nil {
		return "", false
	}
	return "0x" + fmt.Sprintf("%x", *b.Address), true
}

func (p *Planner) lookup() template.BindingLookup { return registryLookup{reg: p.Registry} }

// DeployResult is what a Create step's submission callback must report back
// so the planner can record the binding.
type DeployResult struct {
	TxHash  [32]byte
	Address *[20]byte
}

// DeployCallback submits one deployment transaction and returns its result.
type DeployCallback func(ctx context.Context, name string, req plan.TxRequest) (DeployResult, error)

// SubmitCallback submits one execution request (tx or bundle) and reports
// any submission-time error for bookkeeping; submission errors do not abort
// the run per §7.
type SubmitCallback func(ctx context.Context, req plan.ExecutionRequest) error

// resolveSender picks the strictified sender address for a definition:
// the parsed From address, or pool[i] when FromPool is set.
func (p *Planner) resolveSender(def interface {
	sender() (from, fromPool string)
}, index int) (common.Address, error) {
	from, fromPool := def.sender()
	if from != "" {
		return common.HexToAddress(from), nil
	}
	pool, err := p.Agents.GetAgent(fromPool)
	if err != nil {
		return common.Address{}, err
	}
	signer, err := pool.Signer(index % len(pool.Signers))
	if err != nil {
		return common.Address{}, err
	}
	return signer.Address(), nil
}

type fcSender plan.FunctionCallDefinition

func (d fcSender) sender() (string, string) { return d.From, d.FromPool }

type createSender plan.CreateDefinition

func (d createSender) sender() (string, string) { return d.From, d.FromPool }

// PlanCreate walks create steps in order, resolving placeholders, picking a
// sender, building the deployment payload, assigning a nonce, invoking
// deploy, and recording the resulting binding. Nonces are assigned through
// nextNonce; the nonces argument itself is not read.
func (p *Planner) PlanCreate(ctx context.Context, defs []plan.CreateDefinition, nonces funding.NonceMap, nextNonce func(context.Context, common.Address) (uint64, error), deploy DeployCallback) error {
	for _, def := range defs {
		values := map[string]string{}
		if err := template.FindPlaceholderValues(def.Bytecode, values, p.lookup(), p.RPCURL, p.GenesisHash); err != nil {
			return err
		}
		for _, a := range def.Args {
			if err := template.FindPlaceholderValues(a, values, p.lookup(), p.RPCURL, p.GenesisHash); err != nil {
				return err
			}
		}

		sender, err := p.resolveSender(createSender(def), 0)
		if err != nil {
			return fmt.Errorf("planner: create step %q: %w", def.Name, err)
		}
		values[template.ReservedSender] = sender.Hex()

		bytecode, err := template.TemplateContractDeploy(def, values)
		if err != nil {
			return err
		}

		nonce, err := nextNonce(ctx, sender)
		if err != nil {
			return err
		}

		req := plan.TxRequest{From: sender.Hex(), Nonce: nonce, Calldata: hexToBytes(bytecode)}

		result, err := deploy(ctx, def.Name, req)
		if err != nil {
			return fmt.Errorf("planner: deploying %q: %w", def.Name, err)
		}

		binding := registry.Binding{
			Name:        def.Name,
			TxHash:      result.TxHash,
			Address:     result.Address,
			RPCURL:      p.RPCURL,
			GenesisHash: p.GenesisHash,
		}
		if err := p.Registry.InsertNamedTxs([]registry.Binding{binding}, p.RPCURL, p.GenesisHash); err != nil {
			return err
		}
	}
	return nil
}

// SetupTask is one fully-resolved setup transaction ready for submission,
// paired with the sender it was strictified against so callers can run
// independent senders concurrently while preserving per-sender order.
type SetupTask struct {
	Sender common.Address
	Req    plan.TxRequest
}

// PlanSetup resolves setup steps into SetupTasks. A step marked
// ForAllAccounts with FromPool set expands into one task per pool signer,
// each independently nonce-tracked; callers should dispatch all returned
// tasks for a single step concurrently (different senders) while still
// invoking this function once per step in declared order, matching §4.E's
// "tasks are spawned and joined at the end" contract.
func (p *Planner) PlanSetup(ctx context.Context, def plan.FunctionCallDefinition, nextNonce func(context.Context, common.Address) (uint64, error)) ([]SetupTask, error) {
	if def.ForAllAccounts && def.FromPool != "" {
		pool, err := p.Agents.GetAgent(def.FromPool)
		if err != nil {
			return nil, err
		}
		tasks := make([]SetupTask, len(pool.Signers))
		for i := range pool.Signers {
			task, err := p.strictifySetupStep(ctx, def, i, nextNonce)
			if err != nil {
				return nil, err
			}
			tasks[i] = task
		}
		return tasks, nil
	}

	task, err := p.strictifySetupStep(ctx, def, 0, nextNonce)
	if err != nil {
		return nil, err
	}
	return []SetupTask{task}, nil
}

func (p *Planner) strictifySetupStep(ctx context.Context, def plan.FunctionCallDefinition, index int, nextNonce func(context.Context, common.Address) (uint64, error)) (SetupTask, error) {
	values := map[string]string{}
	if err := resolveAllPlaceholders(def, values, p.lookup(), p.RPCURL, p.GenesisHash); err != nil {
		return SetupTask{}, err
	}

	sender, err := p.resolveSender(fcSender(def), index)
	if err != nil {
		return SetupTask{}, err
	}
	values[template.ReservedSender] = sender.Hex()
	if def.AuthorizationAddress != "" {
		values[template.ReservedSetcode] = p.SetcodeSigner.Hex()
	}

	req, err := template.TemplateFunctionCall(def, values)
	if err != nil {
		return SetupTask{}, err
	}

	nonce, err := nextNonce(ctx, sender)
	if err != nil {
		return SetupTask{}, err
	}
	req.Nonce = nonce

	if def.AuthorizationAddress != "" {
		authNonce, err := p.setcodeAuthorizationNonce(index)
		if err != nil {
			return SetupTask{}, err
		}
		req.AuthorizationNonce = authNonce
	}

	return SetupTask{Sender: sender, Req: req}, nil
}

func resolveAllPlaceholders(def plan.FunctionCallDefinition, values map[string]string, lookup template.BindingLookup, rpcURL string, genesisHash [32]byte) error {
	if err := template.FindPlaceholderValues(def.To, values, lookup, rpcURL, genesisHash); err != nil {
		return err
	}
	for _, a := range def.Args {
		if err := template.FindPlaceholderValues(a, values, lookup, rpcURL, genesisHash); err != nil {
			return err
		}
	}
	if def.AuthorizationAddress != "" {
		if err := template.FindPlaceholderValues(def.AuthorizationAddress, values, lookup, rpcURL, genesisHash); err != nil {
			return err
		}
	}
	return nil
}

// fuzzMap is param name -> per-iteration values, keyed by plan.ValueFuzzKey
// for value-fuzz directives.
type fuzzMap map[string][]*big.Int

// BuildFuzzMap materializes, for every Fuzz directive across every step, a
// vector of N values via the seeder, aggregated by parameter name. Per
// §4.E step 2 of PlanType::Spam.
func (p *Planner) BuildFuzzMap(steps []plan.SpamStep, n int) (fuzzMap, error) {
	fm := fuzzMap{}
	for _, step := range steps {
		defs := stepMembers(step)
		for _, def := range defs {
			sig, err := abicodec.ParseSignature(def.Signature)
			hasSig := err == nil

			for _, f := range def.Fuzz {
				if err := f.Validate(); err != nil {
					return nil, err
				}

				key := plan.ValueFuzzKey
				if f.Param != nil {
					key = *f.Param
					if !hasSig {
						return nil, fmt.Errorf("%w: %q (step has no signature)", plan.ErrFuzzTargetUnnamed, key)
					}
					idx, _ := sig.IndexOfNamedParam(key)
					if idx < 0 {
						return nil, fmt.Errorf("%w: %q", plan.ErrFuzzTargetUnnamed, key)
					}
				}
				if _, ok := fm[key]; ok {
					continue
				}

				min, max, err := parseFuzzBounds(f)
				if err != nil {
					return nil, err
				}
				stream := seed.ForParam(p.MasterSeed, key)
				fm[key] = stream.Values(n, min, max)
			}
		}
	}
	return fm, nil
}

func parseFuzzBounds(f plan.Fuzz) (*big.Int, *big.Int, error) {
	if f.Min == nil || f.Max == nil {
		return nil, nil, nil
	}
	min, ok := new(big.Int).SetString(*f.Min, 10)
	if !ok {
		return nil, nil, fmt.Errorf("planner: invalid fuzz min %q", *f.Min)
	}
	max, ok := new(big.Int).SetString(*f.Max, 10)
	if !ok {
		return nil, nil, fmt.Errorf("planner: invalid fuzz max %q", *f.Max)
	}
	return min, max, nil
}

func stepMembers(step plan.SpamStep) []plan.FunctionCallDefinition {
	if step.Kind == plan.SpamStepBundle {
		return step.Bundle
	}
	return []plan.FunctionCallDefinition{step.Tx}
}

// PlanSpam expands N spam requests across S steps, rounding N up so
// N mod S == 0, and emits them in step-major, iteration-minor order. The
// supplied nextNonce/submit callbacks are invoked once per emitted request;
// nextNonce threads the caller's nonce map the same way PlanCreate/PlanSetup
// do.
func (p *Planner) PlanSpam(ctx context.Context, steps []plan.SpamStep, n int, nextNonce func(context.Context, common.Address) (uint64, error), submit SubmitCallback) error {
	if n == 0 || len(steps) == 0 {
		return nil
	}
	s := len(steps)
	perStep := (n + s - 1) / s // ceil(N/S)

	fm, err := p.BuildFuzzMap(steps, perStep)
	if err != nil {
		return err
	}

	// Pre-resolve all non-fuzz placeholders once, per §4.E step 3.
	sharedValues := map[string]string{}
	for _, step := range steps {
		for _, def := range stepMembers(step) {
			if err := resolveAllPlaceholders(def, sharedValues, p.lookup(), p.RPCURL, p.GenesisHash); err != nil {
				return err
			}
		}
	}

	for _, step := range steps {
		for i := 0; i < perStep; i++ {
			switch step.Kind {
			case plan.SpamStepTx:
				req, err := p.strictifySpamMember(ctx, step.Tx, i, fm, sharedValues, nextNonce)
				if err != nil {
					return err
				}
				if err := submit(ctx, plan.ExecutionRequest{Kind: plan.ExecutionTx, Tx: req}); err != nil {
					return err
				}
			case plan.SpamStepBundle:
				reqs := make([]plan.TxRequest, len(step.Bundle))
				for m, member := range step.Bundle {
					req, err := p.strictifySpamMember(ctx, member, i, fm, sharedValues, nextNonce)
					if err != nil {
						return err
					}
					reqs[m] = req
				}
				if err := submit(ctx, plan.ExecutionRequest{Kind: plan.ExecutionBundle, Bundle: reqs}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (p *Planner) strictifySpamMember(ctx context.Context, def plan.FunctionCallDefinition, iteration int, fm fuzzMap, sharedValues map[string]string, nextNonce func(context.Context, common.Address) (uint64, error)) (plan.TxRequest, error) {
	values := make(map[string]string, len(sharedValues))
	for k, v := range sharedValues {
		values[k] = v
	}

	sender, err := p.resolveSender(fcSender(def), iteration)
	if err != nil {
		return plan.TxRequest{}, err
	}
	values[template.ReservedSender] = sender.Hex()
	if def.AuthorizationAddress != "" {
		values[template.ReservedSetcode] = p.SetcodeSigner.Hex()
	}

	sig, sigErr := abicodec.ParseSignature(def.Signature)
	args := make([]string, len(def.Args))
	copy(args, def.Args)
	if sigErr == nil {
		for argIdx, paramName := range sig.ParamNames {
			if paramName == "" {
				continue
			}
			if vals, ok := fm[paramName]; ok && argIdx < len(args) {
				args[argIdx] = formatFuzzValue(sig.ParamTypes[argIdx], vals[iteration])
			}
		}
	}
	resolvedDef := def
	resolvedDef.Args = args

	req, err := template.TemplateFunctionCall(resolvedDef, values)
	if err != nil {
		return plan.TxRequest{}, err
	}

	if vals, ok := fm[plan.ValueFuzzKey]; ok {
		req.Value = &plan.AmountWei{Wei: vals[iteration].String()}
	}

	nonce, err := nextNonce(ctx, sender)
	if err != nil {
		return plan.TxRequest{}, err
	}
	req.Nonce = nonce

	if def.AuthorizationAddress != "" {
		authNonce, err := p.setcodeAuthorizationNonce(iteration)
		if err != nil {
			return plan.TxRequest{}, err
		}
		req.AuthorizationNonce = authNonce
	}

	return req, nil
}

// formatFuzzValue renders v as the textual form abicodec expects for t:
// address-typed parameters become "0x" + lower 20 bytes hex, everything
// else is a plain decimal string.
func formatFuzzValue(t string, v *big.Int) string {
	if t == "address" {
		b := v.Bytes()
		addr := make([]byte, 20)
		if len(b) > 20 {
			b = b[len(b)-20:]
		}
		copy(addr[20-len(b):], b)
		return "0x" + strings.ToLower(fmt.Sprintf("%x", addr))
	}
	return v.String()
}

func hexToBytes(hexStr string) []byte {
	s := strings.TrimPrefix(hexStr, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		fmt.Sscanf(s[i*2:i*2+2], "%02x", &out[i])
	}
	return out
}

// ValidateCampaignStage enforces the authoritative campaign-path constraint
// per §9's Open Question resolution: rate * duration must be at least the
// number of spam steps, otherwise the stage can never emit a full round of
// requests for every step.
func ValidateCampaignStage(rate uint64, duration int64, spamStepCount int) error {
	if rate*uint64(duration) < uint64(spamStepCount) {
		return fmt.Errorf("%w: rate=%d duration=%d steps=%d", ErrCampaignRateTooLow, rate, duration, spamStepCount)
	}
	return nil
}
