// Package plan holds the pure, mutation-free data model of a scenario
// (component D): env bindings, create/setup/spam steps, and fuzz
// directives. Nothing in this package touches the network or mutates the
// source document — defaulting (e.g. the admin/spammers pool fallback) is
// applied by the planner at read time, never written back here.
package plan

import "fmt"

// ErrFuzzTargetUnnamed is returned when a fuzz directive names a parameter
// that does not exist, or exists but is unnamed, in the owning step's
// signature. The original source silently ignores this case; this port
// rejects it explicitly per the documented Open Question resolution.
var ErrFuzzTargetUnnamed = fmt.Errorf("plan: fuzz directive targets an unnamed or missing parameter")

// ValueFuzzKey is the reserved fuzz-map key used when a step fuzzes the
// transaction's value field instead of a named argument.
const ValueFuzzKey = "__tx_value__"

// DefaultAdminPool and DefaultSpammersPool are the pool names assigned by
// the planner to steps that specify neither from nor from_pool.
const (
	DefaultAdminPool    = "admin"
	DefaultSpammersPool = "spammers"
)

// Fuzz is a single fuzz directive attached to an argument or to a step's
// value field. Param is empty when Value is true (value-fuzz); Min/Max are
// nil to mean "full 256-bit range".
type Fuzz struct {
	Param *string // nil when this directive targets the tx value
	Value bool
	Min   *string // decimal string, parsed lazily by the planner
	Max   *string
}

// Validate enforces the §7 ConfigError rule that a fuzz directive cannot
// name both a param and request value-fuzz.
func (f Fuzz) Validate() error {
	if f.Param != nil && f.Value {
		return fmt.Errorf("plan: fuzz directive specifies both a param name and value=true")
	}
	return nil
}

// Amount is a plan-level wei amount. Only a plain decimal wei string is
// supported: the templater copies it unparsed (after placeholder
// substitution) into TxRequest.Value, and a "<num> <unit>" form such as
// "1 ether" is not converted and is rejected when the transaction is signed.
type Amount = string

// FunctionCallDefinition is the plan-level (pre-resolution) description of
// one function call or value transfer.
type FunctionCallDefinition struct {
	To                    string // may contain {placeholders}
	From                  string // explicit address; empty if FromPool is set
	FromPool              string // pool name; empty if From is set
	Signature             string // empty => plain value transfer / raw call
	Args                  []string
	Value                 Amount
	Fuzz                  []Fuzz
	Kind                  string
	GasLimit              uint64
	AuthorizationAddress  string // EIP-7702, may contain {placeholders}
	Sidecar               *BlobSidecar
	ForAllAccounts        bool // setup-only: expand across every pool signer
}

// BlobSidecar carries the raw blob payload for an EIP-4844 step. No
// commitment or proof is computed from it anywhere in this module:
// txbuild.Request.WithBlobSidecar takes a types.BlobTxSidecar that already
// holds them.
type BlobSidecar struct {
	Blobs [][]byte
}

// Validate enforces the §7 ConfigError rule that a step must name exactly
// one of From or FromPool.
func (d FunctionCallDefinition) Validate() error {
	if d.From == "" && d.FromPool == "" {
		return fmt.Errorf("plan: step has neither from nor from_pool")
	}
	if d.From != "" && d.FromPool != "" {
		return fmt.Errorf("plan: step has both from and from_pool")
	}
	for _, f := range d.Fuzz {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CreateDefinition is a contract deployment step.
type CreateDefinition struct {
	Name      string
	Bytecode  string // hex, may contain {placeholders}
	Signature string // constructor signature, optional
	Args      []string
	From      string
	FromPool  string
}

// Validate mirrors FunctionCallDefinition's from/from_pool exclusivity rule.
func (d CreateDefinition) Validate() error {
	if d.From == "" && d.FromPool == "" {
		return fmt.Errorf("plan: create step %q has neither from nor from_pool", d.Name)
	}
	if d.From != "" && d.FromPool != "" {
		return fmt.Errorf("plan: create step %q has both from and from_pool", d.Name)
	}
	return nil
}

// SpamStepKind tags a SpamStep as a single transaction or an atomic bundle.
type SpamStepKind int

const (
	SpamStepTx SpamStepKind = iota
	SpamStepBundle
)

// SpamStep is a tagged variant: exactly one of Tx or Bundle is meaningful,
// selected by Kind.
type SpamStep struct {
	Kind   SpamStepKind
	Tx     FunctionCallDefinition
	Bundle []FunctionCallDefinition
}

// Validate checks the step shape implied by Kind.
func (s SpamStep) Validate() error {
	switch s.Kind {
	case SpamStepTx:
		return s.Tx.Validate()
	case SpamStepBundle:
		if len(s.Bundle) == 0 {
			return fmt.Errorf("plan: bundle step has zero member transactions")
		}
		for i, m := range s.Bundle {
			if err := m.Validate(); err != nil {
				return fmt.Errorf("plan: bundle member %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("plan: unknown spam step kind %d", s.Kind)
	}
}

// Env is the scenario's flat string-to-string symbol table, populated by
// the scenario author and merged with registry lookups at resolution time.
type Env map[string]string

// Document is the full plan model for one scenario: env plus the three
// step lists, in declared order.
type Document struct {
	Env   Env
	Create []CreateDefinition
	Setup  []FunctionCallDefinition
	Spam   []SpamStep
}

// TxRequest is a fully-resolved, signable transaction: sender, calldata,
// value, gas limit, and nonce are all populated. It is the "strictified"
// counterpart to FunctionCallDefinition.
type TxRequest struct {
	To                   string
	From                 string
	Calldata             []byte
	Value                *AmountWei
	GasLimit             uint64
	Kind                 string
	AuthorizationAddress string
	AuthorizationNonce   uint64
	Sidecar              *BlobSidecar
	Nonce                uint64
}

// AmountWei is a resolved wei amount. A distinct type (rather than bare
// *big.Int) keeps this package import-free of math/big at the field-decl
// level while the planner does the actual arithmetic.
type AmountWei struct {
	Wei string // decimal string
}

// ExecutionRequestKind tags an ExecutionRequest as a single tx or a bundle.
type ExecutionRequestKind int

const (
	ExecutionTx ExecutionRequestKind = iota
	ExecutionBundle
)

// ExecutionRequest is the planner's final output unit: either one signable
// transaction or an ordered, atomically-submitted bundle of them.
type ExecutionRequest struct {
	Kind   ExecutionRequestKind
	Tx     TxRequest
	Bundle []TxRequest
}

// ApplyDefaultPools returns a copy of d with every create/setup/spam step
// that specifies neither from nor from_pool assigned the appropriate
// default pool (admin for create/setup, spammers for spam), without
// mutating the source document. Per §4.D this defaulting must happen at
// read time.
func ApplyDefaultPools(d Document) Document {
	out := Document{Env: d.Env}

	out.Create = make([]CreateDefinition, len(d.Create))
	for i, c := range d.Create {
		if c.From == "" && c.FromPool == "" {
			c.FromPool = DefaultAdminPool
		}
		out.Create[i] = c
	}

	out.Setup = make([]FunctionCallDefinition, len(d.Setup))
	for i, s := range d.Setup {
		if s.From == "" && s.FromPool == "" {
			s.FromPool = DefaultAdminPool
		}
		out.Setup[i] = s
	}

	out.Spam = make([]SpamStep, len(d.Spam))
	for i, s := range d.Spam {
		out.Spam[i] = defaultSpamStepPool(s)
	}

	return out
}

func defaultSpamStepPool(s SpamStep) SpamStep {
	switch s.Kind {
	case SpamStepTx:
		if s.Tx.From == "" && s.Tx.FromPool == "" {
			s.Tx.FromPool = DefaultSpammersPool
		}
	case SpamStepBundle:
		members := make([]FunctionCallDefinition, len(s.Bundle))
		for i, m := range s.Bundle {
			if m.From == "" && m.FromPool == "" {
				m.FromPool = DefaultSpammersPool
			}
			members[i] = m
		}
		s.Bundle = members
	}
	return s
}
