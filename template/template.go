// Package template implements placeholder substitution and request
// construction (component C, placeholder half). ABI encoding itself lives
// in abicodec; this package is grounded on the same shape as codec.Op's
// With* builder chain, generalized from Tezos operation fields to Ethereum
// transaction fields.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/txforge/evmspam/abicodec"
	"github.com/txforge/evmspam/plan"
)

// ErrPlaceholderUnresolved is returned by FindPlaceholderValues when a
// {key} has no env binding, no registry row, and is not reserved.
var ErrPlaceholderUnresolved = errors.New("template: placeholder unresolved")

// Reserved placeholder keys. Never looked up in the registry; substituted
// at strictification time with the step's own resolved fields.
const (
	ReservedSender  = "_sender"
	ReservedSetcode = "_setcode"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// ReplacePlaceholders scans input for {key} occurrences and substitutes
// values[key]; keys with no entry in values are left as literal text.
func ReplacePlaceholders(input string, values map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := values[key]; ok {
			return v
		}
		return match
	})
}

// Keys returns every distinct {key} referenced in input, in first-seen
// order.
func Keys(input string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(input, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// BindingLookup resolves a name to a hex-encoded address within a chain
// scope. It is a narrow subset of registry.Registry's read surface, kept
// separate to avoid an import cycle between template and registry.
type BindingLookup interface {
	ResolveAddress(name, rpcURL string, genesisHash [32]byte) (hexAddress string, found bool)
}

// FindPlaceholderValues resolves every {key} in input not already present
// in values, consulting lookup for each, and inserts the hex-encoded
// address into values. Reserved keys are skipped entirely — they are
// expected to already be present in values by the time this is called, or
// to be filled in later at strictification.
func FindPlaceholderValues(input string, values map[string]string, lookup BindingLookup, rpcURL string, genesisHash [32]byte) error {
	for _, key := range Keys(input) {
		if _, ok := values[key]; ok {
			continue
		}
		if key == ReservedSender || key == ReservedSetcode {
			continue
		}
		addr, found := lookup.ResolveAddress(key, rpcURL, genesisHash)
		if !found {
			return fmt.Errorf("%w: %q", ErrPlaceholderUnresolved, key)
		}
		values[key] = addr
	}
	return nil
}

// TemplateFunctionCall produces a TxRequest from a plan-level function call
// definition whose sender has already been strictified into values[_sender]
// (and, for EIP-7702 steps, values[_setcode]).
func TemplateFunctionCall(def plan.FunctionCallDefinition, values map[string]string) (plan.TxRequest, error) {
	to := ReplacePlaceholders(def.To, values)
	from := values[ReservedSender]
	if from == "" {
		return plan.TxRequest{}, fmt.Errorf("template: %s missing resolved sender", ReservedSender)
	}

	args := make([]string, len(def.Args))
	for i, a := range def.Args {
		args[i] = ReplacePlaceholders(a, values)
	}

	calldata, err := abicodec.EncodeFunctionCall(def.Signature, args)
	if err != nil {
		return plan.TxRequest{}, fmt.Errorf("template: encoding call for %q: %w", def.To, err)
	}

	req := plan.TxRequest{
		To:       to,
		From:     from,
		Calldata: calldata,
		GasLimit: def.GasLimit,
		Kind:     def.Kind,
		Sidecar:  def.Sidecar,
	}
	if def.Value != "" {
		req.Value = &plan.AmountWei{Wei: ReplacePlaceholders(def.Value, values)}
	}
	if def.AuthorizationAddress != "" {
		req.AuthorizationAddress = ReplacePlaceholders(def.AuthorizationAddress, values)
	}
	return req, nil
}

// TemplateContractDeploy substitutes placeholders into bytecode and, when a
// constructor signature is present, ABI-encodes args (accepting both
// "constructor(T,...)" and the bare "(T,...)" forms), strips the leading
// 4-byte selector, and hex-appends the result to bytecode.
func TemplateContractDeploy(def plan.CreateDefinition, values map[string]string) (string, error) {
	bytecode := ReplacePlaceholders(def.Bytecode, values)
	if def.Signature == "" {
		return bytecode, nil
	}

	args := make([]string, len(def.Args))
	for i, a := range def.Args {
		args[i] = ReplacePlaceholders(a, values)
	}

	encoded, err := abicodec.EncodeConstructorArgs(def.Signature, args)
	if err != nil {
		return "", fmt.Errorf("template: encoding constructor for %q: %w", def.Name, err)
	}
	return strings.TrimSuffix(bytecode, "\n") + fmt.Sprintf("%x", encoded), nil
}
