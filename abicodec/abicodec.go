// Package abicodec encodes Solidity calldata from a function/constructor
// signature string plus string-typed argument values. It exists because
// go-ethereum's accounts/abi package only packs calldata from a parsed JSON
// ABI, never from a bare signature string — callers (including the
// "eip7702.go" pattern in the retrieval pack) build a minimal single-method
// JSON ABI on the fly and pack through it; this package centralizes that.
package abicodec

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Signature is a parsed Solidity function or constructor signature, e.g.
// "transfer(address,uint256)" or the bare "(uint256,address)" constructor
// shorthand.
type Signature struct {
	Name       string
	ParamNames []string // "" for unnamed parameters
	ParamTypes []string
}

// ParseSignature splits sig into a name and an ordered list of (name, type)
// parameter pairs. Both "transfer(address to, uint256 amount)" (named) and
// "transfer(address,uint256)" (unnamed) forms are accepted; unnamed
// parameters are not addressable by fuzz directives.
func ParseSignature(sig string) (Signature, error) {
	open := strings.IndexByte(sig, '(')
	close := strings.LastIndexByte(sig, ')')
	if open < 0 || close < 0 || close < open {
		return Signature{}, fmt.Errorf("abicodec: malformed signature %q", sig)
	}
	name := strings.TrimSpace(sig[:open])
	body := strings.TrimSpace(sig[open+1 : close])

	var names, types []string
	if body != "" {
		for _, rawParam := range splitTopLevel(body) {
			p := strings.TrimSpace(rawParam)
			fields := strings.Fields(p)
			switch len(fields) {
			case 1:
				types = append(types, fields[0])
				names = append(names, "")
			case 2:
				types = append(types, fields[0])
				names = append(names, fields[1])
			default:
				return Signature{}, fmt.Errorf("abicodec: cannot parse parameter %q in signature %q", p, sig)
			}
		}
	}
	return Signature{Name: name, ParamNames: names, ParamTypes: types}, nil
}

// splitTopLevel splits a comma-separated parameter list while respecting
// nested parens/brackets (tuple and array types).
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// IndexOfNamedParam returns the index of the parameter named name, or -1.
// Used by the planner to resolve a fuzz directive's target before
// substitution; the planner itself decides what an unresolved target means
// (plan.ErrFuzzTargetUnnamed).
func (s Signature) IndexOfNamedParam(name string) (int, error) {
	for i, n := range s.ParamNames {
		if n == name {
			return i, nil
		}
	}
	return -1, nil
}

// jsonABI builds a minimal single-entry ABI JSON document whose one entry is
// always typed "function". Constructors never carry a name in real Solidity
// ABI, but — matching the original source's approach — constructor args are
// encoded as an ordinary function call and the 4-byte selector is stripped
// by the caller, so the same "function" shape is used for both and the name
// is only used to select the packed method.
func jsonABI(name string, types []string) (string, error) {
	type abiInput struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	type abiEntry struct {
		Type            string     `json:"type"`
		Name            string     `json:"name"`
		Inputs          []abiInput `json:"inputs"`
		Outputs         []abiInput `json:"outputs"`
		StateMutability string     `json:"stateMutability"`
	}
	inputs := make([]abiInput, len(types))
	for i, t := range types {
		inputs[i] = abiInput{Name: fmt.Sprintf("arg%d", i), Type: t}
	}
	entries := []abiEntry{{
		Type:            "function",
		Name:            name,
		Inputs:          inputs,
		StateMutability: "nonpayable",
	}}
	buf, err := json.Marshal(entries)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// EncodeFunctionCall packs args (already placeholder-resolved strings)
// according to sig and returns the full calldata (4-byte selector +
// arguments). An empty signature means a plain value transfer / raw call:
// the single arg (if any) is treated as already-hex-encoded raw calldata.
func EncodeFunctionCall(sig string, args []string) ([]byte, error) {
	if strings.TrimSpace(sig) == "" {
		if len(args) == 0 {
			return nil, nil
		}
		return decodeHexArg(args[0])
	}
	parsed, err := ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	if len(args) != len(parsed.ParamTypes) {
		return nil, fmt.Errorf("abicodec: signature %q expects %d args, got %d", sig, len(parsed.ParamTypes), len(args))
	}
	return packArgs(parsed.Name, parsed.ParamTypes, args)
}

// EncodeConstructorArgs ABI-encodes constructor arguments per §4.C: both
// "constructor(T,...)" and the bare "(T,...)" forms are accepted, the
// result is packed as an ordinary function call, and the leading 4-byte
// selector is stripped before returning.
func EncodeConstructorArgs(sig string, args []string) ([]byte, error) {
	normalized := sig
	if strings.HasPrefix(strings.TrimSpace(sig), "(") {
		normalized = "constructor" + strings.TrimSpace(sig)
	}
	packed, err := EncodeFunctionCall(normalized, args)
	if err != nil {
		return nil, err
	}
	if len(packed) < 4 {
		return nil, nil
	}
	return packed[4:], nil
}

func packArgs(name string, types []string, args []string) ([]byte, error) {
	abiJSON, err := jsonABI(name, types)
	if err != nil {
		return nil, err
	}
	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("abicodec: building ABI for %q: %w", name, err)
	}
	values := make([]interface{}, len(args))
	for i, t := range types {
		v, err := convertArg(t, args[i])
		if err != nil {
			return nil, fmt.Errorf("abicodec: arg %d (%s): %w", i, t, err)
		}
		values[i] = v
	}
	return parsedABI.Pack(name, values...)
}

// decodeHexArg parses a 0x-prefixed (or bare) hex string into raw bytes.
func decodeHexArg(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, nil
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	if _, err := fmt.Sscanf(s, "%x", &out); err != nil {
		return nil, fmt.Errorf("abicodec: invalid hex %q: %w", s, err)
	}
	return out, nil
}

// convertArg converts a string-typed argument into the Go native value
// accounts/abi expects for Solidity type t.
func convertArg(t, val string) (interface{}, error) {
	switch {
	case t == "address":
		if !common.IsHexAddress(val) {
			return nil, fmt.Errorf("invalid address %q", val)
		}
		return common.HexToAddress(val), nil
	case t == "bool":
		b, err := strconv.ParseBool(val)
		if err != nil {
			return nil, err
		}
		return b, nil
	case t == "string":
		return val, nil
	case strings.HasSuffix(t, "[]"):
		elemType := strings.TrimSuffix(t, "[]")
		var elems []string
		if err := json.Unmarshal([]byte(val), &elems); err != nil {
			return nil, fmt.Errorf("array arg must be a JSON array of strings: %w", err)
		}
		return convertArraySlice(elemType, elems)
	case strings.HasPrefix(t, "uint") || strings.HasPrefix(t, "int"):
		n, ok := new(big.Int).SetString(strings.TrimSpace(val), 10)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", val)
		}
		return n, nil
	case strings.HasPrefix(t, "bytes"):
		return decodeHexArg(val)
	default:
		return nil, fmt.Errorf("unsupported Solidity type %q", t)
	}
}

func convertArraySlice(elemType string, raw []string) (interface{}, error) {
	switch {
	case elemType == "address":
		out := make([]common.Address, len(raw))
		for i, r := range raw {
			if !common.IsHexAddress(r) {
				return nil, fmt.Errorf("invalid address %q", r)
			}
			out[i] = common.HexToAddress(r)
		}
		return out, nil
	case strings.HasPrefix(elemType, "uint") || strings.HasPrefix(elemType, "int"):
		out := make([]*big.Int, len(raw))
		for i, r := range raw {
			n, ok := new(big.Int).SetString(r, 10)
			if !ok {
				return nil, fmt.Errorf("invalid integer %q", r)
			}
			out[i] = n
		}
		return out, nil
	case elemType == "bool":
		out := make([]bool, len(raw))
		for i, r := range raw {
			b, err := strconv.ParseBool(r)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	case elemType == "string":
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported array element type %q", elemType)
	}
}
