// Package policy implements the OIDC-Fed metadata policy operator algebra:
// a pluggable registry of named operators, each applied to one claim of a
// metadata document in a fixed evaluation order.
package policy

import (
	"encoding/json"
	"fmt"
	"sort"

	resolvererrors "github.com/stacklok/trustresolve/pkg/errors"
)

// Operator evaluates one policy operator against the current value of a
// claim, returning the claim's new value (or unchanged, for non-mutating
// operators such as one_of/superset_of/essential) and an error if the
// operator's constraint is violated.
type Operator func(claim string, current any, operand json.RawMessage, present bool) (newValue any, stillPresent bool, err error)

var registry = map[string]Operator{}

// order is the fixed per-claim evaluation order required by §4.3: value,
// add, default, one_of, subset_of, superset_of, essential.
var order = []string{"value", "add", "default", "one_of", "subset_of", "superset_of", "essential"}

func init() {
	Register("value", opValue)
	Register("add", opAdd)
	Register("default", opDefault)
	Register("one_of", opOneOf)
	Register("subset_of", opSubsetOf)
	Register("superset_of", opSupersetOf)
	Register("essential", opEssential)
}

// Register adds an operator under name, panicking if name is already
// registered. Called from init() for the seven built-in operators; exists
// as its own function so a caller embedding the resolver can register
// additional, non-standard operators the same way.
func Register(name string, op Operator) {
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("policy operator %q already registered", name))
	}
	registry[name] = op
}

// GetOperator returns the operator registered under name, or nil if none.
func GetOperator(name string) Operator {
	return registry[name]
}

// IsRegistered reports whether name has a registered operator.
func IsRegistered(name string) bool {
	_, ok := registry[name]
	return ok
}

// RegisteredOperators returns the names of all registered operators, sorted.
func RegisteredOperators() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPolicy applies policy to metadata, operator by operator in the fixed
// order, claim by claim. It returns a new map; metadata is not mutated.
func ApplyPolicy(metadata map[string]any, policyDoc map[string]json.RawMessage) (map[string]any, error) {
	result := make(map[string]any, len(metadata))
	for k, v := range metadata {
		result[k] = v
	}

	claims := make([]string, 0, len(policyDoc))
	for claim := range policyDoc {
		claims = append(claims, claim)
	}
	sort.Strings(claims)

	for _, claim := range claims {
		var operators map[string]json.RawMessage
		if err := json.Unmarshal(policyDoc[claim], &operators); err != nil {
			return nil, resolvererrors.NewPolicyViolationError(
				fmt.Sprintf("claim %q: malformed operator set", claim), err)
		}

		current, present := result[claim]
		for _, opName := range order {
			operand, hasOp := operators[opName]
			if !hasOp {
				continue
			}
			op := GetOperator(opName)
			if op == nil {
				continue
			}
			newValue, stillPresent, err := op(claim, current, operand, present)
			if err != nil {
				return nil, resolvererrors.NewPolicyViolationError(
					fmt.Sprintf("claim %q: operator %q: %s", claim, opName, err), err)
			}
			current, present = newValue, stillPresent
		}

		if present {
			result[claim] = current
		} else {
			delete(result, claim)
		}
	}

	return result, nil
}

func opValue(_ string, _ any, operand json.RawMessage, _ bool) (any, bool, error) {
	var v any
	if err := json.Unmarshal(operand, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func opAdd(_ string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	var toAdd []any
	if err := json.Unmarshal(operand, &toAdd); err != nil {
		return nil, present, err
	}
	existing, _ := asSlice(current, present)

	seen := make(map[string]bool, len(existing))
	result := make([]any, 0, len(existing)+len(toAdd))
	for _, v := range existing {
		key := fmt.Sprint(v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	for _, v := range toAdd {
		key := fmt.Sprint(v)
		if !seen[key] {
			seen[key] = true
			result = append(result, v)
		}
	}
	return result, true, nil
}

func opDefault(_ string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	if present {
		return current, true, nil
	}
	var v any
	if err := json.Unmarshal(operand, &v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func opOneOf(claim string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	if !present {
		return current, present, nil
	}
	var allowed []any
	if err := json.Unmarshal(operand, &allowed); err != nil {
		return nil, present, err
	}
	for _, v := range allowed {
		if fmt.Sprint(v) == fmt.Sprint(current) {
			return current, present, nil
		}
	}
	return nil, false, fmt.Errorf("claim %q value %v is not one of %v", claim, current, allowed)
}

func opSubsetOf(_ string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	if !present {
		return current, present, nil
	}
	var allowed []any
	if err := json.Unmarshal(operand, &allowed); err != nil {
		return nil, present, err
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, v := range allowed {
		allowedSet[fmt.Sprint(v)] = true
	}

	existing, _ := asSlice(current, present)
	filtered := make([]any, 0, len(existing))
	for _, v := range existing {
		if allowedSet[fmt.Sprint(v)] {
			filtered = append(filtered, v)
		}
	}
	return filtered, true, nil
}

func opSupersetOf(claim string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	if !present {
		return current, present, fmt.Errorf("claim %q must be present to satisfy superset_of", claim)
	}
	var required []any
	if err := json.Unmarshal(operand, &required); err != nil {
		return nil, present, err
	}
	existing, _ := asSlice(current, present)
	existingSet := make(map[string]bool, len(existing))
	for _, v := range existing {
		existingSet[fmt.Sprint(v)] = true
	}
	for _, v := range required {
		if !existingSet[fmt.Sprint(v)] {
			return nil, present, fmt.Errorf("claim %q is missing required value %v", claim, v)
		}
	}
	return current, present, nil
}

func opEssential(claim string, current any, operand json.RawMessage, present bool) (any, bool, error) {
	var essential bool
	if err := json.Unmarshal(operand, &essential); err != nil {
		return nil, present, err
	}
	if essential && !present {
		return nil, present, fmt.Errorf("claim %q is essential but absent", claim)
	}
	return current, present, nil
}

// asSlice coerces current into a []any, treating an absent or non-slice
// value as an empty slice.
func asSlice(current any, present bool) ([]any, bool) {
	if !present || current == nil {
		return nil, false
	}
	if s, ok := current.([]any); ok {
		return s, true
	}
	return []any{current}, true
}
