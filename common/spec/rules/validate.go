package rules

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed interactions.schema.json
var interactionsSchemaJSON string

// interactionsSchema is compiled once at package init. The schema rejects the
// gross shape errors (non-array documents, rules without "on"/"do", tuples
// that do not begin with a string) before the structural pass looks at op
// names and references.
var interactionsSchema = jsonschema.MustCompileString(
	"interactions.schema.json", interactionsSchemaJSON)

// maxBlockDepth bounds recursion into nested conditional blocks so a
// user-authored document cannot stack-overflow the evaluator.
const maxBlockDepth = 8

// ParseInteractions decodes a JSON interaction document and validates it.
// It is the canonical entry point for loading user-authored rules.
func ParseInteractions(data []byte) ([]Rule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("interactions parse: %w", err)
	}
	if err := interactionsSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("interactions schema: %w", err)
	}

	var rs []Rule
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("interactions decode: %w", err)
	}
	if err := ValidateRules(rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// ParsePermissions decodes a JSON permission mapping (permission key →
// permission rule) and rejects unknown keys.
func ParsePermissions(data []byte) (map[string]PermRule, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var perms map[string]PermRule
	if err := json.Unmarshal(data, &perms); err != nil {
		return nil, fmt.Errorf("permissions parse: %w", err)
	}
	for key := range perms {
		if !IsPermissionKey(key) {
			return nil, fmt.Errorf("unknown permission key %q", key)
		}
	}
	return perms, nil
}

// ValidateRules checks a decoded rule list for structural correctness.
// It returns the first error encountered, or nil when the document is valid.
func ValidateRules(rs []Rule) error {
	for i, r := range rs {
		if strings.TrimSpace(r.On) == "" {
			return fmt.Errorf("rules[%d]: on must not be empty", i)
		}
		if len(r.Do) == 0 {
			return fmt.Errorf("rules[%d] (on %q): do must not be empty", i, r.On)
		}
		for j, c := range r.If {
			if err := validateCondition(c); err != nil {
				return fmt.Errorf("rules[%d].if[%d]: %w", i, j, err)
			}
		}
		if err := validateEffects(r.Do, 0); err != nil {
			return fmt.Errorf("rules[%d].do: %w", i, err)
		}
		if err := validateEffects(r.Else, 0); err != nil {
			return fmt.Errorf("rules[%d].else: %w", i, err)
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	switch c.Op {
	case CondEq, CondNeq, CondGt, CondLt, CondHas:
		if !ValidRef(c.Ref) {
			return fmt.Errorf("invalid reference %q", c.Ref)
		}
	case CondNot:
		if c.Not == nil {
			return fmt.Errorf("\"not\" condition has no inner condition")
		}
		return validateCondition(*c.Not)
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
	return nil
}

func validateEffects(effects []Effect, depth int) error {
	if depth > maxBlockDepth {
		return fmt.Errorf("nested blocks exceed maximum depth %d", maxBlockDepth)
	}
	for i, e := range effects {
		if err := validateEffect(e, depth); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
	}
	return nil
}

func validateEffect(e Effect, depth int) error {
	if e.Block != nil {
		if len(e.Block.Do) == 0 {
			return fmt.Errorf("nested block: do must not be empty")
		}
		for j, c := range e.Block.If {
			if err := validateCondition(c); err != nil {
				return fmt.Errorf("nested block if[%d]: %w", j, err)
			}
		}
		if err := validateEffects(e.Block.Do, depth+1); err != nil {
			return fmt.Errorf("nested block do: %w", err)
		}
		return validateEffects(e.Block.Else, depth+1)
	}

	switch e.Op {
	case EffSet, EffAdd, EffMove, EffDestroy:
		if !ValidRef(e.Ref) {
			return fmt.Errorf("%q: invalid reference %q", e.Op, e.Ref)
		}
	case EffTake, EffGive, EffCreate:
		if e.TemplateID == "" {
			return fmt.Errorf("%q: template id must not be empty", e.Op)
		}
		if !ValidRef(e.Ref) {
			return fmt.Errorf("%q: invalid reference %q", e.Op, e.Ref)
		}
	case EffPerm:
		if !ValidRef(e.Ref) {
			return fmt.Errorf("\"perm\": invalid reference %q", e.Ref)
		}
		if !IsPermissionKey(e.Key) {
			return fmt.Errorf("\"perm\": unknown permission key %q", e.Key)
		}
		if e.Rule == nil {
			return fmt.Errorf("\"perm\": missing rule")
		}
	case EffSay, EffDeny:
		// No reference argument.
	default:
		return fmt.Errorf("unknown effect op %q", e.Op)
	}
	return nil
}

// refHeads are the entities a reference path may start from.
var refHeads = map[string]bool{
	"self":      true,
	"actor":     true,
	"subject":   true,
	"container": true,
	"carrier":   true,
	"tick":      true,
}

// ValidRef reports whether ref is a well-formed reference path. It checks
// shape only; whether the referenced entity is bound is an evaluation-time
// concern.
//
// Accepted shapes:
//
//	head
//	head.FIELD
//	self.contents.t:TID.FIELD
//	carrier.contents.t:TID.FIELD
func ValidRef(ref string) bool {
	parts := strings.Split(ref, ".")
	if len(parts) == 0 || !refHeads[parts[0]] {
		return false
	}
	switch {
	case len(parts) == 1:
		return true
	case parts[1] == "contents":
		if parts[0] != "self" && parts[0] != "carrier" {
			return false
		}
		return len(parts) == 4 &&
			strings.HasPrefix(parts[2], "t:") && len(parts[2]) > 2 &&
			parts[3] != ""
	case parts[0] == "tick":
		return len(parts) == 2 && parts[1] == "count"
	default:
		return len(parts) == 2 && parts[1] != ""
	}
}
