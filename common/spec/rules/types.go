// Package rules defines the types for the MASH interaction document (v1).
//
// An interaction document is the small rule language template authors attach
// to their templates. It is untyped JSON at the boundary: permission rules
// are either bare strings or ["list", [...]] tuples, and conditions/effects
// are JSON arrays beginning with the op name. This package decodes those
// shapes into sum types and validates them; the evaluator never sees an
// unvalidated document.
package rules

import (
	"encoding/json"
	"fmt"
)

// Permission keys recognised on templates and instances.
const (
	PermInteract = "interact"
	PermInspect  = "inspect"
	PermEdit     = "edit"
	PermDelete   = "delete"
	PermContain  = "contain"
	PermPerms    = "perms"
)

// PermissionKeys lists every recognised permission key.
var PermissionKeys = []string{
	PermInteract, PermInspect, PermEdit, PermDelete, PermContain, PermPerms,
}

// IsPermissionKey reports whether key is one of the recognised permission keys.
func IsPermissionKey(key string) bool {
	for _, k := range PermissionKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PermRule is a single permission rule. The JSON encoding is either a bare
// string ("any", "none", "owner", "node") or the tuple ["list", [username, ...]].
type PermRule struct {
	// Kind is one of "any", "none", "owner", "node", "list".
	Kind string
	// Users holds the allowed usernames when Kind is "list".
	Users []string
}

// Owner is the default rule applied when neither the instance nor the
// template specifies one for a key.
var Owner = PermRule{Kind: "owner"}

// UnmarshalJSON decodes either the bare-string or the ["list", [...]] form.
func (p *PermRule) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		switch s {
		case "any", "none", "owner", "node":
			p.Kind = s
			p.Users = nil
			return nil
		default:
			return fmt.Errorf("unknown permission rule %q", s)
		}
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("permission rule must be a string or a [\"list\", ...] tuple")
	}
	if len(tuple) != 2 {
		return fmt.Errorf("list permission rule must have exactly 2 elements, got %d", len(tuple))
	}
	var kind string
	if err := json.Unmarshal(tuple[0], &kind); err != nil || kind != "list" {
		return fmt.Errorf("tuple permission rule must begin with \"list\"")
	}
	var users []string
	if err := json.Unmarshal(tuple[1], &users); err != nil {
		return fmt.Errorf("list permission rule: %w", err)
	}
	p.Kind = "list"
	p.Users = users
	return nil
}

// MarshalJSON emits the wire form described on UnmarshalJSON.
func (p PermRule) MarshalJSON() ([]byte, error) {
	if p.Kind == "list" {
		users := p.Users
		if users == nil {
			users = []string{}
		}
		return json.Marshal([]any{"list", users})
	}
	return json.Marshal(p.Kind)
}

// Rule is one interaction rule: fire the Do effects (or Else effects) when a
// call with the matching verb reaches the carrying instance.
type Rule struct {
	// On is the verb name that triggers this rule.
	On string `json:"on"`
	// If is an optional list of conditions, combined with logical AND.
	If []Condition `json:"if,omitempty"`
	// Do is the effect list executed when every condition holds.
	Do []Effect `json:"do"`
	// Else is the effect list executed when some condition fails.
	Else []Effect `json:"else,omitempty"`
}

// Block is a nested conditional inside an effect list. It mirrors the rule
// shape minus the verb; it shares the invocation's denied flag.
type Block struct {
	If   []Condition `json:"if,omitempty"`
	Do   []Effect    `json:"do"`
	Else []Effect    `json:"else,omitempty"`
}

// Condition op names.
const (
	CondEq  = "eq"
	CondNeq = "neq"
	CondGt  = "gt"
	CondLt  = "lt"
	CondHas = "has"
	CondNot = "not"
)

// Condition is a single decoded condition tuple.
//
// Wire forms:
//
//	["eq"|"neq"|"gt"|"lt", ref, literal]
//	["has", ref, template_id]
//	["not", <condition>]
type Condition struct {
	Op string
	// Ref is the reference path (all ops except "not").
	Ref string
	// Value is the comparison literal (eq/neq/gt/lt) or the template id (has).
	Value any
	// Not is the negated condition when Op is "not".
	Not *Condition
}

// UnmarshalJSON decodes a condition tuple.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("condition must be a JSON array: %w", err)
	}
	if len(tuple) == 0 {
		return fmt.Errorf("condition must not be empty")
	}
	if err := json.Unmarshal(tuple[0], &c.Op); err != nil {
		return fmt.Errorf("condition op must be a string")
	}

	switch c.Op {
	case CondEq, CondNeq, CondGt, CondLt:
		if len(tuple) != 3 {
			return fmt.Errorf("%q condition must have 3 elements, got %d", c.Op, len(tuple))
		}
		if err := json.Unmarshal(tuple[1], &c.Ref); err != nil {
			return fmt.Errorf("%q condition: ref must be a string", c.Op)
		}
		if err := json.Unmarshal(tuple[2], &c.Value); err != nil {
			return fmt.Errorf("%q condition: %w", c.Op, err)
		}
	case CondHas:
		if len(tuple) != 3 {
			return fmt.Errorf("\"has\" condition must have 3 elements, got %d", len(tuple))
		}
		if err := json.Unmarshal(tuple[1], &c.Ref); err != nil {
			return fmt.Errorf("\"has\" condition: ref must be a string")
		}
		var tid string
		if err := json.Unmarshal(tuple[2], &tid); err != nil {
			return fmt.Errorf("\"has\" condition: template id must be a string")
		}
		c.Value = tid
	case CondNot:
		if len(tuple) != 2 {
			return fmt.Errorf("\"not\" condition must have 2 elements, got %d", len(tuple))
		}
		inner := &Condition{}
		if err := json.Unmarshal(tuple[1], inner); err != nil {
			return fmt.Errorf("\"not\" condition: %w", err)
		}
		c.Not = inner
	default:
		return fmt.Errorf("unknown condition op %q", c.Op)
	}
	return nil
}

// MarshalJSON re-encodes the tuple wire form.
func (c Condition) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case CondNot:
		return json.Marshal([]any{c.Op, c.Not})
	default:
		return json.Marshal([]any{c.Op, c.Ref, c.Value})
	}
}

// Effect op names.
const (
	EffSet     = "set"
	EffAdd     = "add"
	EffSay     = "say"
	EffTake    = "take"
	EffGive    = "give"
	EffMove    = "move"
	EffCreate  = "create"
	EffDestroy = "destroy"
	EffPerm    = "perm"
	EffDeny    = "deny"
)

// Effect is a single decoded effect entry: either a primitive tuple or a
// nested conditional block.
//
// Wire forms:
//
//	["set", ref, value]        ["add", ref, n]
//	["say", text]              ["move", ref, node]
//	["take", tid, ref]         ["give", tid, ref]
//	["create", tid, ref]       ["destroy", ref]
//	["perm", ref, key, rule]   ["deny"]
//	{"if": [...], "do": [...], "else": [...]}
type Effect struct {
	Op string
	// Ref is the target reference (set/add/move/take/give/create/destroy/perm).
	Ref string
	// Value is the scalar argument: set value, add amount (number or reference
	// string), say text, or move destination.
	Value any
	// TemplateID selects the template for take/give/create.
	TemplateID string
	// Key is the permission key for perm.
	Key string
	// Rule is the permission rule for perm.
	Rule *PermRule
	// Block is set (and Op empty) for a nested conditional block.
	Block *Block
}

// UnmarshalJSON decodes an effect tuple or nested block.
func (e *Effect) UnmarshalJSON(data []byte) error {
	trimmed := firstNonSpace(data)
	if trimmed == '{' {
		var b Block
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("nested block: %w", err)
		}
		e.Block = &b
		return nil
	}

	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("effect must be a JSON array or object: %w", err)
	}
	if len(tuple) == 0 {
		return fmt.Errorf("effect must not be empty")
	}
	if err := json.Unmarshal(tuple[0], &e.Op); err != nil {
		return fmt.Errorf("effect op must be a string")
	}

	need := func(n int) error {
		if len(tuple) != n {
			return fmt.Errorf("%q effect must have %d elements, got %d", e.Op, n, len(tuple))
		}
		return nil
	}
	str := func(i int, what string) (string, error) {
		var s string
		if err := json.Unmarshal(tuple[i], &s); err != nil {
			return "", fmt.Errorf("%q effect: %s must be a string", e.Op, what)
		}
		return s, nil
	}

	var err error
	switch e.Op {
	case EffSet, EffAdd:
		if err = need(3); err != nil {
			return err
		}
		if e.Ref, err = str(1, "ref"); err != nil {
			return err
		}
		if err = json.Unmarshal(tuple[2], &e.Value); err != nil {
			return fmt.Errorf("%q effect: %w", e.Op, err)
		}
	case EffSay:
		if err = need(2); err != nil {
			return err
		}
		var text string
		if text, err = str(1, "text"); err != nil {
			return err
		}
		e.Value = text
	case EffTake, EffGive, EffCreate:
		if err = need(3); err != nil {
			return err
		}
		if e.TemplateID, err = str(1, "template id"); err != nil {
			return err
		}
		if e.Ref, err = str(2, "ref"); err != nil {
			return err
		}
	case EffMove:
		if err = need(3); err != nil {
			return err
		}
		if e.Ref, err = str(1, "ref"); err != nil {
			return err
		}
		if err = json.Unmarshal(tuple[2], &e.Value); err != nil {
			return fmt.Errorf("\"move\" effect: %w", err)
		}
	case EffDestroy:
		if err = need(2); err != nil {
			return err
		}
		if e.Ref, err = str(1, "ref"); err != nil {
			return err
		}
	case EffPerm:
		if err = need(4); err != nil {
			return err
		}
		if e.Ref, err = str(1, "ref"); err != nil {
			return err
		}
		if e.Key, err = str(2, "key"); err != nil {
			return err
		}
		rule := &PermRule{}
		if err = json.Unmarshal(tuple[3], rule); err != nil {
			return fmt.Errorf("\"perm\" effect: %w", err)
		}
		e.Rule = rule
	case EffDeny:
		if err = need(1); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown effect op %q", e.Op)
	}
	return nil
}

// MarshalJSON re-encodes the tuple or block wire form.
func (e Effect) MarshalJSON() ([]byte, error) {
	if e.Block != nil {
		return json.Marshal(e.Block)
	}
	switch e.Op {
	case EffSet, EffAdd, EffMove:
		return json.Marshal([]any{e.Op, e.Ref, e.Value})
	case EffSay:
		return json.Marshal([]any{e.Op, e.Value})
	case EffTake, EffGive, EffCreate:
		return json.Marshal([]any{e.Op, e.TemplateID, e.Ref})
	case EffDestroy:
		return json.Marshal([]any{e.Op, e.Ref})
	case EffPerm:
		return json.Marshal([]any{e.Op, e.Ref, e.Key, e.Rule})
	case EffDeny:
		return json.Marshal([]any{e.Op})
	default:
		return nil, fmt.Errorf("cannot encode unknown effect op %q", e.Op)
	}
}

// firstNonSpace returns the first non-whitespace byte of data, or 0.
func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return b
	}
	return 0
}
