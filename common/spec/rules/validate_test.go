package rules

import (
	"encoding/json"
	"testing"
)

func TestParseInteractions_Valid(t *testing.T) {
	doc := `[
		{"on": "travel",
		 "if": [["eq", "self.locked", true]],
		 "do": [["say", "the door is locked"], ["deny"]],
		 "else": [["set", "self.uses", 1]]},
		{"on": "tick",
		 "do": [["add", "self.charge", 1],
		        {"if": [["gt", "self.charge", 10]],
		         "do": [["set", "self.charge", 0], ["create", "t-spark", "self"]]}]}
	]`

	rs, err := ParseInteractions([]byte(doc))
	if err != nil {
		t.Fatalf("ParseInteractions: %v", err)
	}
	if len(rs) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rs))
	}

	r := rs[0]
	if r.On != "travel" {
		t.Errorf("On: got %q, want %q", r.On, "travel")
	}
	if len(r.If) != 1 || r.If[0].Op != CondEq || r.If[0].Ref != "self.locked" {
		t.Errorf("unexpected condition: %+v", r.If)
	}
	if len(r.Do) != 2 || r.Do[0].Op != EffSay || r.Do[1].Op != EffDeny {
		t.Errorf("unexpected do list: %+v", r.Do)
	}
	if len(r.Else) != 1 || r.Else[0].Op != EffSet {
		t.Errorf("unexpected else list: %+v", r.Else)
	}

	nested := rs[1].Do[1]
	if nested.Block == nil {
		t.Fatalf("expected nested block, got %+v", nested)
	}
	if len(nested.Block.Do) != 2 || nested.Block.Do[1].Op != EffCreate {
		t.Errorf("unexpected block do list: %+v", nested.Block.Do)
	}
	if nested.Block.Do[1].TemplateID != "t-spark" {
		t.Errorf("TemplateID: got %q, want %q", nested.Block.Do[1].TemplateID, "t-spark")
	}
}

func TestParseInteractions_Empty(t *testing.T) {
	rs, err := ParseInteractions(nil)
	if err != nil {
		t.Fatalf("ParseInteractions(nil): %v", err)
	}
	if len(rs) != 0 {
		t.Errorf("expected no rules, got %d", len(rs))
	}
}

func TestParseInteractions_Rejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"not an array", `{"on": "tick", "do": []}`},
		{"missing on", `[{"do": [["deny"]]}]`},
		{"missing do", `[{"on": "tick"}]`},
		{"empty do", `[{"on": "tick", "do": []}]`},
		{"unknown effect op", `[{"on": "tick", "do": [["explode", "self"]]}]`},
		{"unknown condition op", `[{"on": "tick", "if": [["like", "self.x", 1]], "do": [["deny"]]}]`},
		{"bad arity", `[{"on": "tick", "do": [["set", "self.x"]]}]`},
		{"bad reference head", `[{"on": "tick", "do": [["set", "world.x", 1]]}]`},
		{"unknown perm key", `[{"on": "use", "do": [["perm", "self", "fly", "any"]]}]`},
		{"unknown perm rule", `[{"on": "use", "do": [["perm", "self", "edit", "sometimes"]]}]`},
		{"uppercase verb", `[{"on": "Tick", "do": [["deny"]]}]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseInteractions([]byte(tc.doc)); err == nil {
				t.Errorf("expected error for %s, got nil", tc.name)
			}
		})
	}
}

func TestParseInteractions_DepthBound(t *testing.T) {
	// Build a document nested two levels past the limit.
	inner := `["deny"]`
	for i := 0; i < maxBlockDepth+2; i++ {
		inner = `{"do": [` + inner + `]}`
	}
	doc := `[{"on": "tick", "do": [` + inner + `]}]`

	if _, err := ParseInteractions([]byte(doc)); err == nil {
		t.Error("expected depth error, got nil")
	}
}

func TestParsePermissions(t *testing.T) {
	perms, err := ParsePermissions([]byte(
		`{"interact": "any", "edit": ["list", ["alice", "bob"]], "delete": "none"}`))
	if err != nil {
		t.Fatalf("ParsePermissions: %v", err)
	}
	if perms["interact"].Kind != "any" {
		t.Errorf("interact: got %q, want %q", perms["interact"].Kind, "any")
	}
	if perms["delete"].Kind != "none" {
		t.Errorf("delete: got %q, want %q", perms["delete"].Kind, "none")
	}
	edit := perms["edit"]
	if edit.Kind != "list" || len(edit.Users) != 2 || edit.Users[0] != "alice" {
		t.Errorf("edit: got %+v, want list of alice,bob", edit)
	}
}

func TestParsePermissions_UnknownKey(t *testing.T) {
	if _, err := ParsePermissions([]byte(`{"fly": "any"}`)); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestPermRule_RoundTrip(t *testing.T) {
	for _, rule := range []PermRule{
		{Kind: "any"},
		{Kind: "node"},
		{Kind: "list", Users: []string{"alice"}},
	} {
		data, err := json.Marshal(rule)
		if err != nil {
			t.Fatalf("Marshal(%+v): %v", rule, err)
		}
		var back PermRule
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("Unmarshal(%s): %v", data, err)
		}
		if back.Kind != rule.Kind || len(back.Users) != len(rule.Users) {
			t.Errorf("round trip: got %+v, want %+v", back, rule)
		}
	}
}

func TestEffect_RoundTrip(t *testing.T) {
	doc := `[["perm", "self", "edit", ["list", ["alice"]]], ["take", "t-key", "container"], ["deny"]]`
	var effects []Effect
	if err := json.Unmarshal([]byte(doc), &effects); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	data, err := json.Marshal(effects)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back []Effect
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal round trip: %v", err)
	}
	if back[0].Op != EffPerm || back[0].Rule == nil || back[0].Rule.Kind != "list" {
		t.Errorf("perm effect did not survive round trip: %+v", back[0])
	}
	if back[1].Op != EffTake || back[1].TemplateID != "t-key" || back[1].Ref != "container" {
		t.Errorf("take effect did not survive round trip: %+v", back[1])
	}
}

func TestValidRef(t *testing.T) {
	valid := []string{
		"self", "actor", "subject", "container", "carrier",
		"tick.count", "self.id", "actor.username", "self.hp",
		"self.contents.t:abc.power", "carrier.contents.t:abc.power",
	}
	for _, ref := range valid {
		if !ValidRef(ref) {
			t.Errorf("ValidRef(%q) = false, want true", ref)
		}
	}

	invalid := []string{
		"", "world", "tick.seconds", "self.contents",
		"self.contents.abc.power", "container.contents.t:abc.power",
		"self.contents.t:.power", "self.",
	}
	for _, ref := range invalid {
		if ValidRef(ref) {
			t.Errorf("ValidRef(%q) = true, want false", ref)
		}
	}
}
