package world_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "mash-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkAgent(t *testing.T, s *store.Store, id, username string) *store.Agent {
	t.Helper()
	a := &store.Agent{
		ID: id, Username: username, PasswordHash: "x", Token: "tok-" + id,
		LookAgents: 20, LookLinks: 20, LookThings: 20, SeeBroadcasts: true,
	}
	if err := s.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent(%s): %v", id, err)
	}
	return a
}

func mkNode(t *testing.T, s *store.Store, id string) *store.Instance {
	t.Helper()
	n := &store.Instance{ID: id, Kind: store.KindNode}
	if err := s.CreateInstance(context.Background(), n); err != nil {
		t.Fatalf("CreateInstance(%s): %v", id, err)
	}
	return n
}

func mkContained(t *testing.T, s *store.Store, id, kind, templateID, containerType, containerID string) *store.Instance {
	t.Helper()
	inst := &store.Instance{
		ID: id, Kind: kind,
		ContainerType: containerType,
		ContainerID:   sql.NullString{String: containerID, Valid: containerID != ""},
	}
	if templateID != "" {
		inst.TemplateID = sql.NullString{String: templateID, Valid: true}
	}
	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance(%s): %v", id, err)
	}
	return inst
}

// --- Containment ---

func TestContainingNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	node := mkNode(t, s, "n1")
	box := mkContained(t, s, "box", store.KindThing, "", store.ContainerInstance, "n1")
	coin := mkContained(t, s, "coin", store.KindThing, "", store.ContainerInstance, "box")

	if got := world.ContainingNode(ctx, s, node); got == nil || got.ID != "n1" {
		t.Errorf("node's containing node should be itself, got %+v", got)
	}
	if got := world.ContainingNode(ctx, s, box); got == nil || got.ID != "n1" {
		t.Errorf("box's containing node: got %+v, want n1", got)
	}
	if got := world.ContainingNode(ctx, s, coin); got == nil || got.ID != "n1" {
		t.Errorf("coin's containing node: got %+v, want n1", got)
	}
}

func TestContainingNode_ThroughAgentInventory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkNode(t, s, "n1")
	mkAgent(t, s, "a1", "alice")
	s.SetAgentNode(ctx, "a1", "n1")
	held := mkContained(t, s, "held", store.KindThing, "", store.ContainerAgent, "a1")

	if got := world.ContainingNode(ctx, s, held); got == nil || got.ID != "n1" {
		t.Errorf("carried thing resolves to carrier's node: got %+v, want n1", got)
	}

	// Carrier in limbo: no containing node.
	s.SetAgentNode(ctx, "a1", "")
	if got := world.ContainingNode(ctx, s, held); got != nil {
		t.Errorf("expected nil containing node for limbo carrier, got %+v", got)
	}
}

func TestContainingNode_Loop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := mkContained(t, s, "ia", store.KindThing, "", store.ContainerInstance, "ib")
	mkContained(t, s, "ib", store.KindThing, "", store.ContainerInstance, "ia")

	if got := world.ContainingNode(ctx, s, a); got != nil {
		t.Errorf("loop must resolve to nil, got %+v", got)
	}
	if d := world.Depth(ctx, s, a); d != -1 {
		t.Errorf("loop depth: got %d, want -1", d)
	}
}

func TestCarrier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkAgent(t, s, "a1", "alice")
	bag := mkContained(t, s, "bag", store.KindThing, "", store.ContainerAgent, "a1")
	coin := mkContained(t, s, "coin", store.KindThing, "", store.ContainerInstance, "bag")

	if got := world.Carrier(ctx, s, coin); got == nil || got.ID != "a1" {
		t.Errorf("nested coin's carrier: got %+v, want a1", got)
	}
	if got := world.Carrier(ctx, s, bag); got == nil || got.ID != "a1" {
		t.Errorf("bag's carrier: got %+v, want a1", got)
	}

	mkNode(t, s, "n1")
	loose := mkContained(t, s, "loose", store.KindThing, "", store.ContainerInstance, "n1")
	if got := world.Carrier(ctx, s, loose); got != nil {
		t.Errorf("thing in node has no carrier, got %+v", got)
	}
}

func TestCanContain_DepthLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkNode(t, s, "n1")
	parent := "n1"
	// Build a chain right up to the depth limit.
	for i := 1; i <= world.MaxContainmentDepth-1; i++ {
		id := fmt.Sprintf("box%d", i)
		mkContained(t, s, id, store.KindThing, "", store.ContainerInstance, parent)
		parent = id
	}

	if !world.CanContain(ctx, s, store.ContainerInstance, parent) {
		t.Errorf("expected depth %d container to accept a child", world.MaxContainmentDepth-1)
	}

	deepest := fmt.Sprintf("box%d", world.MaxContainmentDepth)
	mkContained(t, s, deepest, store.KindThing, "", store.ContainerInstance, parent)
	if world.CanContain(ctx, s, store.ContainerInstance, deepest) {
		t.Errorf("expected depth %d container to reject a child", world.MaxContainmentDepth)
	}

	// Agent inventory restarts the count.
	mkAgent(t, s, "a1", "alice")
	if !world.CanContain(ctx, s, store.ContainerAgent, "a1") {
		t.Error("agent inventory should always accept")
	}
}

// --- Permissions ---

func setupPermWorld(t *testing.T, s *store.Store) (owner, other *store.Agent, inst *store.Instance) {
	t.Helper()
	ctx := context.Background()

	owner = mkAgent(t, s, "owner", "olivia")
	other = mkAgent(t, s, "other", "oscar")
	mkNode(t, s, "n1")
	s.SetAgentNode(ctx, "owner", "n1")
	s.SetAgentNode(ctx, "other", "n1")

	tmpl := &store.Template{
		ID: "tpl1", OwnerID: "owner", Name: "door", Kind: store.KindThing,
		DefaultPermissions: map[string]rules.PermRule{
			rules.PermInteract: {Kind: "any"},
			rules.PermEdit:     {Kind: "owner"},
			rules.PermDelete:   {Kind: "none"},
			rules.PermContain:  {Kind: "node"},
			rules.PermPerms:    {Kind: "list", Users: []string{"oscar"}},
		},
	}
	if err := s.CreateTemplate(ctx, tmpl); err != nil {
		t.Fatalf("CreateTemplate: %v", err)
	}
	inst = mkContained(t, s, "i1", store.KindThing, "tpl1", store.ContainerInstance, "n1")
	return owner, other, inst
}

func TestAllowed_RuleKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner, other, inst := setupPermWorld(t, s)

	cases := []struct {
		key   string
		agent *store.Agent
		want  bool
	}{
		{rules.PermInteract, other, true},  // any
		{rules.PermEdit, owner, true},      // owner
		{rules.PermEdit, other, false},     // owner, not owner
		{rules.PermDelete, owner, false},   // none denies everyone
		{rules.PermContain, other, true},   // node, same node
		{rules.PermPerms, other, true},     // list contains oscar
		{rules.PermPerms, owner, false},    // list without olivia
		{rules.PermInspect, owner, true},   // unset key defaults to owner
		{rules.PermInspect, other, false},  // unset key defaults to owner
	}
	for _, tc := range cases {
		if got := world.Allowed(ctx, s, tc.agent, inst, tc.key); got != tc.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tc.agent.Username, tc.key, got, tc.want)
		}
	}
}

func TestAllowed_NodeRuleOtherNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, other, inst := setupPermWorld(t, s)

	mkNode(t, s, "n2")
	s.SetAgentNode(ctx, other.ID, "n2")
	otherMoved, _ := s.GetAgent(ctx, other.ID)

	if world.Allowed(ctx, s, otherMoved, inst, rules.PermContain) {
		t.Error("node rule must deny an agent in a different node")
	}
}

func TestAllowed_InstanceOverrideWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, other, inst := setupPermWorld(t, s)

	err := s.UpdateInstancePermissions(ctx, inst.ID, map[string]rules.PermRule{
		rules.PermInteract: {Kind: "none"},
	})
	if err != nil {
		t.Fatalf("UpdateInstancePermissions: %v", err)
	}
	got, _ := s.GetInstance(ctx, inst.ID)

	if world.Allowed(ctx, s, other, got, rules.PermInteract) {
		t.Error("instance override (none) must win over template default (any)")
	}
}

func TestAllowed_VoidHasNoOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner, _, inst := setupPermWorld(t, s)

	if err := s.VoidInstance(ctx, inst.ID); err != nil {
		t.Fatalf("VoidInstance: %v", err)
	}
	voided, _ := s.GetInstance(ctx, inst.ID)

	if world.Allowed(ctx, s, owner, voided, rules.PermEdit) {
		t.Error("void instance has no owner; owner rule must deny")
	}
}

func TestAllowed_DestroyedDeniesAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner, _, inst := setupPermWorld(t, s)

	if err := s.DestroyInstance(ctx, inst.ID); err != nil {
		t.Fatalf("DestroyInstance: %v", err)
	}
	gone, _ := s.GetInstance(ctx, inst.ID)

	if world.Allowed(ctx, s, owner, gone, rules.PermInteract) {
		t.Error("destroyed instance must grant nothing")
	}
}

func TestEffectiveRule_Defaults(t *testing.T) {
	inst := &store.Instance{Permissions: map[string]rules.PermRule{}}
	rule := world.EffectiveRule(inst, nil, rules.PermEdit)
	if rule.Kind != "owner" {
		t.Errorf("default rule: got %q, want owner", rule.Kind)
	}
}
