// Package dsl executes the interaction rules attached to templates.
//
// An invocation fires every rule whose verb matches, in template order,
// bounded by the instance's per-tick budget. References are re-read from the
// store on each dereference so effects earlier in the same invocation are
// visible to later conditions. Unauthorised or unresolvable effects are
// skipped silently; only "deny" alters control flow.
package dsl

import (
	"context"
	"database/sql"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

// MaxInteractionsPerTick is the per-instance rule firing budget. Rules beyond
// the budget are dropped without error.
const MaxInteractionsPerTick = 4

// Evaluator runs interaction rules against the store.
type Evaluator struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates an evaluator.
func New(s *store.Store, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		store:  s,
		logger: logger.With("component", "dsl"),
		now:    time.Now,
	}
}

// invocation is the binding context of one Fire call. All rules fired by the
// call share it, including the denied flag.
type invocation struct {
	selfID    string
	ownerID   string
	actorID   string
	subjectID string
	verb      string
	denied    bool
}

// Fire runs every rule on inst's template whose "on" matches verb. actor is
// nil for runtime-fired verbs (the world tick); subject is nil unless the
// triggering action supplies one. The returned flag reports whether some rule
// executed "deny", in which case the caller must reject the triggering verb.
func (e *Evaluator) Fire(ctx context.Context, inst *store.Instance, verb string, actor *store.Agent, subject *store.Instance) (denied bool, err error) {
	if inst == nil || inst.IsVoid || inst.IsDestroyed || !inst.TemplateID.Valid {
		return false, nil
	}
	tmpl, err := e.store.GetTemplate(ctx, inst.TemplateID.String)
	if err != nil {
		// Template row gone; the instance is effectively void.
		return false, nil
	}

	// Fresh read for the per-tick budget: earlier firings in this tick may
	// have advanced it.
	cur, err := e.store.GetInstance(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	used := cur.InteractionsUsed

	inv := &invocation{
		selfID:  inst.ID,
		ownerID: tmpl.OwnerID,
		verb:    verb,
	}
	if actor != nil {
		inv.actorID = actor.ID
	}
	if subject != nil {
		inv.subjectID = subject.ID
	}

	for _, rule := range tmpl.Interactions {
		if rule.On != verb {
			continue
		}
		if used >= MaxInteractionsPerTick {
			break
		}
		used++
		if err := e.store.SetInteractionsUsed(ctx, inst.ID, used); err != nil {
			return inv.denied, err
		}
		e.runBranch(ctx, inv, rule.If, rule.Do, rule.Else)
		if inv.denied {
			break
		}
	}
	return inv.denied, nil
}

// runBranch evaluates the condition list and executes the chosen effect list
// in order, halting early when the invocation is denied.
func (e *Evaluator) runBranch(ctx context.Context, inv *invocation, conds []rules.Condition, do, els []rules.Effect) {
	effects := do
	if !e.evalConditions(ctx, inv, conds) {
		effects = els
	}
	for _, eff := range effects {
		if inv.denied {
			return
		}
		e.applyEffect(ctx, inv, eff)
	}
}

// evalConditions is a logical AND over the list; an empty list holds.
func (e *Evaluator) evalConditions(ctx context.Context, inv *invocation, conds []rules.Condition) bool {
	for _, c := range conds {
		if !e.evalCondition(ctx, inv, c) {
			return false
		}
	}
	return true
}

func (e *Evaluator) evalCondition(ctx context.Context, inv *invocation, c rules.Condition) bool {
	switch c.Op {
	case rules.CondNot:
		return c.Not != nil && !e.evalCondition(ctx, inv, *c.Not)
	case rules.CondEq, rules.CondNeq:
		val, ok := e.resolve(ctx, inv, c.Ref)
		if !ok {
			return c.Op == rules.CondNeq
		}
		eq := scalarEqual(val, c.Value)
		if c.Op == rules.CondEq {
			return eq
		}
		return !eq
	case rules.CondGt, rules.CondLt:
		val, ok := e.resolve(ctx, inv, c.Ref)
		if !ok {
			return false
		}
		a, aok := toNumber(val)
		b, bok := toNumber(c.Value)
		if !aok || !bok {
			return false
		}
		if c.Op == rules.CondGt {
			return a > b
		}
		return a < b
	case rules.CondHas:
		val, ok := e.resolve(ctx, inv, c.Ref)
		if !ok {
			return false
		}
		id, sok := val.(string)
		tid, tok := c.Value.(string)
		if !sok || !tok {
			return false
		}
		has, err := e.store.HasInstanceOfTemplate(ctx, id, tid)
		return err == nil && has
	}
	return false
}

func (e *Evaluator) applyEffect(ctx context.Context, inv *invocation, eff rules.Effect) {
	if eff.Block != nil {
		e.runBranch(ctx, inv, eff.Block.If, eff.Block.Do, eff.Block.Else)
		return
	}
	switch eff.Op {
	case rules.EffDeny:
		inv.denied = true
	case rules.EffSet:
		e.effectSet(ctx, inv, eff)
	case rules.EffAdd:
		e.effectAdd(ctx, inv, eff)
	case rules.EffSay:
		e.effectSay(ctx, inv, eff)
	case rules.EffTake:
		e.effectTake(ctx, inv, eff)
	case rules.EffGive:
		e.effectGive(ctx, inv, eff)
	case rules.EffMove:
		e.effectMove(ctx, inv, eff)
	case rules.EffCreate:
		e.effectCreate(ctx, inv, eff)
	case rules.EffDestroy:
		e.effectDestroy(ctx, inv, eff)
	case rules.EffPerm:
		e.effectPerm(ctx, inv, eff)
	}
}

// --- Effects ---

func (e *Evaluator) effectSet(ctx context.Context, inv *invocation, eff rules.Effect) {
	target, field, ok := e.writeTarget(ctx, inv, eff.Ref)
	if !ok || !e.canWrite(ctx, inv, target) {
		return
	}
	switch field {
	case "short_description":
		if s, ok := eff.Value.(string); ok {
			e.check(ctx, "set", e.store.UpdateInstanceDescriptions(ctx, target.ID, s, target.LongDesc))
		}
	case "long_description":
		if s, ok := eff.Value.(string); ok {
			e.check(ctx, "set", e.store.UpdateInstanceDescriptions(ctx, target.ID, target.ShortDesc, s))
		}
	default:
		fields := target.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		fields[field] = eff.Value
		e.check(ctx, "set", e.store.UpdateInstanceFields(ctx, target.ID, fields))
	}
}

func (e *Evaluator) effectAdd(ctx context.Context, inv *invocation, eff rules.Effect) {
	target, field, ok := e.writeTarget(ctx, inv, eff.Ref)
	if !ok || !e.canWrite(ctx, inv, target) {
		return
	}
	if field == "short_description" || field == "long_description" {
		return
	}

	cur, _ := toNumber(target.Fields[field])

	var n float64
	if ref, isRef := eff.Value.(string); isRef {
		val, ok := e.resolve(ctx, inv, ref)
		if !ok {
			return
		}
		if n, ok = toNumber(val); !ok {
			return
		}
	} else if n, ok = toNumber(eff.Value); !ok {
		return
	}

	fields := target.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	fields[field] = cur + n
	e.check(ctx, "add", e.store.UpdateInstanceFields(ctx, target.ID, fields))
}

func (e *Evaluator) effectSay(ctx context.Context, inv *invocation, eff rules.Effect) {
	text, ok := eff.Value.(string)
	if !ok {
		return
	}
	self, err := e.store.GetInstance(ctx, inv.selfID)
	if err != nil {
		return
	}
	node := world.ContainingNode(ctx, e.store, self)
	if node == nil {
		return
	}
	msg := e.interpolate(ctx, inv, text)
	_, err = e.store.BroadcastToNode(ctx, node.ID, store.EventBroadcast,
		map[string]any{"message": msg}, "")
	e.check(ctx, "say", err)
}

func (e *Evaluator) effectTake(ctx context.Context, inv *invocation, eff rules.Effect) {
	srcType, srcID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok {
		return
	}
	item, err := e.store.FirstContainedOfTemplate(ctx, srcType, srcID, eff.TemplateID)
	if err != nil || item == nil {
		return
	}
	if srcType == store.ContainerInstance && srcID != inv.selfID {
		src, err := e.store.GetInstance(ctx, srcID)
		if err != nil || !world.OwnerAllowed(ctx, e.store, inv.ownerID, src, rules.PermContain) {
			return
		}
	}
	if !world.CanContain(ctx, e.store, store.ContainerInstance, inv.selfID) {
		return
	}
	e.check(ctx, "take", e.store.SetInstanceContainer(ctx, item.ID, store.ContainerInstance, inv.selfID))
}

func (e *Evaluator) effectGive(ctx context.Context, inv *invocation, eff rules.Effect) {
	item, err := e.store.FirstContainedOfTemplate(ctx, store.ContainerInstance, inv.selfID, eff.TemplateID)
	if err != nil || item == nil {
		return
	}
	destType, destID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok {
		return
	}
	if destType == store.ContainerInstance && destID != inv.selfID {
		dest, err := e.store.GetInstance(ctx, destID)
		if err != nil || !world.OwnerAllowed(ctx, e.store, inv.ownerID, dest, rules.PermContain) {
			return
		}
	}
	if !world.CanContain(ctx, e.store, destType, destID) {
		return
	}
	e.check(ctx, "give", e.store.SetInstanceContainer(ctx, item.ID, destType, destID))
}

func (e *Evaluator) effectMove(ctx context.Context, inv *invocation, eff rules.Effect) {
	targetType, targetID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok {
		return
	}
	nodeID, ok := eff.Value.(string)
	if !ok {
		return
	}
	node, err := e.store.GetInstance(ctx, nodeID)
	if err != nil || node.Kind != store.KindNode || node.IsVoid || node.IsDestroyed {
		return
	}

	if targetType == store.ContainerAgent {
		if err := e.store.SetAgentNode(ctx, targetID, node.ID); err != nil {
			e.check(ctx, "move", err)
			return
		}
		_, err := e.store.AppendEvent(ctx, targetID, store.EventSystem,
			map[string]any{"message": "you are moved to " + node.ShortDesc})
		e.check(ctx, "move", err)
		return
	}

	target, err := e.store.GetInstance(ctx, targetID)
	if err != nil || target.Kind == store.KindNode {
		return
	}
	if targetID != inv.selfID && !world.OwnerAllowed(ctx, e.store, inv.ownerID, target, rules.PermContain) {
		return
	}
	e.check(ctx, "move", e.store.SetInstanceContainer(ctx, targetID, store.ContainerInstance, node.ID))
}

func (e *Evaluator) effectCreate(ctx context.Context, inv *invocation, eff rules.Effect) {
	destType, destID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok {
		return
	}
	tmpl, err := e.store.GetTemplate(ctx, eff.TemplateID)
	if err != nil || tmpl.Kind == store.KindNode {
		// Nodes are top-level; they cannot be created inside a container.
		return
	}
	if destType == store.ContainerInstance && destID != inv.selfID {
		dest, err := e.store.GetInstance(ctx, destID)
		if err != nil || !world.OwnerAllowed(ctx, e.store, inv.ownerID, dest, rules.PermContain) {
			return
		}
	}
	if !world.CanContain(ctx, e.store, destType, destID) {
		return
	}

	inst := &store.Instance{
		ID:            uuid.NewString(),
		TemplateID:    sql.NullString{String: tmpl.ID, Valid: true},
		Kind:          tmpl.Kind,
		ShortDesc:     tmpl.ShortDesc,
		LongDesc:      tmpl.LongDesc,
		Fields:        copyFields(tmpl.Fields),
		Permissions:   map[string]rules.PermRule{},
		ContainerType: destType,
		ContainerID:   sql.NullString{String: destID, Valid: true},
	}
	e.check(ctx, "create", e.store.CreateInstance(ctx, inst))
}

func (e *Evaluator) effectDestroy(ctx context.Context, inv *invocation, eff rules.Effect) {
	targetType, targetID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok || targetType != store.ContainerInstance {
		return
	}
	target, err := e.store.GetInstance(ctx, targetID)
	if err != nil || target.IsDestroyed {
		return
	}
	if targetID != inv.selfID && !world.OwnerAllowed(ctx, e.store, inv.ownerID, target, rules.PermDelete) {
		return
	}
	e.check(ctx, "destroy", world.DestroyCascade(ctx, e.store, target))
}

func (e *Evaluator) effectPerm(ctx context.Context, inv *invocation, eff rules.Effect) {
	if !rules.IsPermissionKey(eff.Key) || eff.Rule == nil {
		return
	}
	targetType, targetID, ok := e.entityTarget(ctx, inv, eff.Ref)
	if !ok || targetType != store.ContainerInstance {
		return
	}
	target, err := e.store.GetInstance(ctx, targetID)
	if err != nil || target.IsDestroyed {
		return
	}
	if targetID != inv.selfID {
		// The owner may only grant what they themselves hold on the target.
		if !world.OwnerAllowed(ctx, e.store, inv.ownerID, target, rules.PermPerms) ||
			!world.OwnerAllowed(ctx, e.store, inv.ownerID, target, eff.Key) {
			return
		}
	}

	perms := target.Permissions
	if perms == nil {
		perms = map[string]rules.PermRule{}
	}
	perms[eff.Key] = *eff.Rule
	e.check(ctx, "perm", e.store.UpdateInstancePermissions(ctx, target.ID, perms))
}

// canWrite gates field writes: self is always writable, anything else needs
// the template owner to hold edit on the target.
func (e *Evaluator) canWrite(ctx context.Context, inv *invocation, target *store.Instance) bool {
	if target.ID == inv.selfID {
		return true
	}
	return world.OwnerAllowed(ctx, e.store, inv.ownerID, target, rules.PermEdit)
}

// check logs a failed effect. Effects never abort the rule; a half-evaluated
// rule must not leak partial state to the caller as an error.
func (e *Evaluator) check(ctx context.Context, op string, err error) {
	if err != nil {
		e.logger.WarnContext(ctx, "interaction effect failed", "op", op, "error", err)
	}
}

// --- Reference resolution ---

// resolve returns the scalar value of a reference, with ok=false when the
// reference is unbound in this invocation or the path does not resolve.
func (e *Evaluator) resolve(ctx context.Context, inv *invocation, ref string) (any, bool) {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "tick":
		if len(parts) == 2 && parts[1] == "count" {
			now := e.now().UTC()
			midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
			return float64(int64(now.Sub(midnight) / time.Second)), true
		}
	case "actor":
		if inv.actorID != "" {
			return e.agentRef(ctx, inv.actorID, parts[1:])
		}
	case "carrier":
		self, err := e.store.GetInstance(ctx, inv.selfID)
		if err != nil {
			return nil, false
		}
		if carrier := world.Carrier(ctx, e.store, self); carrier != nil {
			return e.agentRef(ctx, carrier.ID, parts[1:])
		}
	case "self":
		return e.instanceRef(ctx, inv.selfID, parts[1:])
	case "subject":
		if inv.subjectID != "" {
			return e.instanceRef(ctx, inv.subjectID, parts[1:])
		}
	case "container":
		self, err := e.store.GetInstance(ctx, inv.selfID)
		if err != nil || !self.ContainerID.Valid {
			return nil, false
		}
		switch self.ContainerType {
		case store.ContainerInstance:
			return e.instanceRef(ctx, self.ContainerID.String, parts[1:])
		case store.ContainerAgent:
			return e.agentRef(ctx, self.ContainerID.String, parts[1:])
		}
	}
	return nil, false
}

// agentRef dereferences the tail of a reference rooted at an agent.
func (e *Evaluator) agentRef(ctx context.Context, id string, rest []string) (any, bool) {
	a, err := e.store.GetAgent(ctx, id)
	if err != nil {
		return nil, false
	}
	if len(rest) == 0 {
		return a.ID, true
	}
	switch rest[0] {
	case "id":
		return a.ID, true
	case "username":
		return a.Username, true
	case "short_description":
		return a.ShortDesc, true
	case "long_description":
		return a.LongDesc, true
	case "contents":
		return e.contentsRef(ctx, store.ContainerAgent, a.ID, rest[1:])
	}
	return nil, false
}

// instanceRef dereferences the tail of a reference rooted at an instance.
// The instance is re-read from the store so intra-invocation mutations are
// observed.
func (e *Evaluator) instanceRef(ctx context.Context, id string, rest []string) (any, bool) {
	inst, err := e.store.GetInstance(ctx, id)
	if err != nil || inst.IsDestroyed {
		return nil, false
	}
	if len(rest) == 0 {
		return inst.ID, true
	}
	switch rest[0] {
	case "id":
		return inst.ID, true
	case "short_description":
		return inst.ShortDesc, true
	case "long_description":
		return inst.LongDesc, true
	case "contents":
		return e.contentsRef(ctx, store.ContainerInstance, inst.ID, rest[1:])
	}
	v, ok := inst.Fields[rest[0]]
	return v, ok
}

// contentsRef resolves the ["t:TID", FIELD] tail of a contents reference
// against the first live contained instance of the template.
func (e *Evaluator) contentsRef(ctx context.Context, containerType, containerID string, rest []string) (any, bool) {
	if len(rest) != 2 || !strings.HasPrefix(rest[0], "t:") {
		return nil, false
	}
	tid := strings.TrimPrefix(rest[0], "t:")
	inst, err := e.store.FirstContainedOfTemplate(ctx, containerType, containerID, tid)
	if err != nil || inst == nil {
		return nil, false
	}
	v, ok := inst.Fields[rest[1]]
	return v, ok
}

// writeTarget resolves a writable reference into its target instance and the
// field being written. Only self, subject, and container are writable, and
// only when the target is an instance.
func (e *Evaluator) writeTarget(ctx context.Context, inv *invocation, ref string) (*store.Instance, string, bool) {
	head, field, found := strings.Cut(ref, ".")
	if !found || strings.Contains(field, ".") {
		return nil, "", false
	}

	var id string
	switch head {
	case "self":
		id = inv.selfID
	case "subject":
		if inv.subjectID == "" {
			return nil, "", false
		}
		id = inv.subjectID
	case "container":
		self, err := e.store.GetInstance(ctx, inv.selfID)
		if err != nil || self.ContainerType != store.ContainerInstance || !self.ContainerID.Valid {
			return nil, "", false
		}
		id = self.ContainerID.String
	default:
		return nil, "", false
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil || inst.IsDestroyed {
		return nil, "", false
	}
	return inst, field, true
}

// entityTarget resolves a reference to a container target: (container type,
// entity id). Bare heads resolve directly; any other reference counts when
// its scalar value names an existing agent or instance.
func (e *Evaluator) entityTarget(ctx context.Context, inv *invocation, ref string) (string, string, bool) {
	switch ref {
	case "self":
		return store.ContainerInstance, inv.selfID, true
	case "subject":
		if inv.subjectID == "" {
			return "", "", false
		}
		return store.ContainerInstance, inv.subjectID, true
	case "actor":
		if inv.actorID == "" {
			return "", "", false
		}
		return store.ContainerAgent, inv.actorID, true
	case "carrier":
		self, err := e.store.GetInstance(ctx, inv.selfID)
		if err != nil {
			return "", "", false
		}
		carrier := world.Carrier(ctx, e.store, self)
		if carrier == nil {
			return "", "", false
		}
		return store.ContainerAgent, carrier.ID, true
	case "container":
		self, err := e.store.GetInstance(ctx, inv.selfID)
		if err != nil || !self.ContainerID.Valid || self.ContainerType == "" {
			return "", "", false
		}
		return self.ContainerType, self.ContainerID.String, true
	}

	val, ok := e.resolve(ctx, inv, ref)
	if !ok {
		return "", "", false
	}
	id, ok := val.(string)
	if !ok {
		return "", "", false
	}
	if _, err := e.store.GetAgent(ctx, id); err == nil {
		return store.ContainerAgent, id, true
	}
	if _, err := e.store.GetInstance(ctx, id); err == nil {
		return store.ContainerInstance, id, true
	}
	return "", "", false
}

var refToken = regexp.MustCompile(`\{([^{}]+)\}`)

// interpolate replaces {ref} tokens in text with their resolved scalar
// values. Unresolvable tokens are left in place.
func (e *Evaluator) interpolate(ctx context.Context, inv *invocation, text string) string {
	return refToken.ReplaceAllStringFunc(text, func(token string) string {
		ref := token[1 : len(token)-1]
		val, ok := e.resolve(ctx, inv, ref)
		if !ok {
			return token
		}
		return formatScalar(val)
	})
}

// --- Scalar helpers ---

func formatScalar(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case nil:
		return ""
	default:
		return ""
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// scalarEqual compares two JSON scalars; numbers compare numerically across
// int/float representations.
func scalarEqual(a, b any) bool {
	if na, aok := toNumber(a); aok {
		nb, bok := toNumber(b)
		return bok && na == nb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func copyFields(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
