package world

import (
	"context"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
)

// StockDefaultPermissions are the permissions a new template receives when
// its author does not supply any.
func StockDefaultPermissions() map[string]rules.PermRule {
	return map[string]rules.PermRule{
		rules.PermInteract: {Kind: "any"},
		rules.PermInspect:  {Kind: "any"},
		rules.PermEdit:     {Kind: "owner"},
		rules.PermDelete:   {Kind: "owner"},
		rules.PermContain:  {Kind: "owner"},
		rules.PermPerms:    {Kind: "owner"},
	}
}

// EffectiveRule resolves the rule for (inst, key): the instance override
// wins, then the template default, then "owner".
func EffectiveRule(inst *store.Instance, tmpl *store.Template, key string) rules.PermRule {
	if rule, ok := inst.Permissions[key]; ok {
		return rule
	}
	if tmpl != nil {
		if rule, ok := tmpl.DefaultPermissions[key]; ok {
			return rule
		}
	}
	return rules.Owner
}

// Allowed reports whether agent holds the permission named by key on inst.
// Destroyed instances grant nothing. Void instances have no owner, so
// owner-defaulting keys resolve to false on them.
func Allowed(ctx context.Context, s *store.Store, agent *store.Agent, inst *store.Instance, key string) bool {
	if agent == nil || inst == nil || inst.IsDestroyed {
		return false
	}

	var tmpl *store.Template
	if inst.TemplateID.Valid {
		t, err := s.GetTemplate(ctx, inst.TemplateID.String)
		if err == nil {
			tmpl = t
		}
	}

	return ruleAllows(ctx, s, EffectiveRule(inst, tmpl, key), agent, inst, tmpl)
}

// AllowedByID is Allowed with the instance loaded by id.
func AllowedByID(ctx context.Context, s *store.Store, agent *store.Agent, instID, key string) bool {
	inst, err := s.GetInstance(ctx, instID)
	if err != nil {
		return false
	}
	return Allowed(ctx, s, agent, inst, key)
}

// OwnerAllowed reports whether the owner of the template that carries a
// firing rule holds key on the target instance. Used by the DSL effect
// authorisation: a rule may not do to others what its author could not.
func OwnerAllowed(ctx context.Context, s *store.Store, ownerID string, inst *store.Instance, key string) bool {
	owner, err := s.GetAgent(ctx, ownerID)
	if err != nil {
		return false
	}
	return Allowed(ctx, s, owner, inst, key)
}

// ruleAllows evaluates a single permission rule against (agent, inst).
func ruleAllows(ctx context.Context, s *store.Store, rule rules.PermRule, agent *store.Agent, inst *store.Instance, tmpl *store.Template) bool {
	switch rule.Kind {
	case "any":
		return true
	case "none":
		return false
	case "owner":
		return tmpl != nil && tmpl.OwnerID == agent.ID
	case "node":
		if !agent.CurrentNodeID.Valid {
			return false
		}
		return InNode(ctx, s, inst, agent.CurrentNodeID.String)
	case "list":
		for _, username := range rule.Users {
			if username == agent.Username {
				return true
			}
		}
		return false
	default:
		return false
	}
}
