package actions

import (
	"context"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

// Instant executes a read-or-chat verb on the calling request.
func (h *Handler) Instant(ctx context.Context, agent *store.Agent, verb string, params map[string]any) Result {
	switch verb {
	case "look":
		return h.look(ctx, agent, params)
	case "survey":
		return h.survey(ctx, agent, params)
	case "inspect":
		return h.inspect(ctx, agent, params)
	case "say":
		return h.say(ctx, agent, params)
	case "list":
		return h.list(ctx, agent, params)
	}
	return errResult("unknown instant verb %q", verb)
}

func (h *Handler) look(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}

	target := strParam(params, "target")
	if target == "" {
		return h.nodeSnapshot(ctx, agent, agent.CurrentNodeID.String, true)
	}

	// Agents first: an identity card for anyone standing in the same node.
	if other, err := h.store.GetAgent(ctx, target); err == nil {
		if !other.CurrentNodeID.Valid || other.CurrentNodeID.String != agent.CurrentNodeID.String {
			return errResult("nobody like that here")
		}
		return Result{
			"type":              "agent",
			"id":                other.ID,
			"username":          other.Username,
			"short_description": other.ShortDesc,
			"long_description":  other.LongDesc,
		}
	}

	inst, err := h.store.GetInstance(ctx, target)
	if err != nil || inst.IsDestroyed {
		return errResult("nothing like that here")
	}

	if inst.Kind == store.KindNode {
		// Nodes are only visible from inside.
		if inst.ID != agent.CurrentNodeID.String {
			return errResult("nothing like that here")
		}
		return h.nodeSnapshot(ctx, agent, inst.ID, true)
	}

	visible := world.InNode(ctx, h.store, inst, agent.CurrentNodeID.String) ||
		world.CarriedBy(ctx, h.store, inst, agent.ID)
	if !visible {
		return errResult("nothing like that here")
	}

	if inst.SystemType == store.SystemLinkIndex {
		return h.linkIndex(ctx, agent)
	}

	return Result{
		"type":              inst.Kind,
		"id":                inst.ID,
		"short_description": inst.ShortDesc,
		"long_description":  inst.LongDesc,
	}
}

// linkIndex renders the glowing directory: the caller's most recent link
// traversals, capped by their link perception limit.
func (h *Handler) linkIndex(ctx context.Context, agent *store.Agent) Result {
	usages, err := h.store.RecentLinkUsage(ctx, agent.ID, agent.LookLinks)
	if err != nil {
		return errResult("the directory flickers and fails")
	}
	entries := make([]map[string]any, 0, len(usages))
	for _, u := range usages {
		entries = append(entries, map[string]any{
			"link_id":      u.LinkID,
			"dest_node_id": u.DestNodeID,
			"dest_name":    u.DestName,
			"used_at":      u.UsedAt,
		})
	}
	return Result{"type": "link_index", "entries": entries}
}

func (h *Handler) survey(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}
	category := strParam(params, "category")
	switch category {
	case "", "agents", "links", "things":
	default:
		return errResult("unknown category %q", category)
	}

	result := h.nodeSnapshot(ctx, agent, agent.CurrentNodeID.String, false)
	if _, failed := result["error"]; failed || category == "" {
		return result
	}
	return Result{"type": "node", "id": result["id"], category: result[category]}
}

// nodeSnapshot renders a node with its occupants and contents. capped applies
// the caller's perception limits; survey passes false to dump everything.
func (h *Handler) nodeSnapshot(ctx context.Context, agent *store.Agent, nodeID string, capped bool) Result {
	node, err := h.store.GetInstance(ctx, nodeID)
	if err != nil || node.Kind != store.KindNode || node.IsDestroyed {
		return errResult("node not found")
	}

	occupants, err := h.store.AgentsInNode(ctx, nodeID)
	if err != nil {
		return errResult("failed to read node")
	}
	agents := make([]map[string]any, 0, len(occupants))
	for _, a := range occupants {
		if a.ID == agent.ID {
			continue
		}
		agents = append(agents, map[string]any{
			"id":                a.ID,
			"username":          a.Username,
			"short_description": a.ShortDesc,
		})
	}

	contents, err := h.store.InstancesIn(ctx, store.ContainerInstance, nodeID)
	if err != nil {
		return errResult("failed to read node")
	}
	var links, things []map[string]any
	for _, inst := range contents {
		entry := map[string]any{
			"id":                inst.ID,
			"short_description": inst.ShortDesc,
		}
		switch inst.Kind {
		case store.KindLink:
			links = append(links, entry)
		case store.KindThing:
			things = append(things, entry)
		}
	}

	if capped {
		agents = capList(agents, agent.LookAgents)
		links = capList(links, agent.LookLinks)
		things = capList(things, agent.LookThings)
	}

	return Result{
		"type":              "node",
		"id":                node.ID,
		"short_description": node.ShortDesc,
		"long_description":  node.LongDesc,
		"agents":            agents,
		"links":             links,
		"things":            things,
	}
}

func capList(entries []map[string]any, limit int) []map[string]any {
	if limit > 0 && len(entries) > limit {
		return entries[:limit]
	}
	return entries
}

func (h *Handler) inspect(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	targetID := strParam(params, "target_id")
	if targetID == "" {
		return errResult("target_id is required")
	}
	inst, err := h.store.GetInstance(ctx, targetID)
	if err != nil || inst.IsDestroyed {
		return errResult("target not found")
	}
	if !world.Allowed(ctx, h.store, agent, inst, rules.PermInspect) {
		return errResult("you may not inspect that")
	}

	result := Result{
		"id":                inst.ID,
		"type":              inst.Kind,
		"short_description": inst.ShortDesc,
		"long_description":  inst.LongDesc,
		"fields":            inst.Fields,
		"is_void":           inst.IsVoid,
	}

	var tmpl *store.Template
	if inst.TemplateID.Valid {
		result["template_id"] = inst.TemplateID.String
		if t, err := h.store.GetTemplate(ctx, inst.TemplateID.String); err == nil {
			tmpl = t
			if owner, err := h.store.GetAgent(ctx, t.OwnerID); err == nil {
				result["owner"] = owner.Username
			}
		}
	}

	// Permission internals are gated behind the perms key.
	if world.Allowed(ctx, h.store, agent, inst, rules.PermPerms) {
		result["permissions"] = inst.Permissions
		if tmpl != nil {
			result["default_permissions"] = tmpl.DefaultPermissions
			result["interactions"] = tmpl.Interactions
		}
	}
	return result
}

func (h *Handler) say(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	message := strParam(params, "message")
	if message == "" {
		return errResult("message is required")
	}
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}
	delivered, err := h.store.BroadcastToNode(ctx, agent.CurrentNodeID.String, store.EventChat,
		map[string]any{"from": agent.Username, "from_id": agent.ID, "message": message}, agent.ID)
	if err != nil {
		return errResult("failed to speak")
	}
	return Result{"delivered": delivered}
}

func (h *Handler) list(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	templateID := strParam(params, "template_id")
	if templateID == "" {
		// Without a template id, list the caller's templates.
		tmpls, err := h.store.TemplatesByOwner(ctx, agent.ID)
		if err != nil {
			return errResult("failed to list templates")
		}
		entries := make([]map[string]any, 0, len(tmpls))
		for _, t := range tmpls {
			entries = append(entries, map[string]any{
				"template_id": t.ID,
				"name":        t.Name,
				"type":        t.Kind,
			})
		}
		return Result{"templates": entries}
	}

	tmpl, err := h.store.GetTemplate(ctx, templateID)
	if err != nil {
		return errResult("template not found")
	}
	if tmpl.OwnerID != agent.ID {
		return errResult("not your template")
	}
	insts, err := h.store.InstancesByTemplate(ctx, templateID)
	if err != nil {
		return errResult("failed to list instances")
	}
	entries := make([]map[string]any, 0, len(insts))
	for _, inst := range insts {
		entry := map[string]any{
			"instance_id":       inst.ID,
			"short_description": inst.ShortDesc,
			"container_type":    inst.ContainerType,
		}
		if inst.ContainerID.Valid {
			entry["container_id"] = inst.ContainerID.String
		}
		entries = append(entries, entry)
	}
	return Result{"template_id": templateID, "instances": entries}
}
