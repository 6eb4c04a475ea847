package actions

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

// Queued executes a deferred verb during the tick's queue drain. The caller
// wraps each invocation in its own transaction; a returned error result does
// not roll the transaction back, because effects that ran before a refusal
// (a say before a deny, say) must survive.
func (h *Handler) Queued(ctx context.Context, agent *store.Agent, verb string, params map[string]any) Result {
	switch verb {
	case "create":
		return h.create(ctx, agent, params)
	case "edit":
		return h.edit(ctx, agent, params)
	case "delete":
		return h.del(ctx, agent, params)
	case "travel":
		return h.travel(ctx, agent, params)
	case "home":
		return h.home(ctx, agent)
	case "take":
		return h.take(ctx, agent, params)
	case "drop":
		return h.drop(ctx, agent, params)
	}
	return h.custom(ctx, agent, verb, params)
}

// --- create ---

func (h *Handler) create(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	switch strParam(params, "type") {
	case "template":
		return h.createTemplate(ctx, agent, params)
	case "instance":
		return h.createInstance(ctx, agent, params)
	}
	return errResult("type must be \"template\" or \"instance\"")
}

func (h *Handler) createTemplate(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	name := strParam(params, "name")
	if name == "" {
		return errResult("name is required")
	}
	kind := strParam(params, "template_type")
	if !store.ValidKind(kind) {
		return errResult("template_type must be node, link, or thing")
	}

	perms, err := permsParam(params["default_permissions"])
	if err != nil {
		return errResult("%v", err)
	}
	if perms == nil {
		perms = world.StockDefaultPermissions()
	}
	interactions, err := interactionsParam(params["interactions"])
	if err != nil {
		return errResult("%v", err)
	}

	tmpl := &store.Template{
		ID:                 uuid.NewString(),
		OwnerID:            agent.ID,
		Name:               name,
		Kind:               kind,
		ShortDesc:          strParam(params, "short_description"),
		LongDesc:           strParam(params, "long_description"),
		Fields:             mapParam(params, "fields"),
		DefaultPermissions: perms,
		Interactions:       interactions,
	}
	if err := h.store.CreateTemplate(ctx, tmpl); err != nil {
		return errResult("failed to create template")
	}
	return Result{"template_id": tmpl.ID}
}

func (h *Handler) createInstance(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	templateID := strParam(params, "template_id")
	if templateID == "" {
		return errResult("template_id is required")
	}
	tmpl, err := h.store.GetTemplate(ctx, templateID)
	if err != nil {
		return errResult("template not found")
	}
	if tmpl.OwnerID != agent.ID {
		return errResult("not your template")
	}

	inst := &store.Instance{
		ID:          uuid.NewString(),
		TemplateID:  sql.NullString{String: tmpl.ID, Valid: true},
		Kind:        tmpl.Kind,
		ShortDesc:   tmpl.ShortDesc,
		LongDesc:    tmpl.LongDesc,
		Fields:      mergeFields(tmpl.Fields, mapParam(params, "fields")),
		Permissions: map[string]rules.PermRule{},
	}

	containerID := strParam(params, "container_id")
	if tmpl.Kind == store.KindNode {
		// Nodes are top-level.
		if containerID != "" {
			return errResult("nodes cannot have a container")
		}
	} else {
		if containerID == "" {
			if !agent.CurrentNodeID.Valid {
				return errResult("you are nowhere")
			}
			containerID = agent.CurrentNodeID.String
		}
		container, err := h.store.GetInstance(ctx, containerID)
		if err != nil || container.IsVoid || container.IsDestroyed {
			return errResult("container not found")
		}
		if container.Kind != store.KindNode &&
			!world.Allowed(ctx, h.store, agent, container, rules.PermContain) {
			return errResult("you may not put things there")
		}
		if !world.CanContain(ctx, h.store, store.ContainerInstance, containerID) {
			return errResult("container is too deeply nested")
		}
		inst.ContainerType = store.ContainerInstance
		inst.ContainerID = sql.NullString{String: containerID, Valid: true}
	}

	if err := h.store.CreateInstance(ctx, inst); err != nil {
		return errResult("failed to create instance")
	}
	return Result{"instance_id": inst.ID}
}

// --- edit ---

func (h *Handler) edit(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	switch strParam(params, "type") {
	case "template":
		return h.editTemplate(ctx, agent, params)
	case "instance":
		return h.editInstance(ctx, agent, params)
	}
	return errResult("type must be \"template\" or \"instance\"")
}

func (h *Handler) editTemplate(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	tmpl, err := h.store.GetTemplate(ctx, strParam(params, "template_id"))
	if err != nil {
		return errResult("template not found")
	}
	if tmpl.OwnerID != agent.ID {
		return errResult("not your template")
	}

	if name := strParam(params, "name"); name != "" {
		tmpl.Name = name
	}
	if v, ok := params["short_description"].(string); ok {
		tmpl.ShortDesc = v
	}
	if v, ok := params["long_description"].(string); ok {
		tmpl.LongDesc = v
	}
	if fields := mapParam(params, "fields"); fields != nil {
		tmpl.Fields = mergeFields(tmpl.Fields, fields)
	}
	if v, ok := params["default_permissions"]; ok {
		perms, err := permsParam(v)
		if err != nil {
			return errResult("%v", err)
		}
		tmpl.DefaultPermissions = perms
	}
	if v, ok := params["interactions"]; ok {
		interactions, err := interactionsParam(v)
		if err != nil {
			return errResult("%v", err)
		}
		tmpl.Interactions = interactions
	}

	if err := h.store.UpdateTemplate(ctx, tmpl); err != nil {
		return errResult("failed to update template")
	}
	return Result{"template_id": tmpl.ID}
}

func (h *Handler) editInstance(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	inst, err := h.store.GetInstance(ctx, strParam(params, "instance_id"))
	if err != nil || inst.IsDestroyed {
		return errResult("instance not found")
	}
	if !world.Allowed(ctx, h.store, agent, inst, rules.PermEdit) {
		return errResult("you may not edit that")
	}

	short, long := inst.ShortDesc, inst.LongDesc
	if v, ok := params["short_description"].(string); ok {
		short = v
	}
	if v, ok := params["long_description"].(string); ok {
		long = v
	}
	if short != inst.ShortDesc || long != inst.LongDesc {
		if err := h.store.UpdateInstanceDescriptions(ctx, inst.ID, short, long); err != nil {
			return errResult("failed to update instance")
		}
	}

	if fields := mapParam(params, "fields"); fields != nil {
		if err := h.store.UpdateInstanceFields(ctx, inst.ID, mergeFields(inst.Fields, fields)); err != nil {
			return errResult("failed to update instance")
		}
	}

	if v, ok := params["permissions"]; ok {
		if !world.Allowed(ctx, h.store, agent, inst, rules.PermPerms) {
			return errResult("you may not change permissions on that")
		}
		perms, err := permsParam(v)
		if err != nil {
			return errResult("%v", err)
		}
		merged := inst.Permissions
		if merged == nil {
			merged = map[string]rules.PermRule{}
		}
		for key, rule := range perms {
			merged[key] = rule
		}
		if err := h.store.UpdateInstancePermissions(ctx, inst.ID, merged); err != nil {
			return errResult("failed to update instance")
		}
	}

	return Result{"instance_id": inst.ID}
}

// --- delete ---

func (h *Handler) del(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	targetID := strParam(params, "target_id")
	if targetID == "" {
		return errResult("target_id is required")
	}

	// Template ids take precedence: deleting a template voids every instance.
	if tmpl, err := h.store.GetTemplate(ctx, targetID); err == nil {
		if tmpl.OwnerID != agent.ID {
			return errResult("not your template")
		}
		insts, err := h.store.InstancesByTemplate(ctx, tmpl.ID)
		if err != nil {
			return errResult("failed to delete template")
		}
		for _, inst := range insts {
			if err := world.VoidCascade(ctx, h.store, inst); err != nil {
				return errResult("failed to delete template")
			}
		}
		if err := h.store.DeleteTemplate(ctx, tmpl.ID); err != nil {
			return errResult("failed to delete template")
		}
		return Result{"deleted": "template", "target_id": tmpl.ID, "voided": len(insts)}
	}

	inst, err := h.store.GetInstance(ctx, targetID)
	if err != nil || inst.IsDestroyed {
		return errResult("target not found")
	}
	if !world.Allowed(ctx, h.store, agent, inst, rules.PermDelete) {
		return errResult("you may not delete that")
	}
	if err := world.DestroyCascade(ctx, h.store, inst); err != nil {
		return errResult("failed to delete instance")
	}
	return Result{"deleted": "instance", "target_id": inst.ID}
}

// --- home ---

func (h *Handler) home(ctx context.Context, agent *store.Agent) Result {
	if agent.CurrentNodeID.Valid && agent.CurrentNodeID.String == agent.HomeNodeID {
		return errResult("you are already home")
	}
	if err := h.store.SetAgentNode(ctx, agent.ID, agent.HomeNodeID); err != nil {
		return errResult("failed to go home")
	}
	agent.CurrentNodeID = sql.NullString{String: agent.HomeNodeID, Valid: true}
	return h.nodeSnapshot(ctx, agent, agent.HomeNodeID, true)
}

// --- take / drop ---

func (h *Handler) take(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}
	thing, err := h.store.GetInstance(ctx, strParam(params, "target_id"))
	if err != nil || thing.IsDestroyed || thing.Kind != store.KindThing {
		return errResult("target not found")
	}
	if thing.SystemType != "" {
		return errResult("it will not budge")
	}
	if !world.InNode(ctx, h.store, thing, agent.CurrentNodeID.String) {
		return errResult("that is not here")
	}
	if carrier := world.Carrier(ctx, h.store, thing); carrier != nil && carrier.ID != agent.ID {
		return errResult("someone else is holding that")
	}

	if !world.Allowed(ctx, h.store, agent, thing, rules.PermContain) {
		return errResult("you may not take that")
	}
	if thing.ContainerType == store.ContainerInstance && thing.ContainerID.Valid {
		container, err := h.store.GetInstance(ctx, thing.ContainerID.String)
		if err != nil {
			return errResult("target not found")
		}
		if !world.Allowed(ctx, h.store, agent, container, rules.PermContain) {
			return errResult("you may not take things from there")
		}
	}

	denied, err := h.eval.Fire(ctx, thing, "take", agent, nil)
	if err != nil {
		return errResult("failed to take")
	}
	if denied {
		return errResult("it refuses to be taken")
	}

	destType, destID := store.ContainerAgent, agent.ID
	if into := strParam(params, "into"); into != "" {
		dest, err := h.store.GetInstance(ctx, into)
		if err != nil || dest.IsDestroyed || dest.IsVoid {
			return errResult("no such container")
		}
		if !world.CarriedBy(ctx, h.store, dest, agent.ID) {
			return errResult("that container is not in your inventory")
		}
		if !world.Allowed(ctx, h.store, agent, dest, rules.PermContain) {
			return errResult("you may not put things in that")
		}
		destType, destID = store.ContainerInstance, dest.ID
	}
	if !world.CanContain(ctx, h.store, destType, destID) {
		return errResult("that would be nested too deeply")
	}

	if err := h.store.SetInstanceContainer(ctx, thing.ID, destType, destID); err != nil {
		return errResult("failed to take")
	}
	return Result{"taken": thing.ID, "container_type": destType, "container_id": destID}
}

func (h *Handler) drop(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}
	thing, err := h.store.GetInstance(ctx, strParam(params, "target_id"))
	if err != nil || thing.IsDestroyed || thing.Kind != store.KindThing {
		return errResult("target not found")
	}
	if !world.CarriedBy(ctx, h.store, thing, agent.ID) {
		return errResult("you are not holding that")
	}

	denied, err := h.eval.Fire(ctx, thing, "drop", agent, nil)
	if err != nil {
		return errResult("failed to drop")
	}
	if denied {
		return errResult("it refuses to be dropped")
	}

	destType, destID := store.ContainerInstance, agent.CurrentNodeID.String
	if into := strParam(params, "into"); into != "" {
		dest, err := h.store.GetInstance(ctx, into)
		if err != nil || dest.IsDestroyed || dest.IsVoid {
			return errResult("no such container")
		}
		if !world.InNode(ctx, h.store, dest, agent.CurrentNodeID.String) {
			return errResult("that container is not here")
		}
		if !world.Allowed(ctx, h.store, agent, dest, rules.PermContain) {
			return errResult("you may not put things in that")
		}
		destID = dest.ID
	}
	if !world.CanContain(ctx, h.store, destType, destID) {
		return errResult("that would be nested too deeply")
	}

	if err := h.store.SetInstanceContainer(ctx, thing.ID, destType, destID); err != nil {
		return errResult("failed to drop")
	}
	return Result{"dropped": thing.ID, "container_type": destType, "container_id": destID}
}

// --- custom verbs ---

// custom dispatches a free-form verb to the target's interaction rules.
func (h *Handler) custom(ctx context.Context, agent *store.Agent, verb string, params map[string]any) Result {
	targetID := strParam(params, "target_id")
	if targetID == "" {
		return errResult("target_id is required")
	}
	target, err := h.store.GetInstance(ctx, targetID)
	if err != nil || target.IsDestroyed {
		return errResult("target not found")
	}

	// Reset on your own home node is handled by the runtime, not the DSL.
	if verb == "reset" && targetID == agent.HomeNodeID {
		if err := world.ResetHomeNode(ctx, h.store, target); err != nil {
			return errResult("failed to reset home")
		}
		return Result{"reset": targetID}
	}

	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}
	visible := world.InNode(ctx, h.store, target, agent.CurrentNodeID.String) ||
		world.CarriedBy(ctx, h.store, target, agent.ID)
	if !visible {
		return errResult("that is not here")
	}
	if !world.Allowed(ctx, h.store, agent, target, rules.PermInteract) {
		return errResult("you may not interact with that")
	}

	var subject *store.Instance
	if subjectID := strParam(params, "subject_id"); subjectID != "" {
		subject, err = h.store.GetInstance(ctx, subjectID)
		if err != nil || subject.IsDestroyed {
			return errResult("subject not found")
		}
	}

	denied, err := h.eval.Fire(ctx, target, verb, agent, subject)
	if err != nil {
		return errResult("interaction failed")
	}
	if denied {
		return errResult("refused")
	}
	return Result{"verb": verb, "target_id": targetID}
}
