package actions

import (
	"context"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/store"
	"github.com/mashworld/mash/internal/mash/world"
)

// travel walks the agent along an ordered list of links. AP for the whole
// route was debited at enqueue time; hops that never executed are refunded,
// and a hop that fired its rules keeps its cost even when denied.
func (h *Handler) travel(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	hops := TravelHops(params)
	if len(hops) == 0 {
		return errResult("via is required")
	}
	if !agent.CurrentNodeID.Valid {
		return errResult("you are nowhere")
	}

	currentID := agent.CurrentNodeID.String
	completed := 0
	refund := 0
	stopReason := ""

	for i, linkID := range hops {
		link, err := h.store.GetInstance(ctx, linkID)
		if err != nil || link.IsVoid || link.IsDestroyed || link.Kind != store.KindLink {
			stopReason, refund = "no such link", len(hops)-i
			break
		}
		if !world.InNode(ctx, h.store, link, currentID) {
			stopReason, refund = "that link is not here", len(hops)-i
			break
		}

		dest := h.hopDestination(ctx, agent, link, currentID)
		if dest == nil {
			stopReason, refund = "the link leads nowhere", len(hops)-i
			break
		}

		origin, err := h.store.GetInstance(ctx, currentID)
		if err != nil {
			stopReason, refund = "you are nowhere", len(hops)-i
			break
		}

		denied, err := h.eval.Fire(ctx, link, "travel", agent, nil)
		if err == nil && !denied {
			denied, err = h.eval.Fire(ctx, origin, "exit", agent, nil)
		}
		if err == nil && !denied {
			denied, err = h.eval.Fire(ctx, dest, "enter", agent, nil)
		}
		if err != nil || denied {
			// This hop's rules ran; only the remaining hops are refunded.
			stopReason, refund = "the way is barred", len(hops)-i-1
			break
		}

		if err := h.store.RecordLinkUsage(ctx, &store.LinkUsage{
			AgentID:    agent.ID,
			LinkID:     link.ID,
			DestNodeID: dest.ID,
			DestName:   dest.ShortDesc,
		}); err != nil {
			h.logger.WarnContext(ctx, "failed to record link usage", "error", err)
		}
		if err := h.store.SetAgentNode(ctx, agent.ID, dest.ID); err != nil {
			stopReason, refund = "the way is barred", len(hops)-i-1
			break
		}
		h.store.BroadcastToNode(ctx, currentID, store.EventBroadcast,
			map[string]any{"message": agent.Username + " left"}, agent.ID)
		h.store.BroadcastToNode(ctx, dest.ID, store.EventBroadcast,
			map[string]any{"message": agent.Username + " arrived"}, agent.ID)

		currentID = dest.ID
		agent.CurrentNodeID.String = dest.ID
		completed++
	}

	if refund > 0 {
		if fresh, err := h.store.GetAgent(ctx, agent.ID); err == nil {
			if err := h.store.UpdateAgentAP(ctx, agent.ID, fresh.AP+refund, fresh.PurchasedAP); err != nil {
				h.logger.WarnContext(ctx, "failed to refund travel AP", "error", err)
			}
		}
	}

	if stopReason != "" {
		return Result{
			"error":          stopReason,
			"stopped_at":     currentID,
			"hops_completed": completed,
			"ap_refunded":    refund,
		}
	}
	snapshot := h.nodeSnapshot(ctx, agent, currentID, true)
	snapshot["hops_completed"] = completed
	return snapshot
}

// hopDestination resolves where a link leads. Normal links carry a
// "destination" field; a random-link portal picks from the open world.
func (h *Handler) hopDestination(ctx context.Context, agent *store.Agent, link *store.Instance, currentID string) *store.Instance {
	if link.SystemType == store.SystemRandomLink {
		return h.randomDestination(ctx, agent, currentID)
	}
	destID, _ := link.Fields["destination"].(string)
	if destID == "" {
		return nil
	}
	dest, err := h.store.GetInstance(ctx, destID)
	if err != nil || dest.Kind != store.KindNode || dest.IsVoid || dest.IsDestroyed {
		return nil
	}
	return dest
}

// randomDestination picks a node that is not the current one, is nobody's
// home, and permits interact by the traveller.
func (h *Handler) randomDestination(ctx context.Context, agent *store.Agent, currentID string) *store.Instance {
	nodes, err := h.store.LiveNodes(ctx)
	if err != nil {
		return nil
	}
	homes, err := h.store.HomeNodeIDs(ctx)
	if err != nil {
		return nil
	}

	var candidates []*store.Instance
	for _, node := range nodes {
		if node.ID == currentID || homes[node.ID] {
			continue
		}
		if !world.Allowed(ctx, h.store, agent, node, rules.PermInteract) {
			continue
		}
		candidates = append(candidates, node)
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[h.rand.Intn(len(candidates))]
}
