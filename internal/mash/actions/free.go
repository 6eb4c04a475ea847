package actions

import (
	"context"

	"github.com/mashworld/mash/internal/mash/store"
)

// AP economy bounds.
const (
	MaxAP           = 4
	MaxBuyAP        = 20
	MaxBuyAPPerCall = 10
)

// Perception cap bounds for configure.
const (
	minPerception = 1
	maxPerception = 100
)

// Free executes a zero-cost verb on the calling request.
func (h *Handler) Free(ctx context.Context, agent *store.Agent, verb string, params map[string]any) Result {
	switch verb {
	case "configure":
		return h.configure(ctx, agent, params)
	case "buy_ap":
		return h.buyAP(ctx, agent, params)
	}
	return errResult("unknown free verb %q", verb)
}

func (h *Handler) configure(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	if v, ok := params["short_description"].(string); ok {
		agent.ShortDesc = v
	}
	if v, ok := params["long_description"].(string); ok {
		agent.LongDesc = v
	}
	if n, ok := intParam(params, "look_agents"); ok {
		agent.LookAgents = clampPerception(n)
	}
	if n, ok := intParam(params, "look_links"); ok {
		agent.LookLinks = clampPerception(n)
	}
	if n, ok := intParam(params, "look_things"); ok {
		agent.LookThings = clampPerception(n)
	}
	if b, ok := boolParam(params, "see_broadcasts"); ok {
		agent.SeeBroadcasts = b
	}

	if err := h.store.UpdateAgentProfile(ctx, agent); err != nil {
		return errResult("failed to update profile")
	}
	return Result{
		"short_description": agent.ShortDesc,
		"long_description":  agent.LongDesc,
		"look_agents":       agent.LookAgents,
		"look_links":        agent.LookLinks,
		"look_things":       agent.LookThings,
		"see_broadcasts":    agent.SeeBroadcasts,
	}
}

func clampPerception(n int) int {
	if n < minPerception {
		return minPerception
	}
	if n > maxPerception {
		return maxPerception
	}
	return n
}

func (h *Handler) buyAP(ctx context.Context, agent *store.Agent, params map[string]any) Result {
	count, ok := intParam(params, "count")
	if !ok || count < 1 || count > MaxBuyAPPerCall {
		return errResult("count must be between 1 and %d", MaxBuyAPPerCall)
	}
	if agent.PurchasedAP+count > MaxBuyAP {
		return errResult("purchase cap of %d AP per tick would be exceeded", MaxBuyAP)
	}

	agent.AP += count
	agent.PurchasedAP += count
	if err := h.store.UpdateAgentAP(ctx, agent.ID, agent.AP, agent.PurchasedAP); err != nil {
		return errResult("failed to buy AP")
	}
	return Result{"ap": agent.AP, "purchased_ap_this_tick": agent.PurchasedAP}
}
