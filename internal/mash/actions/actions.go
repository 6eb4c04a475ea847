// Package actions implements the verb handlers behind /action/<verb>.
//
// Verbs fall into three classes: instant verbs run on the calling request,
// queued verbs are deferred to the next tick, and free verbs cost no AP.
// Every handler returns a Result; failures are expressed as {"error": reason}
// rather than Go errors, because the caller (a request or a tick queue entry)
// always wants a payload to deliver.
package actions

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/mashworld/mash/common/spec/rules"
	"github.com/mashworld/mash/internal/mash/dsl"
	"github.com/mashworld/mash/internal/mash/store"
)

// Class is the scheduling class of a verb.
type Class int

const (
	ClassInstant Class = iota
	ClassQueued
	ClassFree
)

// Classify returns the scheduling class of a verb. Unknown verbs are custom
// interaction verbs, which are queued.
func Classify(verb string) Class {
	switch verb {
	case "look", "survey", "inspect", "say", "list":
		return ClassInstant
	case "configure", "buy_ap":
		return ClassFree
	default:
		return ClassQueued
	}
}

// Cost returns the AP price of a call. Travel costs one AP per hop; free
// verbs cost nothing; everything else costs one.
func Cost(verb string, params map[string]any) int {
	switch Classify(verb) {
	case ClassFree:
		return 0
	default:
		if verb == "travel" {
			if hops := TravelHops(params); len(hops) > 0 {
				return len(hops)
			}
		}
		return 1
	}
}

// TravelHops extracts the ordered link ids from a travel call's "via"
// parameter, which is either a single link id or a list of them.
func TravelHops(params map[string]any) []string {
	switch via := params["via"].(type) {
	case string:
		if via == "" {
			return nil
		}
		return []string{via}
	case []any:
		hops := make([]string, 0, len(via))
		for _, v := range via {
			s, ok := v.(string)
			if !ok || s == "" {
				return nil
			}
			hops = append(hops, s)
		}
		return hops
	}
	return nil
}

// Result is a handler's payload. Failed handlers carry a single "error" key.
type Result map[string]any

func errResult(format string, args ...any) Result {
	return Result{"error": fmt.Sprintf(format, args...)}
}

// Handler executes verbs against the store.
type Handler struct {
	store  *store.Store
	eval   *dsl.Evaluator
	logger *slog.Logger
	rand   *rand.Rand
}

// New creates a handler. The random source feeds random-link destination
// picks; pass a seeded source in tests for determinism.
func New(s *store.Store, eval *dsl.Evaluator, logger *slog.Logger, rng *rand.Rand) *Handler {
	return &Handler{
		store:  s,
		eval:   eval,
		logger: logger.With("component", "actions"),
		rand:   rng,
	}
}

// --- Parameter helpers ---
//
// Request bodies arrive as schemaless JSON objects; these pull typed values
// out with zero-value fallbacks.

func strParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func intParam(params map[string]any, key string) (int, bool) {
	switch n := params[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func boolParam(params map[string]any, key string) (bool, bool) {
	b, ok := params[key].(bool)
	return b, ok
}

func mapParam(params map[string]any, key string) map[string]any {
	m, _ := params[key].(map[string]any)
	return m
}

// permsParam re-encodes a raw permissions value and runs it through the rule
// parser, so API input gets the same validation as any rule document.
func permsParam(v any) (map[string]rules.PermRule, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid permissions: %w", err)
	}
	return rules.ParsePermissions(data)
}

// interactionsParam does the same for an interaction document.
func interactionsParam(v any) ([]rules.Rule, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interactions: %w", err)
	}
	return rules.ParseInteractions(data)
}

// mergeFields copies overrides over base into a fresh map.
func mergeFields(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
