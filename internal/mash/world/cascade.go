package world

import (
	"context"
	"fmt"

	"github.com/mashworld/mash/internal/mash/store"
)

// maxCascadeDepth bounds the recursive sweep. The containment model keeps
// chains at MaxContainmentDepth, but a cascade must terminate even on a
// corrupted graph.
const maxCascadeDepth = 16

// DestroyCascade marks inst destroyed after evicting any agents standing in
// it (when it is a node) and destroying everything it contains, recursively.
func DestroyCascade(ctx context.Context, s *store.Store, inst *store.Instance) error {
	return cascade(ctx, s, inst, 0, func(id string) error {
		return s.DestroyInstance(ctx, id)
	})
}

// VoidCascade voids inst (detaching it from its template) with the same
// sweep: agents are evicted and contained instances are destroyed. Used when
// a template is deleted out from under its instances.
func VoidCascade(ctx context.Context, s *store.Store, inst *store.Instance) error {
	return cascade(ctx, s, inst, 0, func(id string) error {
		return s.VoidInstance(ctx, id)
	})
}

func cascade(ctx context.Context, s *store.Store, inst *store.Instance, depth int, finish func(id string) error) error {
	if depth > maxCascadeDepth {
		return fmt.Errorf("containment cascade exceeded depth %d at %s", maxCascadeDepth, inst.ID)
	}

	if inst.Kind == store.KindNode {
		if err := EvictAgents(ctx, s, inst.ID); err != nil {
			return err
		}
	}

	contents, err := s.ContainedAnywhere(ctx, store.ContainerInstance, inst.ID)
	if err != nil {
		return err
	}
	for _, child := range contents {
		// Contained instances are destroyed outright regardless of how the
		// root is being removed.
		if err := cascade(ctx, s, child, depth+1, func(id string) error {
			return s.DestroyInstance(ctx, id)
		}); err != nil {
			return err
		}
	}

	return finish(inst.ID)
}

// EvictAgents sends every agent in the node back to their home node with a
// system event explaining the move.
func EvictAgents(ctx context.Context, s *store.Store, nodeID string) error {
	agents, err := s.AgentsInNode(ctx, nodeID)
	if err != nil {
		return err
	}
	for _, a := range agents {
		if err := s.SetAgentNode(ctx, a.ID, a.HomeNodeID); err != nil {
			return err
		}
		if _, err := s.AppendEvent(ctx, a.ID, store.EventSystem, map[string]any{
			"message": "the place around you ceased to exist; you have been sent home",
		}); err != nil {
			return err
		}
	}
	return nil
}
