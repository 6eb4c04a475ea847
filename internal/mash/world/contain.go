// Package world resolves effective permissions, walks the containment graph,
// and runs the destroy/void cascades. Permission and containment queries
// return booleans or nils; store failures degrade to "no" rather than
// propagating errors, because callers treat those answers as pure predicates.
package world

import (
	"context"

	"github.com/mashworld/mash/internal/mash/store"
)

// MaxContainmentDepth is the maximum number of container edges between an
// instance and its root node.
const MaxContainmentDepth = 5

// maxWalk bounds every upward walk so a loop introduced by a malformed move
// effect terminates instead of spinning.
const maxWalk = 2 * MaxContainmentDepth

// ContainingNode returns the node reached by walking container edges upward
// from inst. A node's containing node is itself. When the walk reaches an
// agent inventory it continues to the agent's current node. Returns nil when
// the chain is broken, loops, or ends in limbo.
func ContainingNode(ctx context.Context, s *store.Store, inst *store.Instance) *store.Instance {
	cur := inst
	for i := 0; i < maxWalk; i++ {
		if cur.Kind == store.KindNode {
			return cur
		}
		switch cur.ContainerType {
		case store.ContainerInstance:
			if !cur.ContainerID.Valid {
				return nil
			}
			parent, err := s.GetInstance(ctx, cur.ContainerID.String)
			if err != nil {
				return nil
			}
			cur = parent
		case store.ContainerAgent:
			if !cur.ContainerID.Valid {
				return nil
			}
			agent, err := s.GetAgent(ctx, cur.ContainerID.String)
			if err != nil || !agent.CurrentNodeID.Valid {
				return nil
			}
			node, err := s.GetInstance(ctx, agent.CurrentNodeID.String)
			if err != nil {
				return nil
			}
			cur = node
		default:
			// Top-level non-node: dangling.
			return nil
		}
	}
	return nil
}

// Carrier returns the agent at the top of inst's container chain, or nil
// when the instance is not (transitively) in any agent's inventory.
func Carrier(ctx context.Context, s *store.Store, inst *store.Instance) *store.Agent {
	cur := inst
	for i := 0; i < maxWalk; i++ {
		switch cur.ContainerType {
		case store.ContainerAgent:
			if !cur.ContainerID.Valid {
				return nil
			}
			agent, err := s.GetAgent(ctx, cur.ContainerID.String)
			if err != nil {
				return nil
			}
			return agent
		case store.ContainerInstance:
			if !cur.ContainerID.Valid {
				return nil
			}
			parent, err := s.GetInstance(ctx, cur.ContainerID.String)
			if err != nil {
				return nil
			}
			cur = parent
		default:
			return nil
		}
	}
	return nil
}

// Depth returns the number of container edges between inst and its root
// (a node or an agent inventory), or -1 when the chain is broken or loops.
func Depth(ctx context.Context, s *store.Store, inst *store.Instance) int {
	cur := inst
	for i := 0; i < maxWalk; i++ {
		if cur.Kind == store.KindNode || cur.ContainerType == store.ContainerAgent {
			return i
		}
		if cur.ContainerType != store.ContainerInstance || !cur.ContainerID.Valid {
			// Top-level; treat as root.
			return i
		}
		parent, err := s.GetInstance(ctx, cur.ContainerID.String)
		if err != nil {
			return -1
		}
		cur = parent
	}
	return -1
}

// CanContain reports whether placing one more child under the given container
// stays within MaxContainmentDepth. The agent inventory edge restarts the
// depth count, matching the forest-rooted-at-nodes model.
func CanContain(ctx context.Context, s *store.Store, containerType, containerID string) bool {
	switch containerType {
	case store.ContainerAgent:
		return true
	case store.ContainerInstance:
		container, err := s.GetInstance(ctx, containerID)
		if err != nil {
			return false
		}
		d := Depth(ctx, s, container)
		if d < 0 {
			return false
		}
		return d+1 <= MaxContainmentDepth
	default:
		return false
	}
}

// InNode reports whether inst's containing node is nodeID.
func InNode(ctx context.Context, s *store.Store, inst *store.Instance, nodeID string) bool {
	node := ContainingNode(ctx, s, inst)
	return node != nil && node.ID == nodeID
}

// CarriedBy reports whether inst is (transitively) in the given agent's
// inventory.
func CarriedBy(ctx context.Context, s *store.Store, inst *store.Instance, agentID string) bool {
	carrier := Carrier(ctx, s, inst)
	return carrier != nil && carrier.ID == agentID
}
