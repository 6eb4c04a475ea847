package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Event types delivered through the per-agent event backlog.
const (
	EventActionResult = "action_result"
	EventChat         = "chat"
	EventBroadcast    = "broadcast"
	EventSystem       = "system"
)

// Event is one entry in an agent's undelivered backlog. Reads are
// destructive: an event is returned by at most one envelope.
type Event struct {
	Ordinal   int64
	AgentID   string
	Type      string
	Data      json.RawMessage
	CreatedAt int64
}

// AppendEvent adds an event to an agent's backlog and returns its ordinal.
func (s *Store) AppendEvent(ctx context.Context, agentID, eventType string, data any) (int64, error) {
	payload, err := marshalJSON(data, "{}")
	if err != nil {
		return 0, err
	}
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO events (agent_id, type, data, created_at)
		VALUES (?, ?, ?, ?)
	`, agentID, eventType, payload, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	ordinal, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event ordinal: %w", err)
	}
	return ordinal, nil
}

// DrainEvents returns up to limit events addressed to the agent in ordinal
// order and deletes them. The select and delete run in one transaction so an
// event can never be delivered twice.
func (s *Store) DrainEvents(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	var events []*Event
	err := s.WithTx(ctx, func(tx *Store) error {
		rows, err := tx.q.QueryContext(ctx, `
			SELECT ordinal, agent_id, type, data, created_at
			FROM events
			WHERE agent_id = ?
			ORDER BY ordinal
			LIMIT ?
		`, agentID, limit)
		if err != nil {
			return fmt.Errorf("failed to read events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			e := &Event{}
			var data string
			if err := rows.Scan(&e.Ordinal, &e.AgentID, &e.Type, &data, &e.CreatedAt); err != nil {
				return fmt.Errorf("failed to scan event: %w", err)
			}
			e.Data = json.RawMessage(data)
			events = append(events, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		last := events[len(events)-1].Ordinal
		if _, err := tx.q.ExecContext(ctx,
			"DELETE FROM events WHERE agent_id = ? AND ordinal <= ?", agentID, last); err != nil {
			return fmt.Errorf("failed to delete drained events: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// DeleteEventsBefore removes undelivered events created before cutoff.
// Called by tick phase 5.
func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff int64) (int64, error) {
	result, err := s.q.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n, nil
}

// BroadcastToNode writes one event row per agent currently in the node with
// see_broadcasts enabled, excluding at most one agent id. It returns the
// number of recipients. Broadcasts are only enqueued; delivery happens on
// each recipient's next request.
func (s *Store) BroadcastToNode(ctx context.Context, nodeID, eventType string, data any, exclude string) (int, error) {
	payload, err := marshalJSON(data, "{}")
	if err != nil {
		return 0, err
	}

	agents, err := s.AgentsInNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	now := nowMillis()
	delivered := 0
	for _, a := range agents {
		if a.ID == exclude || !a.SeeBroadcasts {
			continue
		}
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO events (agent_id, type, data, created_at)
			VALUES (?, ?, ?, ?)
		`, a.ID, eventType, payload, now); err != nil {
			return delivered, fmt.Errorf("failed to broadcast to agent %s: %w", a.ID, err)
		}
		delivered++
	}
	return delivered, nil
}
