package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// QueueEntry is a deferred action waiting for its target tick.
type QueueEntry struct {
	Ordinal    int64
	AgentID    string
	Verb       string
	Params     json.RawMessage
	TickNumber int64
	CreatedAt  int64
}

// EnqueueAction appends an action to the queue and returns its ordinal.
// Ordinals are AUTOINCREMENT rowids, so they are strictly increasing
// globally and never reused.
func (s *Store) EnqueueAction(ctx context.Context, agentID, verb string, params json.RawMessage, tick int64) (int64, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO action_queue (agent_id, verb, params, tick_number, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, agentID, verb, string(params), tick, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue action: %w", err)
	}
	ordinal, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read action ordinal: %w", err)
	}
	return ordinal, nil
}

// DueActions returns every queue entry whose target tick is at or before
// tick, in ordinal order.
func (s *Store) DueActions(ctx context.Context, tick int64) ([]*QueueEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT ordinal, agent_id, verb, params, tick_number, created_at
		FROM action_queue
		WHERE tick_number <= ?
		ORDER BY ordinal
	`, tick)
	if err != nil {
		return nil, fmt.Errorf("failed to list due actions: %w", err)
	}
	defer rows.Close()

	var entries []*QueueEntry
	for rows.Next() {
		e := &QueueEntry{}
		var params string
		if err := rows.Scan(&e.Ordinal, &e.AgentID, &e.Verb, &params, &e.TickNumber, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.Params = json.RawMessage(params)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return entries, nil
}

// DeleteAction removes a processed queue entry.
func (s *Store) DeleteAction(ctx context.Context, ordinal int64) error {
	if _, err := s.q.ExecContext(ctx,
		"DELETE FROM action_queue WHERE ordinal = ?", ordinal); err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}
