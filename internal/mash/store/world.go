package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// TickState returns the current tick number and the wall-clock time (unix
// milliseconds) the last tick ran.
func (s *Store) TickState(ctx context.Context) (tick int64, lastTickAt int64, err error) {
	tick, err = s.worldInt(ctx, "tick_number")
	if err != nil {
		return 0, 0, err
	}
	lastTickAt, err = s.worldInt(ctx, "last_tick_at")
	if err != nil {
		return 0, 0, err
	}
	return tick, lastTickAt, nil
}

// SetTickState writes the tick counter and timestamp. Called by tick phase 1.
func (s *Store) SetTickState(ctx context.Context, tick, lastTickAt int64) error {
	for key, val := range map[string]int64{
		"tick_number":  tick,
		"last_tick_at": lastTickAt,
	} {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO world_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, key, strconv.FormatInt(val, 10)); err != nil {
			return fmt.Errorf("failed to set world state %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) worldInt(ctx context.Context, key string) (int64, error) {
	var value string
	err := s.q.QueryRowContext(ctx,
		"SELECT value FROM world_state WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read world state %s: %w", key, err)
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("world state %s is not an integer: %w", key, err)
	}
	return n, nil
}

// LinkUsage records one successful traversal of a link by an agent. The
// destination name is snapshotted so the record stays readable after the
// destination changes or disappears.
type LinkUsage struct {
	ID         int64
	AgentID    string
	LinkID     string
	DestNodeID string
	DestName   string
	UsedAt     int64
}

// RecordLinkUsage appends a link-usage record.
func (s *Store) RecordLinkUsage(ctx context.Context, u *LinkUsage) error {
	if u.UsedAt == 0 {
		u.UsedAt = nowMillis()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO link_usage (agent_id, link_id, dest_node_id, dest_name, used_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.AgentID, u.LinkID, u.DestNodeID, u.DestName, u.UsedAt)
	if err != nil {
		return fmt.Errorf("failed to record link usage: %w", err)
	}
	return nil
}

// RecentLinkUsage returns the agent's n most recent link-usage records,
// newest first.
func (s *Store) RecentLinkUsage(ctx context.Context, agentID string, n int) ([]*LinkUsage, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, agent_id, link_id, dest_node_id, dest_name, used_at
		FROM link_usage
		WHERE agent_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, agentID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list link usage: %w", err)
	}
	defer rows.Close()

	var usages []*LinkUsage
	for rows.Next() {
		u := &LinkUsage{}
		if err := rows.Scan(&u.ID, &u.AgentID, &u.LinkID, &u.DestNodeID, &u.DestName, &u.UsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan link usage: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating link usage: %w", err)
	}
	return usages, nil
}
