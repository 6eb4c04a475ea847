package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Agent represents a connected client account in the database.
type Agent struct {
	ID            string
	Username      string
	PasswordHash  string
	Token         string
	CurrentNodeID sql.NullString
	HomeNodeID    string
	AP            int
	PurchasedAP   int
	ShortDesc     string
	LongDesc      string
	// Perception caps for look results, clamped to [1,100].
	LookAgents    int
	LookLinks     int
	LookThings    int
	SeeBroadcasts bool
	LastActiveAt  int64
	CreatedAt     int64
}

const agentColumns = `id, username, password_hash, token, current_node_id, home_node_id,
	ap, purchased_ap_this_tick, short_description, long_description,
	look_agents, look_links, look_things, see_broadcasts, last_active_at, created_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(
		&a.ID, &a.Username, &a.PasswordHash, &a.Token, &a.CurrentNodeID, &a.HomeNodeID,
		&a.AP, &a.PurchasedAP, &a.ShortDesc, &a.LongDesc,
		&a.LookAgents, &a.LookLinks, &a.LookThings, &a.SeeBroadcasts, &a.LastActiveAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.CreatedAt == 0 {
		a.CreatedAt = nowMillis()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO agents (id, username, password_hash, token, current_node_id, home_node_id,
			ap, purchased_ap_this_tick, short_description, long_description,
			look_agents, look_links, look_things, see_broadcasts, last_active_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Username, a.PasswordHash, a.Token, a.CurrentNodeID, a.HomeNodeID,
		a.AP, a.PurchasedAP, a.ShortDesc, a.LongDesc,
		a.LookAgents, a.LookLinks, a.LookThings, a.SeeBroadcasts, a.LastActiveAt, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByToken retrieves an agent by its bearer token.
func (s *Store) GetAgentByToken(ctx context.Context, token string) (*Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no agent for token")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by token: %w", err)
	}
	return a, nil
}

// GetAgentByUsername retrieves an agent by username.
func (s *Store) GetAgentByUsername(ctx context.Context, username string) (*Agent, error) {
	a, err := scanAgent(s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE username = ?`, username))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent not found: %s", username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent by username: %w", err)
	}
	return a, nil
}

// UpdateAgentToken rotates an agent's bearer token.
func (s *Store) UpdateAgentToken(ctx context.Context, id, token string) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET token = ? WHERE id = ?", token, id)
}

// UpdateAgentHome sets the agent's home node.
func (s *Store) UpdateAgentHome(ctx context.Context, id, nodeID string) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET home_node_id = ? WHERE id = ?", nodeID, id)
}

// SetAgentNode moves the agent to a node. An empty nodeID puts the agent in
// limbo (NULL current_node_id).
func (s *Store) SetAgentNode(ctx context.Context, id, nodeID string) error {
	var node sql.NullString
	if nodeID != "" {
		node = sql.NullString{String: nodeID, Valid: true}
	}
	return s.updateAgent(ctx, id, "UPDATE agents SET current_node_id = ? WHERE id = ?", node, id)
}

// UpdateAgentAP writes the agent's AP and purchased-this-tick counters.
func (s *Store) UpdateAgentAP(ctx context.Context, id string, ap, purchased int) error {
	return s.updateAgent(ctx, id,
		"UPDATE agents SET ap = ?, purchased_ap_this_tick = ? WHERE id = ?", ap, purchased, id)
}

// UpdateAgentProfile writes the agent's descriptions, perception caps, and
// broadcast flag. Caps are stored as given; clamping is the caller's job.
func (s *Store) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	return s.updateAgent(ctx, a.ID, `
		UPDATE agents
		SET short_description = ?, long_description = ?,
		    look_agents = ?, look_links = ?, look_things = ?, see_broadcasts = ?
		WHERE id = ?
	`, a.ShortDesc, a.LongDesc, a.LookAgents, a.LookLinks, a.LookThings, a.SeeBroadcasts, a.ID)
}

// TouchAgent updates the agent's last-active timestamp.
func (s *Store) TouchAgent(ctx context.Context, id string, ts int64) error {
	return s.updateAgent(ctx, id, "UPDATE agents SET last_active_at = ? WHERE id = ?", ts, id)
}

// AgentsInNode returns all agents whose current node is nodeID, in creation order.
func (s *Store) AgentsInNode(ctx context.Context, nodeID string) ([]*Agent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE current_node_id = ? ORDER BY created_at, id`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents in node: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// OccupiedNodeIDs returns the distinct current_node_id values over all agents
// that are not in limbo.
func (s *Store) OccupiedNodeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT current_node_id FROM agents
		WHERE current_node_id IS NOT NULL
		ORDER BY current_node_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list occupied nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating occupied nodes: %w", err)
	}
	return ids, nil
}

// ResetAllAP resets every agent's AP to maxAP and the purchased counter to 0.
// Called by tick phase 1.
func (s *Store) ResetAllAP(ctx context.Context, maxAP int) error {
	if _, err := s.q.ExecContext(ctx,
		"UPDATE agents SET ap = ?, purchased_ap_this_tick = 0", maxAP); err != nil {
		return fmt.Errorf("failed to reset AP: %w", err)
	}
	return nil
}

// IdleAgents returns agents that are not in limbo and were last active before
// cutoff. Called by tick phase 2.
func (s *Store) IdleAgents(ctx context.Context, cutoff int64) ([]*Agent, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE current_node_id IS NOT NULL AND last_active_at < ?
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating idle agents: %w", err)
	}
	return agents, nil
}

// HomeNodeIDs returns the set of every agent's home node.
func (s *Store) HomeNodeIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.q.QueryContext(ctx, "SELECT home_node_id FROM agents WHERE home_node_id != ''")
	if err != nil {
		return nil, fmt.Errorf("failed to list home nodes: %w", err)
	}
	defer rows.Close()

	homes := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan home node: %w", err)
		}
		homes[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating home nodes: %w", err)
	}
	return homes, nil
}

// updateAgent runs a single-row agent update and fails when no row matched.
func (s *Store) updateAgent(ctx context.Context, id, query string, args ...any) error {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent not found: %s", id)
	}
	return nil
}
