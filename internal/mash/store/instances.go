package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mashworld/mash/common/spec/rules"
)

// Container types for the instance containment tagged union. An empty
// container type with a NULL container id means top-level (nodes only).
const (
	ContainerAgent    = "agent"
	ContainerInstance = "instance"
)

// System instance types. System instances have no template; their behaviour
// is wired into the runtime.
const (
	SystemRandomLink = "random_link"
	SystemLinkIndex  = "link_index"
)

// Instance is a live entity created from a template (or by the runtime for
// system instances).
type Instance struct {
	ID string
	// TemplateID is NULL for voided and system instances.
	TemplateID    sql.NullString
	Kind          string
	ShortDesc     string
	LongDesc      string
	Fields        map[string]any
	Permissions   map[string]rules.PermRule
	ContainerType string
	ContainerID   sql.NullString
	IsVoid        bool
	IsDestroyed   bool
	SystemType    string
	// InteractionsUsed counts rule firings this tick, capped by the evaluator.
	InteractionsUsed int
	CreatedAt        int64
}

const instanceColumns = `id, template_id, kind, short_description, long_description,
	fields, permissions, container_type, container_id,
	is_void, is_destroyed, system_type, interactions_used, created_at`

func scanInstance(row interface{ Scan(...any) error }) (*Instance, error) {
	inst := &Instance{}
	var fields, perms string
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.Kind, &inst.ShortDesc, &inst.LongDesc,
		&fields, &perms, &inst.ContainerType, &inst.ContainerID,
		&inst.IsVoid, &inst.IsDestroyed, &inst.SystemType, &inst.InteractionsUsed, &inst.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &inst.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode instance fields: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &inst.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode instance permissions: %w", err)
	}
	return inst, nil
}

// CreateInstance inserts a new instance.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	if inst.CreatedAt == 0 {
		inst.CreatedAt = nowMillis()
	}

	fields, err := marshalJSON(inst.Fields, "{}")
	if err != nil {
		return err
	}
	perms, err := marshalJSON(inst.Permissions, "{}")
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO instances (id, template_id, kind, short_description, long_description,
			fields, permissions, container_type, container_id,
			is_void, is_destroyed, system_type, interactions_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inst.ID, inst.TemplateID, inst.Kind, inst.ShortDesc, inst.LongDesc,
		fields, perms, inst.ContainerType, inst.ContainerID,
		inst.IsVoid, inst.IsDestroyed, inst.SystemType, inst.InteractionsUsed, inst.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID, including void and destroyed rows.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(s.q.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instance not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// UpdateInstanceDescriptions writes the instance's description strings.
func (s *Store) UpdateInstanceDescriptions(ctx context.Context, id, short, long string) error {
	return s.updateInstance(ctx, id, `
		UPDATE instances SET short_description = ?, long_description = ? WHERE id = ?
	`, short, long, id)
}

// UpdateInstanceFields overwrites the instance's custom field mapping.
// Merging semantics live in the caller.
func (s *Store) UpdateInstanceFields(ctx context.Context, id string, fields map[string]any) error {
	data, err := marshalJSON(fields, "{}")
	if err != nil {
		return err
	}
	return s.updateInstance(ctx, id, "UPDATE instances SET fields = ? WHERE id = ?", data, id)
}

// UpdateInstancePermissions overwrites the instance's permission override map.
func (s *Store) UpdateInstancePermissions(ctx context.Context, id string, perms map[string]rules.PermRule) error {
	data, err := marshalJSON(perms, "{}")
	if err != nil {
		return err
	}
	return s.updateInstance(ctx, id, "UPDATE instances SET permissions = ? WHERE id = ?", data, id)
}

// SetInstanceContainer re-parents the instance. Empty containerType with an
// empty containerID makes it top-level.
func (s *Store) SetInstanceContainer(ctx context.Context, id, containerType, containerID string) error {
	var cid sql.NullString
	if containerID != "" {
		cid = sql.NullString{String: containerID, Valid: true}
	}
	return s.updateInstance(ctx, id,
		"UPDATE instances SET container_type = ?, container_id = ? WHERE id = ?",
		containerType, cid, id)
}

// VoidInstance nulls the instance's template pointer and marks it void. The
// row keeps its id so cascades can still resolve references to it.
func (s *Store) VoidInstance(ctx context.Context, id string) error {
	return s.updateInstance(ctx, id,
		"UPDATE instances SET template_id = NULL, is_void = 1 WHERE id = ?", id)
}

// DestroyInstance marks the instance destroyed. Destroyed rows stay only to
// suppress dangling references.
func (s *Store) DestroyInstance(ctx context.Context, id string) error {
	return s.updateInstance(ctx, id,
		"UPDATE instances SET is_destroyed = 1 WHERE id = ?", id)
}

// InstancesIn returns the live (non-void, non-destroyed) instances directly
// contained by the given container, in creation order.
func (s *Store) InstancesIn(ctx context.Context, containerType, containerID string) ([]*Instance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE container_type = ? AND container_id = ? AND is_void = 0 AND is_destroyed = 0
		ORDER BY rowid
	`, containerType, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contained instances: %w", err)
	}
	return collectInstances(rows)
}

// ContainedAnywhere returns every non-destroyed instance (void included)
// whose direct container is the given one. Used by cascades, which must also
// sweep void rows.
func (s *Store) ContainedAnywhere(ctx context.Context, containerType, containerID string) ([]*Instance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE container_type = ? AND container_id = ? AND is_destroyed = 0
		ORDER BY rowid
	`, containerType, containerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list contained instances: %w", err)
	}
	return collectInstances(rows)
}

// FirstContainedOfTemplate returns the first live contained instance created
// from the given template, or nil when none matches.
func (s *Store) FirstContainedOfTemplate(ctx context.Context, containerType, containerID, templateID string) (*Instance, error) {
	inst, err := scanInstance(s.q.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE container_type = ? AND container_id = ? AND template_id = ?
		  AND is_void = 0 AND is_destroyed = 0
		ORDER BY rowid LIMIT 1
	`, containerType, containerID, templateID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contained instance: %w", err)
	}
	return inst, nil
}

// HasInstanceOfTemplate reports whether some live instance of the template
// has the given container id, regardless of container type.
func (s *Store) HasInstanceOfTemplate(ctx context.Context, containerID, templateID string) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instances
		WHERE container_id = ? AND template_id = ? AND is_void = 0 AND is_destroyed = 0
	`, containerID, templateID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count contained instances: %w", err)
	}
	return n > 0, nil
}

// InstancesByTemplate returns all non-destroyed instances of a template.
func (s *Store) InstancesByTemplate(ctx context.Context, templateID string) ([]*Instance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE template_id = ? AND is_destroyed = 0
		ORDER BY rowid
	`, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances by template: %w", err)
	}
	return collectInstances(rows)
}

// LiveNodes returns every live node instance.
func (s *Store) LiveNodes(ctx context.Context) ([]*Instance, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM instances
		WHERE kind = ? AND is_void = 0 AND is_destroyed = 0
		ORDER BY rowid
	`, KindNode)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return collectInstances(rows)
}

// ResetInteractionCounters zeroes every instance's per-tick interaction
// counter. Called by tick phase 1.
func (s *Store) ResetInteractionCounters(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, "UPDATE instances SET interactions_used = 0"); err != nil {
		return fmt.Errorf("failed to reset interaction counters: %w", err)
	}
	return nil
}

// SetInteractionsUsed writes the instance's per-tick interaction counter.
func (s *Store) SetInteractionsUsed(ctx context.Context, id string, used int) error {
	return s.updateInstance(ctx, id,
		"UPDATE instances SET interactions_used = ? WHERE id = ?", used, id)
}

func collectInstances(rows *sql.Rows) ([]*Instance, error) {
	defer rows.Close()
	var insts []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return insts, nil
}

func (s *Store) updateInstance(ctx context.Context, id, query string, args ...any) error {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("instance not found: %s", id)
	}
	return nil
}
