package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mashworld/mash/common/spec/rules"
)

// Entity kinds shared by templates and instances.
const (
	KindNode  = "node"
	KindLink  = "link"
	KindThing = "thing"
)

// ValidKind reports whether kind names a template/instance kind.
func ValidKind(kind string) bool {
	return kind == KindNode || kind == KindLink || kind == KindThing
}

// Template is a user-authored blueprint for instances.
type Template struct {
	ID        string
	OwnerID   string
	Name      string
	Kind      string
	ShortDesc string
	LongDesc  string
	// Fields are the default custom fields copied onto new instances.
	Fields map[string]any
	// DefaultPermissions hold the per-key rules consulted when an instance
	// carries no override for a key.
	DefaultPermissions map[string]rules.PermRule
	// Interactions is the template's ordered rule list.
	Interactions []rules.Rule
	CreatedAt    int64
	UpdatedAt    int64
}

const templateColumns = `id, owner_id, name, kind, short_description, long_description,
	fields, default_permissions, interactions, created_at, updated_at`

func scanTemplate(row interface{ Scan(...any) error }) (*Template, error) {
	t := &Template{}
	var fields, perms, interactions string
	err := row.Scan(
		&t.ID, &t.OwnerID, &t.Name, &t.Kind, &t.ShortDesc, &t.LongDesc,
		&fields, &perms, &interactions, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &t.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode template fields: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &t.DefaultPermissions); err != nil {
		return nil, fmt.Errorf("failed to decode template permissions: %w", err)
	}
	if err := json.Unmarshal([]byte(interactions), &t.Interactions); err != nil {
		return nil, fmt.Errorf("failed to decode template interactions: %w", err)
	}
	return t, nil
}

// CreateTemplate inserts a new template.
func (s *Store) CreateTemplate(ctx context.Context, t *Template) error {
	now := nowMillis()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	fields, err := marshalJSON(t.Fields, "{}")
	if err != nil {
		return err
	}
	perms, err := marshalJSON(t.DefaultPermissions, "{}")
	if err != nil {
		return err
	}
	interactions, err := marshalJSON(t.Interactions, "[]")
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO templates (id, owner_id, name, kind, short_description, long_description,
			fields, default_permissions, interactions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.OwnerID, t.Name, t.Kind, t.ShortDesc, t.LongDesc,
		fields, perms, interactions, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

// GetTemplate retrieves a template by ID.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	t, err := scanTemplate(s.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("template not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// UpdateTemplate overwrites a template's mutable columns.
func (s *Store) UpdateTemplate(ctx context.Context, t *Template) error {
	t.UpdatedAt = nowMillis()

	fields, err := marshalJSON(t.Fields, "{}")
	if err != nil {
		return err
	}
	perms, err := marshalJSON(t.DefaultPermissions, "{}")
	if err != nil {
		return err
	}
	interactions, err := marshalJSON(t.Interactions, "[]")
	if err != nil {
		return err
	}

	result, err := s.q.ExecContext(ctx, `
		UPDATE templates
		SET name = ?, short_description = ?, long_description = ?,
		    fields = ?, default_permissions = ?, interactions = ?, updated_at = ?
		WHERE id = ?
	`, t.Name, t.ShortDesc, t.LongDesc, fields, perms, interactions, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("template not found: %s", t.ID)
	}
	return nil
}

// DeleteTemplate removes a template row. Voiding its instances is the
// caller's responsibility (the cascade runs inside the same tick transaction).
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM templates WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("template not found: %s", id)
	}
	return nil
}

// TemplatesByOwner returns all templates owned by the given agent.
func (s *Store) TemplatesByOwner(ctx context.Context, ownerID string) ([]*Template, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE owner_id = ? ORDER BY created_at, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var ts []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		ts = append(ts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating templates: %w", err)
	}
	return ts, nil
}
