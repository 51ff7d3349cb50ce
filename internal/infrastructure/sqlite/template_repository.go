package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	registryapp "github.com/zjrosen/batchflow/internal/registry/application"
	registry "github.com/zjrosen/batchflow/internal/registry/domain"
)

// TemplateRepository stores custom template definitions.
type TemplateRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ registryapp.TemplateStore = (*TemplateRepository)(nil)

func newTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db, now: time.Now}
}

// SaveTemplate inserts def, or replaces the stored definition with the
// same id.
func (r *TemplateRepository) SaveTemplate(ctx context.Context, def registry.TemplateDef) error {
	m, err := toTemplateModel(def, r.now())
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO templates (id, owner, key, version, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET definition = excluded.definition, updated_at = excluded.updated_at`,
		m.ID, m.Owner, m.Key, m.Version, m.Definition, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", m.ID, err)
	}
	return nil
}

// DeleteTemplate removes the definition with id. Unknown ids return an
// error wrapping ErrTemplateNotFound.
func (r *TemplateRepository) DeleteTemplate(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrTemplateNotFound, id)
	}
	return nil
}

// ListTemplates returns every stored definition ordered by owner, key and
// version.
func (r *TemplateRepository) ListTemplates(ctx context.Context) ([]registry.TemplateDef, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner, key, version, definition, created_at, updated_at
		 FROM templates ORDER BY owner, key, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	defs := []registry.TemplateDef{}
	for rows.Next() {
		var m TemplateModel
		if err := rows.Scan(&m.ID, &m.Owner, &m.Key, &m.Version, &m.Definition, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		def, err := m.toDomain()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return defs, nil
}
