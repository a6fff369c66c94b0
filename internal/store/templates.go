package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openskelo/openskelo/internal/ids"
	"github.com/openskelo/openskelo/internal/model"
)

// CreateTemplate inserts a new named template. Name is unique.
func (s *Store) CreateTemplate(ctx context.Context, name string, tt model.TemplateType, definition map[string]any, description string) (model.Template, error) {
	defJSON, err := json.Marshal(definition)
	if err != nil {
		return model.Template{}, fmt.Errorf("serialize template definition: %w", err)
	}
	now := nowUTC()
	t := model.Template{
		ID: ids.New(), Name: name, TemplateType: tt, Definition: definition,
		Description: description, CreatedAt: now, UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO templates (id, name, description, template_type, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, t.ID, t.Name, t.Description, string(t.TemplateType), string(defJSON),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return model.Template{}, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

// GetTemplate fetches one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	return s.queryTemplate(ctx, `SELECT id, name, description, template_type, definition, created_at, updated_at
		FROM templates WHERE id = ?`, id)
}

// GetTemplateByName fetches one template by its unique name.
func (s *Store) GetTemplateByName(ctx context.Context, name string) (model.Template, error) {
	return s.queryTemplate(ctx, `SELECT id, name, description, template_type, definition, created_at, updated_at
		FROM templates WHERE name = ?`, name)
}

func (s *Store) queryTemplate(ctx context.Context, query string, arg string) (model.Template, error) {
	var (
		t                                 model.Template
		templateType, definition, created, updated string
	)
	row := s.db.QueryRowxContext(ctx, query, arg)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &templateType, &definition, &created, &updated); err != nil {
		return model.Template{}, &model.NotFoundError{Kind: "template", ID: arg}
	}
	t.TemplateType = model.TemplateType(templateType)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(definition), &t.Definition); err != nil {
		return model.Template{}, fmt.Errorf("decode template definition: %w", err)
	}
	return t, nil
}

// ListTemplates returns every stored template.
func (s *Store) ListTemplates(ctx context.Context) ([]model.Template, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, name, description, template_type, definition, created_at, updated_at
		FROM templates ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []model.Template
	for rows.Next() {
		var (
			t                                 model.Template
			templateType, definition, created, updated string
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &templateType, &definition, &created, &updated); err != nil {
			return nil, err
		}
		t.TemplateType = model.TemplateType(templateType)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		if err := json.Unmarshal([]byte(definition), &t.Definition); err != nil {
			return nil, fmt.Errorf("decode template definition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteTemplate removes a template by id.
func (s *Store) DeleteTemplate(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	return err
}

// CreateSchedule persists a cron-driven template instantiation schedule
// (supplemental feature, SPEC_FULL.md #1).
func (s *Store) CreateSchedule(ctx context.Context, templateID, cronExpr string, vars map[string]any) (model.Schedule, error) {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return model.Schedule{}, err
	}
	sc := model.Schedule{ID: ids.New(), TemplateID: templateID, CronExpr: cronExpr, Enabled: true, Vars: vars, CreatedAt: nowUTC()}
	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (id, template_id, cron_expr, enabled, vars, created_at)
		VALUES (?, ?, ?, 1, ?, ?)`, sc.ID, sc.TemplateID, sc.CronExpr, string(varsJSON), sc.CreatedAt.Format(timeLayout))
	return sc, err
}

// ListSchedules returns every enabled schedule.
func (s *Store) ListSchedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT id, template_id, cron_expr, enabled, vars, created_at FROM schedules WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Schedule
	for rows.Next() {
		var sc model.Schedule
		var varsJSON, created string
		var enabled int
		if err := rows.Scan(&sc.ID, &sc.TemplateID, &sc.CronExpr, &enabled, &varsJSON, &created); err != nil {
			return nil, err
		}
		sc.Enabled = enabled == 1
		sc.CreatedAt = parseTime(created)
		_ = json.Unmarshal([]byte(varsJSON), &sc.Vars)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule by id.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	return err
}
