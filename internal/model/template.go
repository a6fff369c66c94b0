package model

import "time"

// TemplateType selects what Instantiate produces.
type TemplateType string

const (
	TemplateTypeTask     TemplateType = "task"
	TemplateTypePipeline TemplateType = "pipeline"
)

// Template is a reusable, named task or pipeline definition with
// {{var}} / {{var:-default}} placeholders resolved at instantiation time.
type Template struct {
	ID           string         `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	TemplateType TemplateType   `db:"template_type" json:"template_type"`
	Definition   map[string]any `db:"definition" json:"definition"`
	Description  string         `db:"description" json:"description,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// Schedule drives recurring Template.Instantiate calls (supplemental
// feature, see SPEC_FULL.md §Supplemental Features #1).
type Schedule struct {
	ID         string    `db:"id" json:"id"`
	TemplateID string    `db:"template_id" json:"template_id"`
	CronExpr   string    `db:"cron_expr" json:"cron_expr"`
	Enabled    bool      `db:"enabled" json:"enabled"`
	Vars       map[string]any `db:"vars" json:"vars,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
