package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sopline/internal/domain"
)

type TemplateFilters struct {
	PublicOnly bool
	Category   string
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	body, err := marshalBody(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO templates(id,name,category,public,usage_count,body_json,created_by,created_at) VALUES (?,?,?,?,?,?,?,?)`),
		t.ID, t.Name, t.Category, boolInt(t.Public), t.UsageCount, body, t.CreatedBy, t.CreatedAt)
	return err
}

func (r Repo) UpdateTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	body, err := marshalBody(t)
	if err != nil {
		return fmt.Errorf("marshal template: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE templates SET name=?,category=?,public=?,usage_count=?,body_json=? WHERE id=?`),
		t.Name, t.Category, boolInt(t.Public), t.UsageCount, body, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTemplateTx(ctx context.Context, tx *sql.Tx, id string) (domain.Template, error) {
	return r.getTemplate(ctx, tx, id)
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	return r.getTemplate(ctx, r.DB, id)
}

func (r Repo) getTemplate(ctx context.Context, q querier, id string) (domain.Template, error) {
	var body string
	err := q.QueryRowContext(ctx, r.q(`SELECT body_json FROM templates WHERE id=?`), id).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return t, fmt.Errorf("decode template %s: %w", id, err)
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, f TemplateFilters) ([]domain.Template, error) {
	var (
		clauses []string
		args    []any
	)
	if f.PublicOnly {
		clauses = append(clauses, "public=1")
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT body_json FROM templates `+whereClause(clauses)+` ORDER BY usage_count DESC, name`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t domain.Template
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode template: %w", err)
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
