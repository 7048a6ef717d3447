package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sopline/internal/analytics"
	"sopline/internal/domain"
)

type ProcedureFilters struct {
	ContextID string
	Status    string
	Category  string
	Recurring *bool
	Limit     int
}

func (r Repo) InsertProcedure(ctx context.Context, tx *sql.Tx, p domain.Procedure) error {
	body, err := marshalBody(p)
	if err != nil {
		return fmt.Errorf("marshal procedure: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO procedures(id,context_id,name,category,status,is_recurring,version,body_json,created_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`),
		p.ID, p.ContextID, p.Name, p.Category, string(p.Status), boolInt(p.IsRecurring), p.Version, body, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) UpdateProcedure(ctx context.Context, tx *sql.Tx, p domain.Procedure) error {
	body, err := marshalBody(p)
	if err != nil {
		return fmt.Errorf("marshal procedure: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE procedures SET name=?,category=?,status=?,is_recurring=?,version=?,body_json=?,updated_at=? WHERE id=?`),
		p.Name, p.Category, string(p.Status), boolInt(p.IsRecurring), p.Version, body, p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetProcedure(ctx context.Context, id string) (domain.Procedure, error) {
	return r.getProcedure(ctx, r.DB, id)
}

func (r Repo) GetProcedureTx(ctx context.Context, tx *sql.Tx, id string) (domain.Procedure, error) {
	return r.getProcedure(ctx, tx, id)
}

func (r Repo) getProcedure(ctx context.Context, q querier, id string) (domain.Procedure, error) {
	var body string
	err := q.QueryRowContext(ctx, r.q(`SELECT body_json FROM procedures WHERE id=?`), id).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Procedure{}, fmt.Errorf("procedure %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Procedure{}, err
	}
	var p domain.Procedure
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return p, fmt.Errorf("decode procedure %s: %w", id, err)
	}
	return p, nil
}

func (r Repo) ListProcedures(ctx context.Context, f ProcedureFilters) ([]domain.Procedure, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Recurring != nil {
		clauses = append(clauses, "is_recurring=?")
		args = append(args, boolInt(*f.Recurring))
	}
	query := `SELECT body_json FROM procedures ` + whereClause(clauses) + ` ORDER BY name, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Procedure
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var p domain.Procedure
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("decode procedure: %w", err)
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// InsertProcedureVersion snapshots p under its current version.
func (r Repo) InsertProcedureVersion(ctx context.Context, tx *sql.Tx, p domain.Procedure) error {
	body, err := marshalBody(p)
	if err != nil {
		return fmt.Errorf("marshal procedure: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO procedure_versions(procedure_id,version,body_json,created_at) VALUES (?,?,?,?)`),
		p.ID, p.Version, body, p.UpdatedAt)
	return err
}

func (r Repo) GetProcedureVersion(ctx context.Context, id string, version int) (domain.Procedure, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT body_json FROM procedure_versions WHERE procedure_id=? AND version=?`), id, version).Scan(&body)
	if err == sql.ErrNoRows {
		return domain.Procedure{}, fmt.Errorf("procedure %s v%d: %w", id, version, ErrNotFound)
	}
	if err != nil {
		return domain.Procedure{}, err
	}
	var p domain.Procedure
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return p, fmt.Errorf("decode procedure %s v%d: %w", id, version, err)
	}
	return p, nil
}

func (r Repo) ListProcedureVersions(ctx context.Context, id string) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT version FROM procedure_versions WHERE procedure_id=? ORDER BY version`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// GetAnalyticsState returns the stored fold, or an empty one.
func (r Repo) GetAnalyticsState(ctx context.Context, procedureID string) (analytics.State, error) {
	return r.getAnalyticsState(ctx, r.DB, procedureID)
}

func (r Repo) GetAnalyticsStateTx(ctx context.Context, tx *sql.Tx, procedureID string) (analytics.State, error) {
	return r.getAnalyticsState(ctx, tx, procedureID)
}

func (r Repo) getAnalyticsState(ctx context.Context, q querier, procedureID string) (analytics.State, error) {
	var st analytics.State
	var body string
	err := q.QueryRowContext(ctx, r.q(`SELECT state_json FROM procedure_analytics WHERE procedure_id=?`), procedureID).Scan(&body)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return st, fmt.Errorf("decode analytics %s: %w", procedureID, err)
	}
	return st, nil
}

func (r Repo) UpsertAnalyticsState(ctx context.Context, tx *sql.Tx, procedureID string, st analytics.State, updatedAt string) error {
	body, err := marshalBody(st)
	if err != nil {
		return fmt.Errorf("marshal analytics: %w", err)
	}
	_, err = tx.ExecContext(ctx, r.q(`INSERT INTO procedure_analytics(procedure_id,state_json,updated_at) VALUES (?,?,?)
ON CONFLICT(procedure_id) DO UPDATE SET state_json=excluded.state_json, updated_at=excluded.updated_at`),
		procedureID, body, updatedAt)
	return err
}
