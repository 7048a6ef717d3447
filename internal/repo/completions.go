package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"sopline/internal/domain"
)

type CompletionFilters struct {
	ContextID   string
	ProcedureID string
	AssigneeID  *string
	Statuses    []domain.CompletionStatus
	From        string // inclusive date
	To          string // exclusive date
	Limit       int
}

// InsertCompletion stores c unless another occupying completion exists for
// the same procedure, date and assignee. It reports whether a row was written.
func (r Repo) InsertCompletion(ctx context.Context, tx *sql.Tx, c domain.Completion) (bool, error) {
	body, err := marshalBody(c)
	if err != nil {
		return false, fmt.Errorf("marshal completion: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO completions(id,procedure_id,context_id,procedure_version,assignee_id,scheduled_date,scheduled_time,status,row_version,body_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		c.ID, c.ProcedureID, c.ContextID, c.ProcedureVersion, c.AssigneeID, c.ScheduledDate, c.ScheduledTime, string(c.Status), c.RowVersion, body, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateCompletion writes c if its stored row_version still equals
// c.RowVersion-1. The caller bumps RowVersion before calling.
func (r Repo) UpdateCompletion(ctx context.Context, tx *sql.Tx, c domain.Completion) error {
	body, err := marshalBody(c)
	if err != nil {
		return fmt.Errorf("marshal completion: %w", err)
	}
	res, err := tx.ExecContext(ctx, r.q(`UPDATE completions SET procedure_version=?,assignee_id=?,scheduled_date=?,scheduled_time=?,status=?,row_version=?,body_json=?,updated_at=?
WHERE id=? AND row_version=?`),
		c.ProcedureVersion, c.AssigneeID, c.ScheduledDate, c.ScheduledTime, string(c.Status), c.RowVersion, body, c.UpdatedAt, c.ID, c.RowVersion-1)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s on %s", domain.ErrDuplicateOccurrence, c.ProcedureID, c.ScheduledDate)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completion %s: %w", c.ID, domain.ErrConflict)
	}
	return nil
}

func (r Repo) GetCompletion(ctx context.Context, id string) (domain.Completion, error) {
	return r.getCompletion(ctx, r.DB, id)
}

func (r Repo) GetCompletionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Completion, error) {
	return r.getCompletion(ctx, tx, id)
}

func (r Repo) getCompletion(ctx context.Context, q querier, id string) (domain.Completion, error) {
	var body string
	var rowVersion int
	err := q.QueryRowContext(ctx, r.q(`SELECT body_json,row_version FROM completions WHERE id=?`), id).Scan(&body, &rowVersion)
	if err == sql.ErrNoRows {
		return domain.Completion{}, fmt.Errorf("completion %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.Completion{}, err
	}
	var c domain.Completion
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return c, fmt.Errorf("decode completion %s: %w", id, err)
	}
	c.RowVersion = rowVersion
	return c, nil
}

func (r Repo) ListCompletions(ctx context.Context, f CompletionFilters) ([]domain.Completion, error) {
	return r.listCompletions(ctx, r.DB, f)
}

func (r Repo) ListCompletionsTx(ctx context.Context, tx *sql.Tx, f CompletionFilters) ([]domain.Completion, error) {
	return r.listCompletions(ctx, tx, f)
}

func (r Repo) listCompletions(ctx context.Context, q querier, f CompletionFilters) ([]domain.Completion, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.ProcedureID != "" {
		clauses = append(clauses, "procedure_id=?")
		args = append(args, f.ProcedureID)
	}
	if f.AssigneeID != nil {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, *f.AssigneeID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.From != "" {
		clauses = append(clauses, "scheduled_date>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "scheduled_date<?")
		args = append(args, f.To)
	}
	query := `SELECT body_json,row_version FROM completions ` + whereClause(clauses) + ` ORDER BY scheduled_date, scheduled_time, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Completion
	for rows.Next() {
		var body string
		var rowVersion int
		if err := rows.Scan(&body, &rowVersion); err != nil {
			return nil, err
		}
		var c domain.Completion
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("decode completion: %w", err)
		}
		c.RowVersion = rowVersion
		res = append(res, c)
	}
	return res, rows.Err()
}

// OccupiedDates returns the dates in [from, to) that already hold a
// scheduled, in-progress or completed occurrence for the assignee.
func (r Repo) OccupiedDates(ctx context.Context, tx *sql.Tx, procedureID, assigneeID, from, to string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, r.q(`SELECT scheduled_date FROM completions
WHERE procedure_id=? AND assignee_id=? AND scheduled_date>=? AND scheduled_date<? AND status IN ('scheduled','in_progress','completed')`),
		procedureID, assigneeID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out[d] = true
	}
	return out, rows.Err()
}
