package repo

import (
	"context"
	"database/sql"
	"fmt"

	"sopline/internal/domain"
)

type EventFilters struct {
	ContextID  string
	Type       string
	EntityKind string
	EntityID   string
}

// LatestEvents returns events newest first. A positive cursor restricts the
// page to ids below it.
func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, f EventFilters) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if f.ContextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, f.ContextID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT id,ts,type,context_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, whereClause(clauses))
	args = append(args, limit)
	return r.scanEvents(ctx, query, args)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, contextID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		clauses []string
		args    []any
	)
	if contextID != "" {
		clauses = append(clauses, "context_id=?")
		args = append(args, contextID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,context_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, whereClause(clauses))
	args = append(args, limit)
	return r.scanEvents(ctx, query, args)
}

func (r Repo) scanEvents(ctx context.Context, query string, args []any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var contextID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &contextID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ContextID = contextID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a context.
func (r Repo) LatestEventID(ctx context.Context, contextID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, r.q(`SELECT COALESCE(MAX(id),0) FROM events WHERE context_id=?`), contextID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
