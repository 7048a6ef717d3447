package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sopline/internal/db"
)

// Event types appended by the engine.
const (
	ProcedureCreated        = "procedure.created"
	ProcedureUpdated        = "procedure.updated"
	ProcedureStatusChanged  = "procedure.status_changed"
	OccurrenceScheduled     = "completion.scheduled"
	OccurrenceRescheduled   = "completion.rescheduled"
	OccurrenceRepinned      = "completion.repinned"
	OccurrenceStarted       = "completion.started"
	OccurrenceStepCompleted = "completion.step_completed"
	OccurrenceStepSkipped   = "completion.step_skipped"
	OccurrenceStepNoted     = "completion.step_noted"
	OccurrenceFinished      = "completion.completed"
	OccurrenceSkipped       = "completion.skipped"
	OccurrenceFailed        = "completion.failed"
	AnalyticsUpdated        = "procedure.analytics_updated"
	TemplateCreated         = "template.created"
	TemplateInstantiated    = "template.instantiated"
	TemplateRated           = "template.rated"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an audit event inside tx so it commits with the mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, contextID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,context_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`),
		ts, evtType, nullable(contextID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
