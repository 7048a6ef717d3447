package repo_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"sopline/internal/db"
	"sopline/internal/domain"
	"sopline/internal/migrate"
	"sopline/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}, context.Background()
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.Begin()
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seedProcedure(t *testing.T, r repo.Repo, ctx context.Context) domain.Procedure {
	p := domain.Procedure{ID: "p1", ContextID: "home", Name: "Morning", Status: domain.ProcedureActive, Version: 1,
		Steps: []domain.Step{{ID: "s1", StepNumber: 1, Title: "Coffee", Kind: domain.StepStandard}},
		CreatedBy: "alice", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertProcedure(ctx, tx, p); err != nil {
			return err
		}
		return r.InsertProcedureVersion(ctx, tx, p)
	}))
	return p
}

func occurrence(id, date, assignee string) domain.Completion {
	return domain.Completion{ID: id, ProcedureID: "p1", ContextID: "home", ProcedureVersion: 1, AssigneeID: assignee,
		ScheduledDate: date, Status: domain.StatusScheduled, RowVersion: 1, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
}

func TestProcedureRoundTripAndVersions(t *testing.T) {
	r, ctx := newRepo(t)
	p := seedProcedure(t, r, ctx)

	got, err := r.GetProcedure(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p.Steps, got.Steps)

	p.Version = 2
	p.Name = "Morning v2"
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if err := r.UpdateProcedure(ctx, tx, p); err != nil {
			return err
		}
		return r.InsertProcedureVersion(ctx, tx, p)
	}))
	versions, err := r.ListProcedureVersions(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, versions)
	v1, err := r.GetProcedureVersion(ctx, p.ID, 1)
	require.NoError(t, err)
	require.Equal(t, "Morning", v1.Name)

	list, err := r.ListProcedures(ctx, repo.ProcedureFilters{ContextID: "home", Status: "active"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = r.GetProcedure(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestInsertCompletionEnforcesOccurrenceUniqueness(t *testing.T) {
	r, ctx := newRepo(t)
	seedProcedure(t, r, ctx)

	var inserted []bool
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		for _, c := range []domain.Completion{
			occurrence("c1", "2024-02-01", "bob"),
			occurrence("c2", "2024-02-01", "bob"),
			occurrence("c3", "2024-02-01", "carol"),
			occurrence("c4", "2024-02-01", ""),
			occurrence("c5", "2024-02-01", ""),
		} {
			ok, err := r.InsertCompletion(ctx, tx, c)
			if err != nil {
				return err
			}
			inserted = append(inserted, ok)
		}
		return nil
	}))
	require.Equal(t, []bool{true, false, true, true, false}, inserted)

	// A skipped occurrence frees the slot.
	c1, err := r.GetCompletion(ctx, "c1")
	require.NoError(t, err)
	c1.Status = domain.StatusSkipped
	c1.RowVersion++
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.UpdateCompletion(ctx, tx, c1) }))
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		ok, err := r.InsertCompletion(ctx, tx, occurrence("c6", "2024-02-01", "bob"))
		require.True(t, ok)
		return err
	}))
}

func TestUpdateCompletionDetectsLostRace(t *testing.T) {
	r, ctx := newRepo(t)
	seedProcedure(t, r, ctx)
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		_, err := r.InsertCompletion(ctx, tx, occurrence("c1", "2024-02-01", "bob"))
		return err
	}))

	first, err := r.GetCompletion(ctx, "c1")
	require.NoError(t, err)
	second := first

	first.CompletedSteps = []string{"s1"}
	first.RowVersion++
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error { return r.UpdateCompletion(ctx, tx, first) }))

	second.SkippedSteps = []string{"s1"}
	second.RowVersion++
	err = inTx(t, r, func(tx *sql.Tx) error { return r.UpdateCompletion(ctx, tx, second) })
	require.ErrorIs(t, err, domain.ErrConflict)

	got, err := r.GetCompletion(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, got.CompletedSteps)
	require.Equal(t, 2, got.RowVersion)
}

func TestRescheduleOntoOccupiedDateIsDuplicate(t *testing.T) {
	r, ctx := newRepo(t)
	seedProcedure(t, r, ctx)
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		if _, err := r.InsertCompletion(ctx, tx, occurrence("c1", "2024-02-01", "bob")); err != nil {
			return err
		}
		_, err := r.InsertCompletion(ctx, tx, occurrence("c2", "2024-02-02", "bob"))
		return err
	}))
	c2, err := r.GetCompletion(ctx, "c2")
	require.NoError(t, err)
	c2.ScheduledDate = "2024-02-01"
	c2.RowVersion++
	err = inTx(t, r, func(tx *sql.Tx) error { return r.UpdateCompletion(ctx, tx, c2) })
	require.ErrorIs(t, err, domain.ErrDuplicateOccurrence)

	var occupied map[string]bool
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		var err error
		occupied, err = r.OccupiedDates(ctx, tx, "p1", "bob", "2024-02-01", "2024-03-01")
		return err
	}))
	require.Equal(t, map[string]bool{"2024-02-01": true, "2024-02-02": true}, occupied)
}

func TestListCompletionsFilters(t *testing.T) {
	r, ctx := newRepo(t)
	seedProcedure(t, r, ctx)
	require.NoError(t, inTx(t, r, func(tx *sql.Tx) error {
		for _, c := range []domain.Completion{
			occurrence("c1", "2024-02-01", "bob"),
			occurrence("c2", "2024-02-03", "bob"),
			occurrence("c3", "2024-02-05", "carol"),
		} {
			if _, err := r.InsertCompletion(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	}))
	bob := "bob"
	got, err := r.ListCompletions(ctx, repo.CompletionFilters{ContextID: "home", AssigneeID: &bob, From: "2024-02-02", To: "2024-03-01"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "c2", got[0].ID)

	got, err = r.ListCompletions(ctx, repo.CompletionFilters{Statuses: []domain.CompletionStatus{domain.StatusScheduled}})
	require.NoError(t, err)
	require.Len(t, got, 3)
}
