package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"sopline/internal/config"
	"sopline/internal/db"
	"sopline/internal/domain"
	"sopline/internal/engine"
	"sopline/internal/holiday"
	"sopline/internal/migrate"
	"sopline/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) advance(d time.Duration) { *env.clock = env.clock.Add(d) }

func newTestEnv(t *testing.T, tweak ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	cfg := config.Default("home")
	for _, fn := range tweak {
		fn(cfg)
	}
	clock := time.Date(2024, 3, 1, 7, 0, 0, 0, time.UTC)
	eng := engine.New(conn, db.SQLite, cfg)
	eng.Now = func() time.Time { return clock }
	return testEnv{Engine: eng, Ctx: context.Background(), clock: &clock}
}

func (env testEnv) procedure(t *testing.T, opts engine.ProcedureCreateOptions) domain.Procedure {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "alice"
	}
	p, err := env.Engine.CreateProcedure(env.Ctx, opts)
	require.NoError(t, err)
	return p
}

func (env testEnv) occurrence(t *testing.T, procID, date string) domain.Completion {
	t.Helper()
	c, err := env.Engine.CreateOccurrence(env.Ctx, engine.OccurrenceOptions{ProcedureID: procID, Date: date, ActorID: "alice"})
	require.NoError(t, err)
	return c
}

func std(id, title string, minutes int, deps ...string) domain.Step {
	return domain.Step{ID: id, Title: title, EstimatedDuration: minutes, Dependencies: deps}
}

func stepIDs(c domain.Completion) []string {
	out := make([]string, len(c.Steps))
	for i, s := range c.Steps {
		out[i] = s.ID
	}
	return out
}

func TestCreateProcedureNormalizesSteps(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{
		Name: "Laundry",
		Steps: []domain.Step{
			{Title: "Sort", EstimatedDuration: 5},
			{Title: "Wash", EstimatedDuration: 40},
			{Title: "Fold", Items: []domain.ListItem{{Text: "shirts"}, {Text: "socks"}}},
		},
	})
	require.Equal(t, "home", p.ContextID)
	require.Equal(t, domain.ProcedureDraft, p.Status)
	require.Equal(t, domain.OrderSequential, p.ExecutionOrder)
	require.Equal(t, 1, p.Version)
	require.Equal(t, 45, p.EstimatedDuration)
	require.Equal(t, "s1", p.Steps[0].ID)
	require.Equal(t, 3, p.Steps[2].StepNumber)
	require.Equal(t, domain.StepList, p.Steps[2].Kind)
	require.Equal(t, "i2", p.Steps[2].Items[1].ID)
	require.True(t, p.Embedding.IsStandalone)

	_, err := env.Engine.CreateProcedure(env.Ctx, engine.ProcedureCreateOptions{
		Name:  "Broken",
		Steps: []domain.Step{std("a", "A", 1, "b"), std("b", "B", 1, "a")},
	})
	require.ErrorIs(t, err, domain.ErrDependencyCycle)

	_, err = env.Engine.CreateProcedure(env.Ctx, engine.ProcedureCreateOptions{
		Name:  "Dangling",
		Steps: []domain.Step{std("a", "A", 1, "ghost")},
	})
	require.ErrorIs(t, err, domain.ErrUnknownStep)

	list, err := env.Engine.ListProcedures(env.Ctx, repo.ProcedureFilters{})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestEmbeddingCycleIsRejectedWithoutWrites(t *testing.T) {
	env := newTestEnv(t)
	b := env.procedure(t, engine.ProcedureCreateOptions{ID: "b", Name: "B", CanBeEmbedded: true, Steps: []domain.Step{std("s1", "B1", 10)}})
	env.procedure(t, engine.ProcedureCreateOptions{ID: "a", Name: "A", CanBeEmbedded: true, Steps: []domain.Step{
		std("s1", "A1", 5),
		{ID: "s2", Title: "Run B", Embedded: &domain.EmbeddedProcedure{ProcedureID: "b"}},
	}})

	steps := append(b.Steps, domain.Step{ID: "s2", Title: "Run A", Embedded: &domain.EmbeddedProcedure{ProcedureID: "a"}})
	_, err := env.Engine.UpdateProcedure(env.Ctx, engine.ProcedureUpdateOptions{ID: "b", Steps: &steps})
	var cyc *domain.CompositionCycleError
	require.ErrorAs(t, err, &cyc)
	require.Equal(t, []string{"b", "a", "b"}, cyc.Path)

	stored, err := env.Engine.GetProcedure(env.Ctx, "b")
	require.NoError(t, err)
	require.Equal(t, 1, stored.Version)
	require.Len(t, stored.Steps, 1)

	_, err = env.Engine.CreateProcedure(env.Ctx, engine.ProcedureCreateOptions{ID: "self", Name: "Self", Steps: []domain.Step{
		{Title: "Me", Embedded: &domain.EmbeddedProcedure{ProcedureID: "self"}},
	}})
	require.ErrorIs(t, err, domain.ErrCompositionCycle)
}

func TestUpdateBumpsVersionOnlyOnStructuralEdits(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Dishes", Steps: []domain.Step{std("s1", "Rinse", 5)}})

	name := "Dishes (evening)"
	p, err := env.Engine.UpdateProcedure(env.Ctx, engine.ProcedureUpdateOptions{ID: p.ID, Name: &name})
	require.NoError(t, err)
	require.Equal(t, 1, p.Version)

	steps := []domain.Step{std("s1", "Rinse", 5), std("s2", "Load", 10, "s1")}
	p, err = env.Engine.UpdateProcedure(env.Ctx, engine.ProcedureUpdateOptions{ID: p.ID, Steps: &steps})
	require.NoError(t, err)
	require.Equal(t, 2, p.Version)
	require.Equal(t, 15, p.EstimatedDuration)

	p, err = env.Engine.UpdateProcedure(env.Ctx, engine.ProcedureUpdateOptions{ID: p.ID, Recurrence: &domain.RecurrenceRule{Frequency: domain.FrequencyDaily}})
	require.NoError(t, err)
	require.Equal(t, 3, p.Version)
	require.True(t, p.IsRecurring)

	versions, err := env.Engine.ProcedureVersions(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, versions)
	v1, err := env.Engine.ProcedureVersion(env.Ctx, p.ID, 1)
	require.NoError(t, err)
	require.Len(t, v1.Steps, 1)
}

func TestProcedureStatusTable(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Trash", Steps: []domain.Step{std("s1", "Bag", 2)}})

	p, err := env.Engine.SetProcedureStatus(env.Ctx, p.ID, domain.ProcedureArchived, "alice")
	require.NoError(t, err)
	_, err = env.Engine.SetProcedureStatus(env.Ctx, p.ID, domain.ProcedureDraft, "alice")
	require.ErrorIs(t, err, domain.ErrInvalid)

	_, err = env.Engine.CreateOccurrence(env.Ctx, engine.OccurrenceOptions{ProcedureID: p.ID, Date: "2024-03-04"})
	require.ErrorIs(t, err, domain.ErrArchived)

	p, err = env.Engine.SetProcedureStatus(env.Ctx, p.ID, domain.ProcedureActive, "alice")
	require.NoError(t, err)
	require.Equal(t, domain.ProcedureActive, p.Status)
}

func TestOccurrencePinsResolvedSteps(t *testing.T) {
	env := newTestEnv(t)
	env.procedure(t, engine.ProcedureCreateOptions{ID: "B", Name: "B", CanBeEmbedded: true, Steps: []domain.Step{
		std("S1", "B1", 10), std("S2", "B2", 10), std("S3", "B3", 20),
	}})
	env.procedure(t, engine.ProcedureCreateOptions{ID: "A", Name: "A", Steps: []domain.Step{
		std("S1", "A1", 5),
		{ID: "E", Title: "Do B", Embedded: &domain.EmbeddedProcedure{ProcedureID: "B", Overrides: domain.EmbedOverrides{SkipSteps: []string{"S2"}}}},
	}})

	c := env.occurrence(t, "A", "2024-03-04")
	if diff := cmp.Diff([]string{"S1", "E/S1", "E/S3"}, stepIDs(c)); diff != "" {
		t.Fatalf("pinned steps (-want +got):\n%s", diff)
	}
	require.Equal(t, "E", c.Steps[1].ParentStepID)
	require.Equal(t, "E", c.Steps[2].ParentStepID)
	require.True(t, c.Steps[2].IsEmbedded)
	require.Equal(t, 35.0, c.EstimatedDuration)
	require.Equal(t, 1, c.ProcedureVersion)

	_, err := env.Engine.CreateOccurrence(env.Ctx, engine.OccurrenceOptions{ProcedureID: "A", Date: "2024-03-04"})
	require.ErrorIs(t, err, domain.ErrDuplicateOccurrence)
}

func weekly(t *testing.T, env testEnv) domain.Procedure {
	return env.procedure(t, engine.ProcedureCreateOptions{
		Name:       "Gym",
		Assignment: domain.AssignmentPolicy{DefaultAssignee: "bob"},
		Steps:      []domain.Step{std("s1", "Warm up", 10), std("s2", "Lift", 40, "s1")},
		Recurrence: &domain.RecurrenceRule{Frequency: domain.FrequencyWeekly, DaysOfWeek: []int{1, 3, 5}, TimeOfDay: "07:30"},
	})
}

func TestScheduleOccurrencesIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := weekly(t, env)

	first, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-03", To: "2024-03-17"})
	require.NoError(t, err)
	require.Len(t, first, 6)
	for _, c := range first {
		require.Equal(t, "07:30", c.ScheduledTime)
		require.Equal(t, "bob", c.AssigneeID)
	}

	again, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-06", To: "2024-03-20"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.Equal(t, "2024-03-18", again[0].ScheduledDate)

	// A different assignee is a different occurrence.
	other, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-04", To: "2024-03-05", AssigneeID: "carol"})
	require.NoError(t, err)
	require.Len(t, other, 1)

	// Skipping frees the date for the same assignee.
	_, err = env.Engine.SkipOccurrence(env.Ctx, engine.SkipRequest{Request: engine.Request{CompletionID: first[0].ID}, Reason: "sick"})
	require.NoError(t, err)
	refill, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-03", To: "2024-03-17"})
	require.NoError(t, err)
	require.Len(t, refill, 1)
	require.Equal(t, first[0].ScheduledDate, refill[0].ScheduledDate)
}

func TestSchedulingWindowIsBounded(t *testing.T) {
	env := newTestEnv(t)
	p := weekly(t, env)

	_, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-01-01", To: "2324-01-01"})
	require.ErrorIs(t, err, domain.ErrInvalid)
	_, err = env.Engine.Calendar(env.Ctx, engine.CalendarOptions{From: "2024-01-01", To: "2026-01-01", Slots: true})
	require.ErrorIs(t, err, domain.ErrInvalid)
	list, err := env.Engine.Repo.ListCompletions(env.Ctx, repo.CompletionFilters{ProcedureID: p.ID})
	require.NoError(t, err)
	require.Empty(t, list)

	created, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-01-01", To: "2025-01-01"})
	require.NoError(t, err)
	require.NotEmpty(t, created)
}

func TestScheduleSkipsHolidays(t *testing.T) {
	env := newTestEnv(t)
	cal, err := holiday.NewStatic([]string{"2024-03-06"}, nil, nil)
	require.NoError(t, err)
	env.Engine.Holidays = cal

	p := env.procedure(t, engine.ProcedureCreateOptions{
		Name:       "Standup",
		Steps:      []domain.Step{std("s1", "Talk", 15)},
		Recurrence: &domain.RecurrenceRule{Frequency: domain.FrequencyWeekly, DaysOfWeek: []int{1, 3, 5}, SkipHolidays: true},
	})
	got, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-03", To: "2024-03-10"})
	require.NoError(t, err)
	var dates []string
	for _, c := range got {
		dates = append(dates, c.ScheduledDate)
		require.Equal(t, "00:00", c.ScheduledTime)
	}
	require.Equal(t, []string{"2024-03-04", "2024-03-08"}, dates)

	env.Engine.Holidays = holiday.CheckerFunc(func(context.Context, time.Time, string) (bool, error) {
		return false, errors.New("calendar offline")
	})
	_, err = env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-10", To: "2024-03-17"})
	require.ErrorContains(t, err, "calendar offline")
}

func TestConcurrentSchedulingCreatesNoDuplicates(t *testing.T) {
	env := newTestEnv(t)
	p := weekly(t, env)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: p.ID, From: "2024-03-03", To: "2024-03-17"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	all, err := env.Engine.Repo.ListCompletions(env.Ctx, repo.CompletionFilters{ProcedureID: p.ID})
	require.NoError(t, err)
	require.Len(t, all, 6)
	seen := map[string]bool{}
	for _, c := range all {
		key := c.ScheduledDate + "|" + c.AssigneeID
		require.False(t, seen[key], "duplicate occurrence %s", key)
		seen[key] = true
	}
}

func TestExecutionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Morning", Category: "morning", Steps: []domain.Step{
		std("s1", "Coffee", 5),
		std("s2", "Stretch", 10),
		{ID: "s3", Title: "Pack", Items: []domain.ListItem{{ID: "keys", Text: "Keys"}, {ID: "wallet", Text: "Wallet"}}},
	}})
	c := env.occurrence(t, p.ID, "2024-03-01")
	req := engine.Request{CompletionID: c.ID, ActorID: "bob"}

	_, err := env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: req})
	var bad *domain.InvalidTransitionError
	require.ErrorAs(t, err, &bad)
	require.Equal(t, domain.StatusScheduled, bad.From)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s1"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	c, err = env.Engine.Start(env.Ctx, req)
	require.NoError(t, err)
	require.Equal(t, domain.StatusInProgress, c.Status)
	require.Equal(t, "2024-03-01T07:00:00Z", c.StartedAt)

	_, err = env.Engine.Start(env.Ctx, req)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "nope"})
	var unknown *domain.UnknownStepError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "nope", unknown.StepID)

	c, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s1"})
	require.NoError(t, err)
	c, err = env.Engine.SkipStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s1", Note: "out of beans"})
	require.NoError(t, err)
	require.Empty(t, c.CompletedSteps)
	require.Equal(t, []string{"s1"}, c.SkippedSteps)
	require.Equal(t, "out of beans", c.StepNotes["s1"])

	c, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s3", ItemID: "keys"})
	require.NoError(t, err)
	require.NotContains(t, c.CompletedSteps, "s3")
	c, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s3", ItemID: "wallet"})
	require.NoError(t, err)
	require.Contains(t, c.CompletedSteps, "s3")
	_, err = env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: "s3", ItemID: "phone"})
	require.ErrorIs(t, err, domain.ErrUnknownStep)

	_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: req, Outcome: domain.Outcome{Rating: 9}})
	require.ErrorIs(t, err, domain.ErrInvalid)

	env.advance(25 * time.Minute)
	c, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: req, Outcome: domain.Outcome{Rating: 4, Suggestions: []string{"prep the night before"}}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, c.Status)
	require.Equal(t, 25.0, c.ActualDuration)
	require.Equal(t, "bob", c.CompletedBy)
	require.Equal(t, 4, c.Outcome.Rating)

	_, err = env.Engine.Abandon(env.Ctx, engine.AbandonRequest{Request: req})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := env.Engine.GetProcedure(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 25.0, got.Analytics.AverageCompletionTime)
	require.Equal(t, 1.0, got.Analytics.CompletionRate)
	require.Equal(t, "07:00", got.Analytics.AverageStartTime)
	require.Equal(t, "2024-03-01T07:25:00Z", got.Analytics.LastOptimized)
}

func TestConcurrentStepUpdatesAreNotLost(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Clean", ExecutionOrder: domain.OrderParallel, Steps: []domain.Step{
		std("a", "Dust", 5), std("b", "Vacuum", 5), std("c", "Mop", 5), std("d", "Windows", 5),
	}})
	c := env.occurrence(t, p.ID, "2024-03-02")
	req := engine.Request{CompletionID: c.ID, ActorID: "bob"}
	_, err := env.Engine.Start(env.Ctx, req)
	require.NoError(t, err)

	var g errgroup.Group
	for _, id := range []string{"a", "b", "c", "d"} {
		g.Go(func() error {
			_, err := env.Engine.CompleteStep(env.Ctx, engine.StepRequest{Request: req, StepID: id})
			return err
		})
	}
	require.NoError(t, g.Wait())

	c, err = env.Engine.GetCompletion(env.Ctx, c.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, c.CompletedSteps)
	require.Equal(t, 6, c.RowVersion)
}

func TestStaleVersionAndRepin(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Plants", Steps: []domain.Step{std("s1", "Water", 5)}})
	c := env.occurrence(t, p.ID, "2024-03-05")

	steps := []domain.Step{std("s1", "Water", 5), std("s2", "Feed", 5)}
	p, err := env.Engine.UpdateProcedure(env.Ctx, engine.ProcedureUpdateOptions{ID: p.ID, Steps: &steps})
	require.NoError(t, err)
	require.Equal(t, 2, p.Version)

	_, err = env.Engine.Start(env.Ctx, engine.Request{CompletionID: c.ID, ProcedureVersion: 2})
	var stale *domain.StaleVersionError
	require.ErrorAs(t, err, &stale)
	require.Equal(t, 1, stale.Pinned)
	require.Equal(t, 2, stale.Requested)

	c, err = env.Engine.Repin(env.Ctx, engine.Request{CompletionID: c.ID})
	require.NoError(t, err)
	require.Equal(t, 2, c.ProcedureVersion)
	require.Equal(t, []string{"s1", "s2"}, stepIDs(c))

	c, err = env.Engine.Start(env.Ctx, engine.Request{CompletionID: c.ID, ProcedureVersion: 2})
	require.NoError(t, err)
	_, err = env.Engine.Repin(env.Ctx, engine.Request{CompletionID: c.ID})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFinishRequiresConfirmation(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Confirmation.Secret = "s3cret" })
	p := env.procedure(t, engine.ProcedureCreateOptions{
		Name:       "Medication",
		Assignment: domain.AssignmentPolicy{RequiresConfirmation: true},
		Steps:      []domain.Step{std("s1", "Pill", 1)},
	})
	c := env.occurrence(t, p.ID, "2024-03-01")
	_, err := env.Engine.Start(env.Ctx, engine.Request{CompletionID: c.ID})
	require.NoError(t, err)

	_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: engine.Request{CompletionID: c.ID, ActorID: "cron", Automated: true}})
	require.ErrorIs(t, err, domain.ErrConfirmationRequired)
	_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: engine.Request{CompletionID: c.ID, ActorID: "dana"}})
	require.ErrorIs(t, err, domain.ErrConfirmationRequired)

	token, _, err := env.Engine.IssueConfirmation(env.Ctx, c.ID, "erin")
	require.NoError(t, err)
	_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: engine.Request{CompletionID: c.ID, ActorID: "dana"}, Token: token})
	require.ErrorIs(t, err, domain.ErrConfirmationRequired)

	c, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: engine.Request{CompletionID: c.ID, ActorID: "erin"}, Token: token})
	require.NoError(t, err)
	require.Equal(t, "erin", c.CompletedBy)
}

func TestAnalyticsWindowedAverageAndRate(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Run", Steps: []domain.Step{std("s1", "Run", 20)}})

	durations := []int{20, 22, 18, 25, 19, 21, 23, 17, 24, 20}
	for i, d := range durations {
		c := env.occurrence(t, p.ID, time.Date(2024, 3, 1+i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"))
		req := engine.Request{CompletionID: c.ID, ActorID: "bob"}
		_, err := env.Engine.Start(env.Ctx, req)
		require.NoError(t, err)
		env.advance(time.Duration(d) * time.Minute)
		_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: req})
		require.NoError(t, err)
		env.advance(time.Hour)
	}
	got, err := env.Engine.GetProcedure(env.Ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 20.9, got.Analytics.AverageCompletionTime)
	require.Equal(t, 10, got.Analytics.SampleCount)

	q := env.procedure(t, engine.ProcedureCreateOptions{Name: "Swim", Steps: []domain.Step{std("s1", "Swim", 30)}})
	for i := 0; i < 10; i++ {
		c := env.occurrence(t, q.ID, time.Date(2024, 4, 1+i, 0, 0, 0, 0, time.UTC).Format("2006-01-02"))
		req := engine.Request{CompletionID: c.ID, ActorID: "bob"}
		switch i {
		case 3:
			_, err = env.Engine.SkipOccurrence(env.Ctx, engine.SkipRequest{Request: req})
		case 7:
			_, err = env.Engine.Abandon(env.Ctx, engine.AbandonRequest{Request: req, Issues: []string{"pool closed"}})
		default:
			_, err = env.Engine.Start(env.Ctx, req)
			require.NoError(t, err)
			env.advance(30 * time.Minute)
			_, err = env.Engine.Finish(env.Ctx, engine.FinishRequest{Request: req})
		}
		require.NoError(t, err)
	}
	got, err = env.Engine.GetProcedure(env.Ctx, q.ID)
	require.NoError(t, err)
	require.Equal(t, 0.8, got.Analytics.CompletionRate)
}

func TestRescheduleIsTheOnlyCalendarWritePath(t *testing.T) {
	env := newTestEnv(t)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Groceries", Category: "errands", Steps: []domain.Step{std("s1", "Shop", 45)}})
	c1 := env.occurrence(t, p.ID, "2024-03-09")
	env.occurrence(t, p.ID, "2024-03-10")

	_, err := env.Engine.Reschedule(env.Ctx, engine.RescheduleRequest{Request: engine.Request{CompletionID: c1.ID}, Date: "2024-03-10"})
	require.ErrorIs(t, err, domain.ErrDuplicateOccurrence)

	c1, err = env.Engine.Reschedule(env.Ctx, engine.RescheduleRequest{Request: engine.Request{CompletionID: c1.ID}, Date: "2024-03-08", Time: "18:15"})
	require.NoError(t, err)
	require.Equal(t, "2024-03-08", c1.ScheduledDate)
	require.Equal(t, "18:15", c1.ScheduledTime)

	_, err = env.Engine.Reschedule(env.Ctx, engine.RescheduleRequest{Request: engine.Request{CompletionID: c1.ID}, Time: "25:00"})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestCalendarProjection(t *testing.T) {
	env := newTestEnv(t)
	g := weekly(t, env)
	_, err := env.Engine.SetProcedureStatus(env.Ctx, g.ID, domain.ProcedureActive, "alice")
	require.NoError(t, err)
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Groceries", Category: "errands", Steps: []domain.Step{std("s1", "Shop", 45)}})
	c := env.occurrence(t, p.ID, "2024-03-04")
	c, err = env.Engine.Reschedule(env.Ctx, engine.RescheduleRequest{Request: engine.Request{CompletionID: c.ID}, Time: "23:30"})
	require.NoError(t, err)
	_, err = env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: g.ID, From: "2024-03-04", To: "2024-03-05"})
	require.NoError(t, err)

	items, err := env.Engine.Calendar(env.Ctx, engine.CalendarOptions{From: "2024-03-04", To: "2024-03-07", Slots: true})
	require.NoError(t, err)
	require.Len(t, items, 3)

	require.Equal(t, "07:30", items[0].StartTime)
	require.Equal(t, "08:20", items[0].EndTime)
	require.True(t, items[0].Draggable)
	require.Equal(t, "#6b7280", items[0].Color)

	require.Equal(t, c.ID, items[1].CompletionID)
	require.Equal(t, "23:59", items[1].EndTime)
	require.Equal(t, "#3b82f6", items[1].Color)

	require.Equal(t, "slot:"+g.ID+":2024-03-06", items[2].ID)
	require.Empty(t, items[2].CompletionID)
	require.False(t, items[2].Draggable)
}

func TestCalendarSlotsArePerAssignee(t *testing.T) {
	env := newTestEnv(t)
	g := weekly(t, env)
	_, err := env.Engine.SetProcedureStatus(env.Ctx, g.ID, domain.ProcedureActive, "alice")
	require.NoError(t, err)
	_, err = env.Engine.CreateOccurrence(env.Ctx, engine.OccurrenceOptions{ProcedureID: g.ID, Date: "2024-03-04", AssigneeID: "carol"})
	require.NoError(t, err)

	items, err := env.Engine.Calendar(env.Ctx, engine.CalendarOptions{From: "2024-03-04", To: "2024-03-05", Slots: true})
	require.NoError(t, err)
	require.Len(t, items, 2)
	var slot domain.CalendarItem
	for _, it := range items {
		if it.CompletionID == "" {
			slot = it
		}
	}
	require.Equal(t, "slot:"+g.ID+":2024-03-04", slot.ID)
	require.Equal(t, "bob", slot.Assignee)

	_, err = env.Engine.ScheduleOccurrences(env.Ctx, engine.ScheduleOptions{ProcedureID: g.ID, From: "2024-03-04", To: "2024-03-05"})
	require.NoError(t, err)
	items, err = env.Engine.Calendar(env.Ctx, engine.CalendarOptions{From: "2024-03-04", To: "2024-03-05", Slots: true})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, it := range items {
		require.NotEmpty(t, it.CompletionID)
	}
}

func TestWorkItem(t *testing.T) {
	env := newTestEnv(t)
	env.procedure(t, engine.ProcedureCreateOptions{ID: "tidy", Name: "Tidy", CanBeEmbedded: true, Steps: []domain.Step{std("s1", "Toys", 10)}})
	p := env.procedure(t, engine.ProcedureCreateOptions{Name: "Bedtime", Category: "evening", Tags: []string{"kids"},
		Assignment: domain.AssignmentPolicy{DefaultAssignee: "bob"},
		Steps: []domain.Step{
			std("s1", "Bath", 20),
			{ID: "s2", Title: "Tidy up", Embedded: &domain.EmbeddedProcedure{ProcedureID: "tidy", Overrides: domain.EmbedOverrides{AssignedTo: "kid"}}},
		}})
	c := env.occurrence(t, p.ID, "2024-03-04")

	w, err := env.Engine.WorkItem(env.Ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "Bedtime (2024-03-04)", w.Title)
	require.Equal(t, "bob", w.Assignee)
	require.Equal(t, 30.0, w.EstimatedDuration)
	require.Equal(t, []string{"kids", "sop", "evening"}, w.Tags)
	require.True(t, strings.HasPrefix(w.Context, "Procedure "+p.ID+" v1: Bedtime"))
	require.Contains(t, w.Context, "[ ] Bath (20m)")
	require.Contains(t, w.Context, "s2:\n  [ ] Toys (10m) @kid")
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)
	tpl, err := env.Engine.ImportTemplate(env.Ctx, []byte(`
name: Weekly review
category: planning
public: true
steps:
  - title: Inbox zero
    estimated_duration: 15
  - title: Plan week
    estimated_duration: 20
    depends_on: [1]
  - title: Checklist
    items: [calendar, budget]
`), "alice")
	require.NoError(t, err)
	require.Len(t, tpl.Steps, 3)

	p, err := env.Engine.InstantiateTemplate(env.Ctx, engine.InstantiateOptions{TemplateID: tpl.ID, ActorID: "bob"})
	require.NoError(t, err)
	require.Equal(t, "Weekly review", p.Name)
	require.Equal(t, []string{"s1"}, p.Steps[1].Dependencies)
	require.Equal(t, domain.StepList, p.Steps[2].Kind)

	_, err = env.Engine.RateTemplate(env.Ctx, tpl.ID, 5, "bob")
	require.NoError(t, err)
	tpl, err = env.Engine.RateTemplate(env.Ctx, tpl.ID, 4, "carol")
	require.NoError(t, err)
	require.Equal(t, 4.5, tpl.Rating)
	require.Equal(t, 2, tpl.RatingCount)
	require.Equal(t, 1, tpl.UsageCount)

	_, err = env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{Name: "Loop", Steps: []domain.TemplateStep{{Title: "x", DependsOn: []int{1}}}})
	require.ErrorIs(t, err, domain.ErrInvalid)
}

func TestImportProcedures(t *testing.T) {
	env := newTestEnv(t)
	got, err := env.Engine.ImportProcedures(env.Ctx, []byte(`
procedures:
  - id: coffee
    name: Coffee
    can_be_embedded: true
    steps:
      - {id: grind, title: Grind, duration: 2}
      - {id: brew, title: Brew, duration: 4, depends_on: [grind]}
  - id: morning
    name: Morning
    recurrence: {frequency: daily, time: "06:45"}
    steps:
      - {title: Wake}
      - title: Make coffee
        embed: {procedure: coffee, duration: 12}
`), "", "alice")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, 12, got[1].EstimatedDuration)
	require.Equal(t, []string{"coffee"}, got[1].Embedding.EmbeddedProcedureIDs)

	_, err = env.Engine.ImportProcedures(env.Ctx, []byte(`
procedures:
  - id: loop
    name: Loop
    steps:
      - title: Again
        embed: {procedure: loop}
`), "", "alice")
	require.ErrorIs(t, err, domain.ErrCompositionCycle)
}
