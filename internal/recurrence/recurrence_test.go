package recurrence

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"sopline/internal/domain"
)

func TestWeeklyFourteenDaysFromSunday(t *testing.T) {
	rule := domain.RecurrenceRule{Frequency: domain.FrequencyWeekly, DaysOfWeek: []int{1, 3, 5}, TimeOfDay: "07:30"}
	w, err := NewWindow("2024-03-03", "2024-03-17") // Sunday
	require.NoError(t, err)
	require.Equal(t, time.Sunday, w.From.Weekday())

	occ, err := Expand(rule, w, Options{})
	require.NoError(t, err)
	want := []Occurrence{
		{"2024-03-04", "07:30"}, {"2024-03-06", "07:30"}, {"2024-03-08", "07:30"},
		{"2024-03-11", "07:30"}, {"2024-03-13", "07:30"}, {"2024-03-15", "07:30"},
	}
	if diff := cmp.Diff(want, occ); diff != "" {
		t.Fatalf("occurrences (-want +got):\n%s", diff)
	}
}

func TestMonthlyClampsToShortMonths(t *testing.T) {
	rule := domain.RecurrenceRule{Frequency: domain.FrequencyMonthly, StartDate: "2024-01-31"}
	w, err := NewWindow("2024-01-01", "2024-05-01")
	require.NoError(t, err)
	dates, err := Dates(rule, w)
	require.NoError(t, err)
	var got []string
	for _, d := range dates {
		got = append(got, d.Format(DateLayout))
	}
	require.Equal(t, []string{"2024-01-31", "2024-02-29", "2024-03-31", "2024-04-30"}, got)
}

func TestDailyHonoursStartEndAndDefaultTime(t *testing.T) {
	rule := domain.RecurrenceRule{Frequency: domain.FrequencyDaily, StartDate: "2024-06-03", EndDate: "2024-06-05"}
	w, err := NewWindow("2024-06-01", "2024-06-10")
	require.NoError(t, err)

	occ, err := Expand(rule, w, Options{DefaultTime: "06:15"})
	require.NoError(t, err)
	require.Equal(t, []Occurrence{{"2024-06-03", "06:15"}, {"2024-06-04", "06:15"}, {"2024-06-05", "06:15"}}, occ)

	occ, err = Expand(rule, w, Options{})
	require.NoError(t, err)
	require.Equal(t, "00:00", occ[0].Time)
}

func TestExpandSkipsHolidaysAndExisting(t *testing.T) {
	w := Days(time.Date(2024, 12, 23, 15, 0, 0, 0, time.UTC), 4)
	holidays := map[string]bool{"2024-12-25": true}
	existing := map[string]bool{"2024-12-23": true}

	rule := domain.RecurrenceRule{Frequency: domain.FrequencyDaily, SkipHolidays: true}
	occ, err := Expand(rule, w, Options{Holidays: holidays, Existing: existing})
	require.NoError(t, err)
	require.Equal(t, []Occurrence{{"2024-12-24", "00:00"}, {"2024-12-26", "00:00"}}, occ)

	rule.SkipHolidays = false
	occ, err = Expand(rule, w, Options{Holidays: holidays, Existing: existing})
	require.NoError(t, err)
	require.Len(t, occ, 3)
}

func TestValidateRejectsBadRules(t *testing.T) {
	bad := []domain.RecurrenceRule{
		{Frequency: "hourly"},
		{Frequency: domain.FrequencyWeekly},
		{Frequency: domain.FrequencyWeekly, DaysOfWeek: []int{7}},
		{Frequency: domain.FrequencyMonthly},
		{Frequency: domain.FrequencyDaily, TimeOfDay: "7am"},
		{Frequency: domain.FrequencyDaily, EndDate: "tomorrow"},
	}
	for _, r := range bad {
		require.ErrorIs(t, Validate(r), domain.ErrInvalid, "%+v", r)
	}
}

func TestAddMinutes(t *testing.T) {
	end, err := AddMinutes("07:30", 45)
	require.NoError(t, err)
	require.Equal(t, "08:15", end)
	end, err = AddMinutes("23:30", 90)
	require.NoError(t, err)
	require.Equal(t, "23:59", end)
}
