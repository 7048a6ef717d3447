package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sopline/internal/domain"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func completed(minutes float64, started time.Time) domain.Completion {
	return domain.Completion{Status: domain.StatusCompleted, ActualDuration: minutes, StartedAt: started.Format(time.RFC3339)}
}

func TestAverageOverTenCompletions(t *testing.T) {
	var s State
	cfg := DefaultConfig()
	for i, d := range []float64{20, 22, 18, 25, 19, 21, 23, 17, 24, 20} {
		at := base.AddDate(0, 0, i)
		require.NoError(t, s.Record(cfg, completed(d, at), at))
	}
	require.InDelta(t, 20.9, s.AverageCompletionTime(), 1e-9)
	sum := s.Summary(cfg, base.AddDate(0, 0, 10))
	require.Equal(t, 20.9, sum.AverageCompletionTime)
	require.Equal(t, 10, sum.SampleCount)
	require.Equal(t, "09:00", sum.AverageStartTime)
	require.Equal(t, base.AddDate(0, 0, 9).Format(time.RFC3339), sum.LastOptimized)
}

func TestOutlierDoesNotDominate(t *testing.T) {
	var s State
	cfg := DefaultConfig()
	for i, d := range []float64{20, 22, 18, 25, 19, 21, 23, 17, 24, 20} {
		require.NoError(t, s.Record(cfg, completed(d, base), base.AddDate(0, 0, i)))
	}
	require.NoError(t, s.Record(cfg, completed(200, base), base.AddDate(0, 0, 10)))
	// The oldest sample (20) drops out of the window.
	require.InDelta(t, 38.9, s.AverageCompletionTime(), 1e-9)
	require.Len(t, s.Durations, 10)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Record(cfg, completed(20, base), base.AddDate(0, 0, 11+i)))
	}
	require.InDelta(t, 20, s.AverageCompletionTime(), 1e-9)
}

func TestCompletionRateEightOfTen(t *testing.T) {
	var s State
	cfg := DefaultConfig()
	for i := 0; i < 8; i++ {
		require.NoError(t, s.Record(cfg, completed(10, base), base.AddDate(0, 0, i)))
	}
	require.NoError(t, s.Record(cfg, domain.Completion{Status: domain.StatusSkipped}, base.AddDate(0, 0, 8)))
	require.NoError(t, s.Record(cfg, domain.Completion{Status: domain.StatusFailed}, base.AddDate(0, 0, 9)))
	require.InDelta(t, 0.8, s.CompletionRate(cfg, base.AddDate(0, 0, 10)), 1e-9)
}

func TestCompletionRateUsesSmallerWindow(t *testing.T) {
	var s State
	cfg := Config{AverageWindow: 10, RateWindow: 4, RateWindowDays: 90}
	old := base.AddDate(0, 0, -200)
	require.NoError(t, s.Record(cfg, domain.Completion{Status: domain.StatusFailed}, old))
	require.NoError(t, s.Record(cfg, completed(10, base), base))
	require.InDelta(t, 1.0, s.CompletionRate(cfg, base), 1e-9)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(cfg, domain.Completion{Status: domain.StatusSkipped}, base))
	}
	require.Len(t, s.Outcomes, 4)
	require.Zero(t, s.CompletionRate(cfg, base))
}

func TestSkipDoesNotTouchAveragesOrLastOptimized(t *testing.T) {
	var s State
	cfg := DefaultConfig()
	require.NoError(t, s.Record(cfg, completed(30, base), base))
	require.NoError(t, s.Record(cfg, domain.Completion{Status: domain.StatusSkipped}, base.Add(time.Hour)))
	require.Equal(t, base, s.LastOptimized)
	require.Equal(t, 30.0, s.AverageCompletionTime())
	require.Equal(t, 1, s.Samples)
}

func TestRecordRejectsNonTerminal(t *testing.T) {
	var s State
	require.Error(t, s.Record(DefaultConfig(), domain.Completion{Status: domain.StatusInProgress}, base))
}
