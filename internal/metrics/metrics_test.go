package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()
	m.Transition("start", "scheduled", "in_progress")
	m.Transition("start", "scheduled", "in_progress")
	m.Rejected("invalid_transition")
	m.Scheduled("recurrence", 3)
	m.ObserveResolve(time.Millisecond, nil)
	m.ObserveResolve(time.Millisecond, errors.New("boom"))
	m.Completed("", 20, 20.9, "p1")

	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("start", "scheduled", "in_progress")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.scheduled.WithLabelValues("recurrence")))
	require.Equal(t, 20.9, testutil.ToFloat64(m.averages.WithLabelValues("p1")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "sopline_transitions_total"))
	require.True(t, strings.Contains(body, `sopline_completion_duration_minutes_count{category="uncategorized"} 1`))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("start", "a", "b")
	m.Rejected("x")
	m.Scheduled("manual", 1)
	m.ObserveResolve(time.Second, nil)
	m.Completed("c", 1, 1, "p")
	require.Nil(t, m.Registry())
}
