package soplinesdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalendarSendsWindowAndIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/calendar", r.URL.Path)
		assert.Equal(t, "home", r.URL.Query().Get("context_id"))
		assert.Equal(t, "2024-03-01", r.URL.Query().Get("from"))
		assert.Equal(t, "true", r.URL.Query().Get("slots"))
		assert.Equal(t, "bob", r.Header.Get("X-Actor-Id"))
		assert.Empty(t, r.Header.Get("X-Automated"))
		_ = json.NewEncoder(w).Encode([]CalendarItem{{ID: "occ-1", Title: "Gym", Date: "2024-03-01", StartTime: "07:30", Draggable: true}})
	}))
	defer srv.Close()

	c := New(srv.URL, "home")
	c.ActorID = "bob"
	items, err := c.Calendar(context.Background(), "2024-03-01", "2024-03-08", true)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Draggable)
}

func TestRescheduleDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/completions/occ-1/reschedule", r.URL.Path)
		assert.Equal(t, "true", r.Header.Get("X-Automated"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"date":"2024-03-05"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"invalid_transition","message":"reschedule not allowed from completed","details":{"from":"completed"}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL, "home")
	c.Automated = true
	_, err := c.Reschedule(context.Background(), "occ-1", "2024-03-05", "")
	require.Error(t, err)
	assert.True(t, IsCode(err, "invalid_transition"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "completed", apiErr.Details["from"])
}

func TestEventsPageCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/events", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "42", r.URL.Query().Get("cursor"))
		_ = json.NewEncoder(w).Encode(PaginatedEvents{Items: []Event{{ID: 41, Type: "completion.started"}}, NextCursor: "41"})
	}))
	defer srv.Close()

	page, err := New(srv.URL, "").EventsPage(context.Background(), 10, "42")
	require.NoError(t, err)
	assert.Equal(t, "41", page.NextCursor)
	assert.Equal(t, "completion.started", page.Items[0].Type)
}
