// Package analytics folds terminal completions into a procedure's summary
// statistics without rescanning its history.
package analytics

import (
	"fmt"
	"math"
	"time"

	"sopline/internal/domain"
)

type Config struct {
	AverageWindow  int
	RateWindow     int
	RateWindowDays int
}

func DefaultConfig() Config {
	return Config{AverageWindow: 10, RateWindow: 30, RateWindowDays: 90}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.AverageWindow <= 0 {
		c.AverageWindow = d.AverageWindow
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.RateWindowDays <= 0 {
		c.RateWindowDays = d.RateWindowDays
	}
	return c
}

type Outcome struct {
	Status domain.CompletionStatus `json:"status"`
	At     time.Time               `json:"at"`
}

// State is the persisted fold. Durations and Starts hold at most
// AverageWindow entries, Outcomes at most RateWindow, oldest first.
type State struct {
	Durations     []float64 `json:"durations"`
	DurationSum   float64   `json:"duration_sum"`
	Starts        []int     `json:"starts"`
	StartSum      int       `json:"start_sum"`
	Outcomes      []Outcome `json:"outcomes"`
	Samples       int       `json:"samples"`
	LastOptimized time.Time `json:"last_optimized"`
}

// Record folds one terminal completion into s. Only completed occurrences
// move the averages and the last-optimized stamp; skipped and failed ones
// count against the completion rate.
func (s *State) Record(cfg Config, c domain.Completion, at time.Time) error {
	cfg = cfg.normalized()
	switch c.Status {
	case domain.StatusCompleted:
		s.Durations = append(s.Durations, c.ActualDuration)
		s.DurationSum += c.ActualDuration
		for len(s.Durations) > cfg.AverageWindow {
			s.DurationSum -= s.Durations[0]
			s.Durations = s.Durations[1:]
		}
		if c.StartedAt != "" {
			started, err := time.Parse(time.RFC3339, c.StartedAt)
			if err != nil {
				return fmt.Errorf("started_at: %w", err)
			}
			m := started.Hour()*60 + started.Minute()
			s.Starts = append(s.Starts, m)
			s.StartSum += m
			for len(s.Starts) > cfg.AverageWindow {
				s.StartSum -= s.Starts[0]
				s.Starts = s.Starts[1:]
			}
		}
		s.Samples++
		s.LastOptimized = at
	case domain.StatusSkipped, domain.StatusFailed:
	default:
		return fmt.Errorf("analytics: %s is not terminal", c.Status)
	}
	s.Outcomes = append(s.Outcomes, Outcome{Status: c.Status, At: at})
	if n := len(s.Outcomes) - cfg.RateWindow; n > 0 {
		s.Outcomes = s.Outcomes[n:]
	}
	return nil
}

// AverageCompletionTime is the mean of the retained durations in minutes.
func (s State) AverageCompletionTime() float64 {
	if len(s.Durations) == 0 {
		return 0
	}
	return s.DurationSum / float64(len(s.Durations))
}

// CompletionRate is completed / terminal over the retained outcomes that
// fall inside the trailing day window ending at now.
func (s State) CompletionRate(cfg Config, now time.Time) float64 {
	cfg = cfg.normalized()
	cutoff := now.AddDate(0, 0, -cfg.RateWindowDays)
	var completed, total int
	for _, o := range s.Outcomes {
		if o.At.Before(cutoff) {
			continue
		}
		total++
		if o.Status == domain.StatusCompleted {
			completed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total)
}

// AverageStartTime is the mean start time-of-day as HH:MM, or "" without
// history.
func (s State) AverageStartTime() string {
	if len(s.Starts) == 0 {
		return ""
	}
	m := int(math.Round(float64(s.StartSum) / float64(len(s.Starts))))
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Summary renders the fold as the procedure-facing analytics record.
func (s State) Summary(cfg Config, now time.Time) domain.Analytics {
	out := domain.Analytics{
		AverageCompletionTime: math.Round(s.AverageCompletionTime()*100) / 100,
		CompletionRate:        s.CompletionRate(cfg, now),
		AverageStartTime:      s.AverageStartTime(),
		SampleCount:           s.Samples,
	}
	if !s.LastOptimized.IsZero() {
		out.LastOptimized = s.LastOptimized.UTC().Format(time.RFC3339)
	}
	return out
}
