package recurrence

import (
	"fmt"
	"time"

	"sopline/internal/domain"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Window is a half-open range of calendar days [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow parses two dates; to is exclusive.
func NewWindow(from, to string) (Window, error) {
	f, err := ParseDate(from)
	if err != nil {
		return Window{}, err
	}
	t, err := ParseDate(to)
	if err != nil {
		return Window{}, err
	}
	if !t.After(f) {
		return Window{}, domain.Invalidf("window end %s must be after start %s", to, from)
	}
	return Window{From: f, To: t}, nil
}

// Days returns a window of n days starting at from.
func Days(from time.Time, n int) Window {
	f := Midnight(from)
	return Window{From: f, To: f.AddDate(0, 0, n)}
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, domain.Invalidf("date %q: want YYYY-MM-DD", s)
	}
	return t, nil
}

func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Occurrence is one candidate date and time-of-day.
type Occurrence struct {
	Date string
	Time string
}

// Options carries the data the expansion needs from outside the rule.
// Holidays and Existing are keyed by date string.
type Options struct {
	DefaultTime string
	Holidays    map[string]bool
	Existing    map[string]bool
}

// Validate checks that a rule can generate dates.
func Validate(r domain.RecurrenceRule) error {
	switch r.Frequency {
	case domain.FrequencyDaily:
	case domain.FrequencyWeekly:
		if len(r.DaysOfWeek) == 0 {
			return domain.Invalidf("weekly recurrence needs days_of_week")
		}
		for _, d := range r.DaysOfWeek {
			if d < 0 || d > 6 {
				return domain.Invalidf("day of week %d out of range 0-6", d)
			}
		}
	case domain.FrequencyMonthly:
		if r.DayOfMonth == 0 && r.StartDate == "" {
			return domain.Invalidf("monthly recurrence needs day_of_month or start_date")
		}
		if r.DayOfMonth < 0 || r.DayOfMonth > 31 {
			return domain.Invalidf("day of month %d out of range 1-31", r.DayOfMonth)
		}
	default:
		return domain.Invalidf("unknown frequency %q", r.Frequency)
	}
	if r.TimeOfDay != "" {
		if _, err := time.Parse(TimeLayout, r.TimeOfDay); err != nil {
			return domain.Invalidf("time_of_day %q: want HH:MM", r.TimeOfDay)
		}
	}
	for _, d := range []string{r.StartDate, r.EndDate} {
		if d == "" {
			continue
		}
		if _, err := ParseDate(d); err != nil {
			return err
		}
	}
	return nil
}

// Dates lists every day in w matching the rule's frequency, start and end.
func Dates(r domain.RecurrenceRule, w Window) ([]time.Time, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	from, to := Midnight(w.From), Midnight(w.To)
	if r.StartDate != "" {
		start, _ := ParseDate(r.StartDate)
		if start.After(from) {
			from = start
		}
	}
	if r.EndDate != "" {
		end, _ := ParseDate(r.EndDate)
		if limit := end.AddDate(0, 0, 1); limit.Before(to) {
			to = limit
		}
	}
	anchor := r.DayOfMonth
	if anchor == 0 && r.StartDate != "" {
		start, _ := ParseDate(r.StartDate)
		anchor = start.Day()
	}
	weekdays := map[time.Weekday]bool{}
	for _, d := range r.DaysOfWeek {
		weekdays[time.Weekday(d)] = true
	}

	var out []time.Time
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		switch r.Frequency {
		case domain.FrequencyDaily:
			out = append(out, day)
		case domain.FrequencyWeekly:
			if weekdays[day.Weekday()] {
				out = append(out, day)
			}
		case domain.FrequencyMonthly:
			if day.Day() == clampDay(anchor, day) {
				out = append(out, day)
			}
		}
	}
	return out, nil
}

// clampDay returns anchor, or the last day of day's month when the month is
// shorter.
func clampDay(anchor int, day time.Time) int {
	last := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if anchor > last {
		return last
	}
	return anchor
}

// Expand produces the occurrences for w, dropping holidays when the rule asks
// for it and any date already present in opts.Existing.
func Expand(r domain.RecurrenceRule, w Window, opts Options) ([]Occurrence, error) {
	dates, err := Dates(r, w)
	if err != nil {
		return nil, err
	}
	at := r.TimeOfDay
	if at == "" {
		at = opts.DefaultTime
	}
	if at == "" {
		at = "00:00"
	}
	seen := make(map[string]bool, len(dates))
	out := make([]Occurrence, 0, len(dates))
	for _, d := range dates {
		key := d.Format(DateLayout)
		if seen[key] || opts.Existing[key] {
			continue
		}
		if r.SkipHolidays && opts.Holidays[key] {
			continue
		}
		seen[key] = true
		out = append(out, Occurrence{Date: key, Time: at})
	}
	return out, nil
}

// AddMinutes returns the HH:MM that is minutes after start, saturating at
// 23:59.
func AddMinutes(start string, minutes float64) (string, error) {
	t, err := time.Parse(TimeLayout, start)
	if err != nil {
		return "", fmt.Errorf("time %q: %w", start, err)
	}
	end := t.Add(time.Duration(minutes * float64(time.Minute)))
	if end.Day() != t.Day() {
		return "23:59", nil
	}
	return end.Format(TimeLayout), nil
}
