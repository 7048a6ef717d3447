// Package holiday answers whether a calendar day is a holiday for a context.
package holiday

import (
	"context"
	"fmt"
	"time"
)

// Checker is the holiday collaborator consulted when a recurrence rule skips
// holidays.
type Checker interface {
	IsHoliday(ctx context.Context, date time.Time, contextID string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, date time.Time, contextID string) (bool, error)

func (f CheckerFunc) IsHoliday(ctx context.Context, date time.Time, contextID string) (bool, error) {
	return f(ctx, date, contextID)
}

// None reports no holidays.
var None Checker = CheckerFunc(func(context.Context, time.Time, string) (bool, error) { return false, nil })

// Static is a fixed calendar. Dates are YYYY-MM-DD; annual dates are MM-DD
// and match every year. Per-context dates add to the shared ones.
type Static struct {
	dates     map[string]bool
	annual    map[string]bool
	byContext map[string]map[string]bool
}

func NewStatic(dates, annual []string, byContext map[string][]string) (*Static, error) {
	s := &Static{dates: map[string]bool{}, annual: map[string]bool{}, byContext: map[string]map[string]bool{}}
	for _, d := range dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("holiday %q: want YYYY-MM-DD", d)
		}
		s.dates[d] = true
	}
	for _, d := range annual {
		if _, err := time.Parse("01-02", d); err != nil {
			return nil, fmt.Errorf("annual holiday %q: want MM-DD", d)
		}
		s.annual[d] = true
	}
	for ctxID, ds := range byContext {
		set := map[string]bool{}
		for _, d := range ds {
			if _, err := time.Parse("2006-01-02", d); err != nil {
				return nil, fmt.Errorf("holiday %q for %s: want YYYY-MM-DD", d, ctxID)
			}
			set[d] = true
		}
		s.byContext[ctxID] = set
	}
	return s, nil
}

func (s *Static) IsHoliday(_ context.Context, date time.Time, contextID string) (bool, error) {
	key := date.Format("2006-01-02")
	if s.dates[key] || s.annual[date.Format("01-02")] {
		return true, nil
	}
	return s.byContext[contextID][key], nil
}
