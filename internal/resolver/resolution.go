package resolver

import (
	"strings"

	"sopline/internal/domain"
)

// Step returns the effective step with the qualified id.
func (r *Resolution) Step(id string) (EffectiveStep, bool) {
	i, ok := r.index[id]
	if !ok {
		return EffectiveStep{}, false
	}
	return r.Steps[i], true
}

func (r *Resolution) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

func (r *Resolution) IDs() []string {
	out := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.ID
	}
	return out
}

// TotalDuration is the sum of effective step durations in minutes.
func (r *Resolution) TotalDuration() float64 {
	var total float64
	for _, s := range r.Steps {
		total += s.Duration
	}
	return total
}

// Ready returns the steps that may be worked on next given the set of steps
// already completed or skipped. Sequential procedures expose at most one
// step; parallel and flexible ones expose every step whose dependencies,
// including those of its enclosing embedding steps, are done.
func (r *Resolution) Ready(done map[string]bool) []EffectiveStep {
	var out []EffectiveStep
	for _, s := range r.Steps {
		if done[s.ID] {
			continue
		}
		if r.Order == domain.OrderSequential {
			return []EffectiveStep{s}
		}
		if r.unblocked(s, done) {
			out = append(out, s)
		}
	}
	return out
}

func (r *Resolution) unblocked(s EffectiveStep, done map[string]bool) bool {
	for _, d := range s.Dependencies {
		if !r.isDone(d, done) {
			return false
		}
	}
	for parent := s.ParentStepID; parent != ""; parent = r.parentOf(parent) {
		g, ok := r.groups[parent]
		if !ok {
			continue
		}
		for _, d := range g.deps {
			if !r.isDone(d, done) {
				return false
			}
		}
	}
	return true
}

// parentOf strips the last segment of a qualified embedding step id.
func (r *Resolution) parentOf(id string) string {
	if i := strings.LastIndex(id, Sep); i >= 0 {
		return id[:i]
	}
	return ""
}

func (r *Resolution) isDone(id string, done map[string]bool) bool {
	if g, ok := r.groups[id]; ok {
		for _, m := range g.members {
			if !done[m] {
				return false
			}
		}
		return true
	}
	if _, ok := r.index[id]; !ok {
		// Suppressed by an override.
		return true
	}
	return done[id]
}

// Snapshot converts the resolution into the form pinned on a completion.
func (r *Resolution) Snapshot() []domain.ResolvedStep {
	out := make([]domain.ResolvedStep, len(r.Steps))
	for i, s := range r.Steps {
		rs := domain.ResolvedStep{
			ID:           s.ID,
			StepID:       s.Step.ID,
			ProcedureID:  s.ProcedureID,
			Title:        s.Step.Title,
			Kind:         s.Step.Kind,
			Duration:     s.Duration,
			Assignee:     s.Assignee,
			ParentStepID: s.ParentStepID,
			Depth:        s.Depth,
			IsEmbedded:   s.IsEmbedded,
			Optional:     s.Step.Optional,
			Dependencies: s.Dependencies,
		}
		for _, it := range s.Step.Items {
			rs.Items = append(rs.Items, it.ID)
		}
		out[i] = rs
	}
	return out
}
