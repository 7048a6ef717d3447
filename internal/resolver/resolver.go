package resolver

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"sopline/internal/domain"
)

// Sep joins an embedding step id with the ids expanded beneath it.
const Sep = "/"

// Source loads procedure records. Resolution never writes through it.
type Source interface {
	Procedure(ctx context.Context, id string) (domain.Procedure, error)
}

// MapSource is an in-memory Source keyed by procedure id.
type MapSource map[string]domain.Procedure

func (m MapSource) Procedure(_ context.Context, id string) (domain.Procedure, error) {
	p, ok := m[id]
	if !ok {
		return domain.Procedure{}, fmt.Errorf("procedure %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// EffectiveStep is one leaf of a flattened procedure. ID is qualified by the
// chain of embedding step ids; Step.ID is the id inside its own procedure.
type EffectiveStep struct {
	ID           string
	Step         domain.Step
	ProcedureID  string
	Assignee     string
	Duration     float64
	ParentStepID string
	Depth        int
	IsEmbedded   bool
	Dependencies []string
}

// group is an expanded embedding step: it is done once all its leaves are.
type group struct {
	deps    []string
	members []string
}

// Resolution is the flat, ordered output of resolving one procedure.
type Resolution struct {
	ProcedureID string
	Version     int
	Order       domain.ExecutionOrder
	Steps       []EffectiveStep

	index  map[string]int
	groups map[string]group
}

type Resolver struct {
	Source Source
}

func New(src Source) *Resolver {
	return &Resolver{Source: src}
}

// Resolve loads id from the source and flattens it.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Resolution, error) {
	p, err := r.Source.Procedure(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ResolveProcedure(ctx, p)
}

// ResolveProcedure flattens p, which need not be stored yet. Embedded
// procedures are loaded from the source.
func (r *Resolver) ResolveProcedure(ctx context.Context, p domain.Procedure) (*Resolution, error) {
	if r.Source == nil {
		return nil, errors.New("resolver: source is required")
	}
	w := walker{src: r.Source, onPath: map[string]bool{}, groups: map[string]group{}}
	steps, err := w.expand(ctx, p)
	if err != nil {
		return nil, err
	}
	res := &Resolution{
		ProcedureID: p.ID,
		Version:     p.Version,
		Order:       p.ExecutionOrder,
		Steps:       steps,
		index:       make(map[string]int, len(steps)),
		groups:      w.groups,
	}
	if res.Order == "" {
		res.Order = domain.OrderSequential
	}
	for i, s := range steps {
		res.index[s.ID] = i
	}
	return res, nil
}

type walker struct {
	src    Source
	path   []string
	onPath map[string]bool
	groups map[string]group
}

func (w *walker) expand(ctx context.Context, p domain.Procedure) ([]EffectiveStep, error) {
	if w.onPath[p.ID] {
		start := 0
		for i, id := range w.path {
			if id == p.ID {
				start = i
				break
			}
		}
		cycle := append(append([]string{}, w.path[start:]...), p.ID)
		return nil, &domain.CompositionCycleError{Path: cycle}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.onPath[p.ID] = true
	w.path = append(w.path, p.ID)
	defer func() {
		delete(w.onPath, p.ID)
		w.path = w.path[:len(w.path)-1]
	}()

	ordered, err := Order(p)
	if err != nil {
		return nil, err
	}
	var out []EffectiveStep
	for _, st := range ordered {
		if st.Kind != domain.StepEmbedded {
			out = append(out, EffectiveStep{
				ID:           st.ID,
				Step:         st,
				ProcedureID:  p.ID,
				Assignee:     st.AssignedTo,
				Duration:     float64(st.EstimatedDuration),
				Dependencies: append([]string(nil), st.Dependencies...),
			})
			continue
		}
		inner, err := w.embed(ctx, p, st)
		if err != nil {
			return nil, err
		}
		out = append(out, inner...)
	}
	return out, nil
}

// embed resolves the procedure referenced by st and applies the use-site
// overrides before prefixing the result with st.ID.
func (w *walker) embed(ctx context.Context, parent domain.Procedure, st domain.Step) ([]EffectiveStep, error) {
	if st.Embedded == nil || st.Embedded.ProcedureID == "" {
		return nil, domain.Invalidf("step %s in procedure %s embeds no procedure", st.ID, parent.ID)
	}
	childID := st.Embedded.ProcedureID
	if w.onPath[childID] {
		// Report the cycle before touching the source again.
		return w.expand(ctx, domain.Procedure{ID: childID})
	}
	child, err := w.src.Procedure(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("embedded procedure %s (step %s): %w", childID, st.ID, err)
	}
	if !child.Embedding.CanBeEmbedded {
		return nil, fmt.Errorf("%w: %s embedded by %s", domain.ErrNotEmbeddable, childID, parent.ID)
	}

	// Inner groups are registered relative to the child; move them under st.
	saved := w.groups
	w.groups = map[string]group{}
	inner, err := w.expand(ctx, child)
	innerGroups := w.groups
	w.groups = saved
	if err != nil {
		return nil, err
	}

	ov := st.Embedded.Overrides
	kept := inner[:0:0]
	var keptTotal float64
	for _, s := range inner {
		if !suppressed(s.ID, ov.SkipSteps) {
			kept = append(kept, s)
			keptTotal += s.Duration
		}
	}

	assignee := ov.AssignedTo
	if assignee == "" {
		assignee = st.AssignedTo
	}

	out := make([]EffectiveStep, 0, len(kept))
	members := make([]string, 0, len(kept))
	for _, s := range kept {
		if s.Assignee == "" {
			s.Assignee = assignee
		}
		// The override is the block's total after skips.
		if ov.EstimatedDuration != nil {
			target := float64(*ov.EstimatedDuration)
			if keptTotal > 0 {
				s.Duration = target * s.Duration / keptTotal
			} else {
				s.Duration = target / float64(len(kept))
			}
		}
		if s.ParentStepID == "" {
			s.ParentStepID = st.ID
		} else {
			s.ParentStepID = st.ID + Sep + s.ParentStepID
		}
		s.ID = st.ID + Sep + s.ID
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			if suppressed(d, ov.SkipSteps) {
				continue
			}
			deps = append(deps, st.ID+Sep+d)
		}
		s.Dependencies = deps
		s.Depth++
		s.IsEmbedded = true
		out = append(out, s)
		members = append(members, s.ID)
	}

	for id, g := range innerGroups {
		if suppressed(id, ov.SkipSteps) {
			continue
		}
		ng := group{}
		for _, d := range g.deps {
			if !suppressed(d, ov.SkipSteps) {
				ng.deps = append(ng.deps, st.ID+Sep+d)
			}
		}
		for _, m := range g.members {
			if !suppressed(m, ov.SkipSteps) {
				ng.members = append(ng.members, st.ID+Sep+m)
			}
		}
		w.groups[st.ID+Sep+id] = ng
	}
	w.groups[st.ID] = group{deps: append([]string(nil), st.Dependencies...), members: members}
	return out, nil
}

// suppressed reports whether id, relative to an embedded procedure, is one of
// skip or lies beneath one of them.
func suppressed(id string, skip []string) bool {
	for _, s := range skip {
		if id == s || strings.HasPrefix(id, s+Sep) {
			return true
		}
	}
	return false
}

// Order validates the dependency graph of one procedure level and returns its
// steps in topological order, ties broken by ascending step number.
func Order(p domain.Procedure) ([]domain.Step, error) {
	byID := make(map[string]int, len(p.Steps))
	for i, st := range p.Steps {
		if st.ID == "" {
			return nil, domain.Invalidf("procedure %s step %d has no id", p.ID, i+1)
		}
		if _, dup := byID[st.ID]; dup {
			return nil, domain.Invalidf("procedure %s has duplicate step id %s", p.ID, st.ID)
		}
		byID[st.ID] = i
	}
	indegree := make([]int, len(p.Steps))
	dependents := make([][]int, len(p.Steps))
	for i, st := range p.Steps {
		for _, d := range st.Dependencies {
			j, ok := byID[d]
			if !ok {
				return nil, &domain.UnknownStepError{ProcedureID: p.ID, StepID: d}
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	q := &stepQueue{steps: p.Steps}
	for i := range p.Steps {
		if indegree[i] == 0 {
			heap.Push(q, i)
		}
	}
	out := make([]domain.Step, 0, len(p.Steps))
	for q.Len() > 0 {
		i := heap.Pop(q).(int)
		out = append(out, p.Steps[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				heap.Push(q, j)
			}
		}
	}
	if len(out) != len(p.Steps) {
		var stuck []string
		for i, st := range p.Steps {
			if indegree[i] > 0 {
				stuck = append(stuck, st.ID)
			}
		}
		sort.Strings(stuck)
		return nil, &domain.DependencyCycleError{ProcedureID: p.ID, StepIDs: stuck}
	}
	return out, nil
}

type stepQueue struct {
	steps []domain.Step
	items []int
}

func (q *stepQueue) Len() int { return len(q.items) }
func (q *stepQueue) Less(a, b int) bool {
	sa, sb := q.steps[q.items[a]], q.steps[q.items[b]]
	if sa.StepNumber != sb.StepNumber {
		return sa.StepNumber < sb.StepNumber
	}
	return sa.ID < sb.ID
}
func (q *stepQueue) Swap(a, b int) { q.items[a], q.items[b] = q.items[b], q.items[a] }
func (q *stepQueue) Push(x any)    { q.items = append(q.items, x.(int)) }
func (q *stepQueue) Pop() any {
	n := len(q.items)
	x := q.items[n-1]
	q.items = q.items[:n-1]
	return x
}
