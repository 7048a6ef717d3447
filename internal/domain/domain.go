package domain

type ProcedureStatus string

const (
	ProcedureDraft    ProcedureStatus = "draft"
	ProcedureActive   ProcedureStatus = "active"
	ProcedureArchived ProcedureStatus = "archived"
)

type ExecutionOrder string

const (
	OrderSequential ExecutionOrder = "sequential"
	OrderParallel   ExecutionOrder = "parallel"
	OrderFlexible   ExecutionOrder = "flexible"
)

type StepKind string

const (
	StepStandard StepKind = "standard"
	StepEmbedded StepKind = "embedded"
	StepList     StepKind = "list"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

type CompletionStatus string

const (
	StatusScheduled  CompletionStatus = "scheduled"
	StatusInProgress CompletionStatus = "in_progress"
	StatusCompleted  CompletionStatus = "completed"
	StatusSkipped    CompletionStatus = "skipped"
	StatusFailed     CompletionStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s CompletionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusSkipped || s == StatusFailed
}

// Occupies reports whether a completion in status s blocks another occurrence
// for the same procedure, date and assignee.
func (s CompletionStatus) Occupies() bool {
	return s == StatusScheduled || s == StatusInProgress || s == StatusCompleted
}

// Procedure is a reusable SOP template. Steps are owned by the procedure.
type Procedure struct {
	ID                string           `json:"id"`
	ContextID         string           `json:"context_id"`
	Name              string           `json:"name"`
	Description       string           `json:"description,omitempty"`
	Category          string           `json:"category,omitempty"`
	Tags              []string         `json:"tags,omitempty"`
	EstimatedDuration int              `json:"estimated_duration" doc:"Minutes; total of the resolved step list, embedded steps included"`
	Difficulty        string           `json:"difficulty,omitempty" enum:"easy,medium,hard"`
	Status            ProcedureStatus  `json:"status" enum:"draft,active,archived"`
	Assignment        AssignmentPolicy `json:"assignment"`
	Embedding         EmbeddingPolicy  `json:"embedding"`
	Steps             []Step           `json:"steps"`
	ExecutionOrder    ExecutionOrder   `json:"execution_order" enum:"sequential,parallel,flexible"`
	IsRecurring       bool             `json:"is_recurring"`
	Recurrence        *RecurrenceRule  `json:"recurrence,omitempty"`
	Analytics         Analytics        `json:"analytics"`
	Version           int              `json:"version"`
	CreatedBy         string           `json:"created_by"`
	CreatedAt         string           `json:"created_at" format:"date-time"`
	UpdatedAt         string           `json:"updated_at" format:"date-time"`
}

type AssignmentPolicy struct {
	EligibleAssignees    []string `json:"eligible_assignees,omitempty"`
	DefaultAssignee      string   `json:"default_assignee,omitempty"`
	RequiresConfirmation bool     `json:"requires_confirmation,omitempty"`
}

type EmbeddingPolicy struct {
	CanBeEmbedded        bool     `json:"can_be_embedded"`
	IsStandalone         bool     `json:"is_standalone"`
	EmbeddedProcedureIDs []string `json:"embedded_procedure_ids,omitempty"`
}

// Step is one unit of work. Exactly one of Embedded or Items is meaningful,
// depending on Kind.
type Step struct {
	ID                string             `json:"id"`
	StepNumber        int                `json:"step_number"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	EstimatedDuration int                `json:"estimated_duration"`
	Optional          bool               `json:"optional,omitempty"`
	Dependencies      []string           `json:"dependencies,omitempty"`
	AssignedTo        string             `json:"assigned_to,omitempty"`
	Kind              StepKind           `json:"kind" enum:"standard,embedded,list"`
	Embedded          *EmbeddedProcedure `json:"embedded,omitempty"`
	Items             []ListItem         `json:"items,omitempty"`
}

type EmbeddedProcedure struct {
	ProcedureID string         `json:"procedure_id"`
	Overrides   EmbedOverrides `json:"overrides"`
}

// EmbedOverrides are applied at the embedding site only.
type EmbedOverrides struct {
	AssignedTo        string   `json:"assigned_to,omitempty"`
	SkipSteps         []string `json:"skip_steps,omitempty"`
	EstimatedDuration *int     `json:"estimated_duration,omitempty"`
}

type ListItem struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	Optional bool   `json:"optional,omitempty"`
}

// RecurrenceRule generates dated occurrences. DaysOfWeek uses 0=Sunday.
type RecurrenceRule struct {
	Frequency    Frequency `json:"frequency" enum:"daily,weekly,monthly"`
	DaysOfWeek   []int     `json:"days_of_week,omitempty"`
	DayOfMonth   int       `json:"day_of_month,omitempty"`
	StartDate    string    `json:"start_date,omitempty" format:"date"`
	EndDate      string    `json:"end_date,omitempty" format:"date"`
	TimeOfDay    string    `json:"time_of_day,omitempty" example:"07:30"`
	SkipHolidays bool      `json:"skip_holidays,omitempty"`
}

type Analytics struct {
	AverageCompletionTime float64 `json:"average_completion_time" doc:"Minutes"`
	CompletionRate        float64 `json:"completion_rate"`
	AverageStartTime      string  `json:"average_start_time,omitempty"`
	SampleCount           int     `json:"sample_count"`
	LastOptimized         string  `json:"last_optimized,omitempty" format:"date-time"`
}

// Completion is one occurrence of a procedure. It pins the procedure version
// and the resolved step list it was created against.
type Completion struct {
	ID                   string              `json:"id"`
	ProcedureID          string              `json:"procedure_id"`
	ContextID            string              `json:"context_id"`
	ProcedureVersion     int                 `json:"procedure_version"`
	Title                string              `json:"title"`
	Category             string              `json:"category,omitempty"`
	EstimatedDuration    float64             `json:"estimated_duration"`
	AssigneeID           string              `json:"assignee_id,omitempty"`
	CompletedBy          string              `json:"completed_by,omitempty"`
	ScheduledDate        string              `json:"scheduled_date" format:"date"`
	ScheduledTime        string              `json:"scheduled_time,omitempty"`
	StartedAt            string              `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          string              `json:"completed_at,omitempty" format:"date-time"`
	ActualDuration       float64             `json:"actual_duration,omitempty" doc:"Minutes"`
	CompletedSteps       []string            `json:"completed_steps"`
	SkippedSteps         []string            `json:"skipped_steps"`
	StepNotes            map[string]string   `json:"step_notes,omitempty"`
	CompletedItems       map[string][]string `json:"completed_items,omitempty"`
	Status               CompletionStatus    `json:"status" enum:"scheduled,in_progress,completed,skipped,failed"`
	Outcome              Outcome             `json:"outcome"`
	RequiresConfirmation bool                `json:"requires_confirmation,omitempty"`
	Steps                []ResolvedStep      `json:"steps"`
	RowVersion           int                 `json:"row_version"`
	CreatedAt            string              `json:"created_at" format:"date-time"`
	UpdatedAt            string              `json:"updated_at" format:"date-time"`
}

type Outcome struct {
	Notes       string   `json:"notes,omitempty"`
	Rating      int      `json:"rating,omitempty" minimum:"0" maximum:"5"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ResolvedStep is the persisted form of one effective step pinned on a
// completion.
type ResolvedStep struct {
	ID           string   `json:"id"`
	StepID       string   `json:"step_id"`
	ProcedureID  string   `json:"procedure_id"`
	Title        string   `json:"title"`
	Kind         StepKind `json:"kind"`
	Duration     float64  `json:"duration"`
	Assignee     string   `json:"assignee,omitempty"`
	ParentStepID string   `json:"parent_step_id,omitempty"`
	Depth        int      `json:"depth"`
	IsEmbedded   bool     `json:"is_embedded"`
	Optional     bool     `json:"optional,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Items        []string `json:"items,omitempty"`
}

// CalendarItem is the projection consumed by the calendar collaborator.
type CalendarItem struct {
	ID           string           `json:"id"`
	CompletionID string           `json:"completion_id,omitempty"`
	ProcedureID  string           `json:"procedure_id"`
	Title        string           `json:"title"`
	Category     string           `json:"category,omitempty"`
	Duration     float64          `json:"duration"`
	Assignee     string           `json:"assignee,omitempty"`
	Date         string           `json:"date" format:"date"`
	StartTime    string           `json:"start_time"`
	EndTime      string           `json:"end_time"`
	Status       CompletionStatus `json:"status"`
	Color        string           `json:"color"`
	Draggable    bool             `json:"draggable"`
}

// WorkItem is the generic representation handed to an external task list.
type WorkItem struct {
	Title             string   `json:"title"`
	Assignee          string   `json:"assignee,omitempty"`
	EstimatedDuration float64  `json:"estimated_duration"`
	Tags              []string `json:"tags,omitempty"`
	Context           string   `json:"context"`
	ProcedureID       string   `json:"procedure_id"`
	CompletionID      string   `json:"completion_id,omitempty"`
}

// Template is a shareable, versionless blueprint for new procedures.
type Template struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Category       string         `json:"category,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	ExecutionOrder ExecutionOrder `json:"execution_order,omitempty"`
	Steps          []TemplateStep `json:"steps"`
	UsageCount     int            `json:"usage_count"`
	Rating         float64        `json:"rating"`
	RatingCount    int            `json:"rating_count"`
	Public         bool           `json:"public"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
}

// TemplateStep has no id; DependsOn refers to 1-based positions in the
// template's step list.
type TemplateStep struct {
	Title               string   `json:"title" yaml:"title"`
	Description         string   `json:"description,omitempty" yaml:"description,omitempty"`
	EstimatedDuration   int      `json:"estimated_duration" yaml:"estimated_duration"`
	Optional            bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	DependsOn           []int    `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Kind                StepKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	EmbeddedProcedureID string   `json:"embedded_procedure_id,omitempty" yaml:"embedded_procedure_id,omitempty"`
	Items               []string `json:"items,omitempty" yaml:"items,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ContextID  string `json:"context_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
