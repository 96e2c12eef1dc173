package research

import (
	"time"

	"github.com/google/uuid"

	"github.com/parsmind/deepresearch/internal/stream"
)

// PlanStatus is the planner's verdict on the current search plan.
type PlanStatus string

const (
	PlanDraft          PlanStatus = "draft"
	PlanFinalized      PlanStatus = "finalized"
	PlanRejected       PlanStatus = "rejected"
	PlanIncompleteInfo PlanStatus = "incomplete_information"
)

// SearchPlan is one atomic research sub-task. Immutable once parsed.
type SearchPlan struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// OriginPlan is the verbatim plan line shown to the user for approval.
	OriginPlan string `json:"origin_plan"`
}

// PlanResult is the planner's output for one turn. The planner retains
// the previous result as conversational context so a later turn can
// revise or finalize it.
type PlanResult struct {
	Status              PlanStatus   `json:"status"`
	SearchPlans         []SearchPlan `json:"search_plans,omitempty"`
	InformationRequired string       `json:"information_required,omitempty"`
}

// RequiresUserInput reports whether the run must pause for the user to
// answer a clarifying question.
func (r *PlanResult) RequiresUserInput() bool {
	return r.Status == PlanIncompleteInfo && r.InformationRequired != ""
}

// ExecutionStatus is the lifecycle state of one research execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionStep records one dialogue turn. Immutable once appended.
type ExecutionStep struct {
	Content   string                  `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
	ToolCalls []stream.ToolCallRecord `json:"tool_calls,omitempty"`
	Metadata  map[string]string       `json:"metadata,omitempty"`
}

// ResearchExecution is the trace of one sub-plan's dialogue. Steps are
// append-only and alternate user then assistant within each round; a
// cut-short final round may end after the user step alone.
type ResearchExecution struct {
	ExecutionID string          `json:"execution_id"`
	Plan        SearchPlan      `json:"plan"`
	Steps       []ExecutionStep `json:"steps"`
	Status      ExecutionStatus `json:"current_status"`
	StartTime   time.Time       `json:"start_time"`
	EndTime     time.Time       `json:"end_time,omitempty"`
}

// NewResearchExecution starts a pending trace for plan.
func NewResearchExecution(plan SearchPlan) *ResearchExecution {
	return &ResearchExecution{
		ExecutionID: uuid.NewString(),
		Plan:        plan,
		Status:      ExecutionPending,
		StartTime:   time.Now(),
	}
}

// AppendStep records one turn. The first append moves the execution from
// Pending to Running.
func (e *ResearchExecution) AppendStep(step ExecutionStep) {
	if e.Status == ExecutionPending {
		e.Status = ExecutionRunning
	}
	e.Steps = append(e.Steps, step)
}

// Finish moves the execution to a terminal status. The transition is
// one-way and EndTime is set exactly once; later calls are ignored.
func (e *ResearchExecution) Finish(status ExecutionStatus) {
	if !e.EndTime.IsZero() {
		return
	}
	e.Status = status
	e.EndTime = time.Now()
}

// WritingTask is one planned report section. Content is filled exactly
// once by the corresponding write execution.
type WritingTask struct {
	TaskID      string `json:"task_id"`
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
	Content     string `json:"content,omitempty"`
	NeededInfo  string `json:"needed_info"`
}
