package research

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/parsmind/deepresearch/internal/stream"
)

// Phase is the orchestrator's current stage.
type Phase string

const (
	PhasePending        Phase = "pending"
	PhasePlanning       Phase = "planning"
	PhaseResearching    Phase = "researching"
	PhaseReportPlanning Phase = "report_planning"
	PhaseReportWriting  Phase = "report_writing"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

// Event is one item of the orchestration stream: either a phase marker
// or a passthrough protocol message, never both.
type Event struct {
	Phase   Phase
	Message *stream.Message
}

// EmitEvent consumes orchestration events.
type EmitEvent func(Event)

// Result is the orchestration outcome. A run pausing for the user is a
// normal return with RequireUserInteractive set, never an error.
type Result struct {
	Report                 string `json:"report,omitempty"`
	PlanDraft              string `json:"plan_draft,omitempty"`
	RequireUserInteractive bool   `json:"require_user_interactive"`
	RequireUserFeedback    string `json:"require_user_feedback,omitempty"`
}

// OrchestrationError wraps a phase failure with where and when it
// happened.
type OrchestrationError struct {
	Phase     Phase
	Err       error
	Timestamp time.Time
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed at %s: %v", e.Phase, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }

// Orchestrator sequences the plan, research and report phases for one
// conversation. State lives on the instance; re-invocation after an
// interactive pause is a fresh Run whose continuity comes from the
// planner's seeded history.
type Orchestrator struct {
	planner    *Planner
	researcher *Researcher
	reporter   *Reporter

	phase     Phase
	startTime time.Time
	endTime   time.Time

	tracer trace.Tracer
	logger *log.Logger
}

// NewOrchestrator wires the three phase coordinators.
func NewOrchestrator(planner *Planner, researcher *Researcher, reporter *Reporter) *Orchestrator {
	return &Orchestrator{
		planner:    planner,
		researcher: researcher,
		reporter:   reporter,
		phase:      PhasePending,
		tracer:     otel.Tracer("deepresearch/orchestrator"),
		logger:     log.New(os.Stdout, "[ORCH] ", log.LstdFlags),
	}
}

// Phase reports the current phase.
func (o *Orchestrator) Phase() Phase { return o.phase }

// Planner exposes the planning agent, for history persistence.
func (o *Orchestrator) Planner() *Planner { return o.planner }

// Run executes the workflow for query, emitting phase markers and
// progress messages along the way. Phase failures come back wrapped in
// OrchestrationError; end time is recorded on every exit path.
func (o *Orchestrator) Run(ctx context.Context, query string, onEvent EmitEvent) (result *Result, err error) {
	o.phase = PhasePending
	o.startTime = time.Now()
	defer func() {
		o.endTime = time.Now()
		if err != nil {
			failedAt := o.phase
			o.phase = PhaseFailed
			err = &OrchestrationError{Phase: failedAt, Err: err, Timestamp: time.Now()}
			o.logger.Printf("run failed at %s: %v", failedAt, err)
		}
	}()

	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	emit := func(m stream.Message) { onEvent(Event{Message: &m}) }

	o.setPhase(PhasePlanning, onEvent)
	planResult, err := o.planner.Run(ctx, emit, query)
	if err != nil {
		return nil, err
	}
	if planResult.RequiresUserInput() {
		return &Result{
			RequireUserInteractive: true,
			RequireUserFeedback:    planResult.InformationRequired,
		}, nil
	}
	if planResult.Status == PlanDraft {
		lines := make([]string, 0, len(planResult.SearchPlans))
		for _, plan := range planResult.SearchPlans {
			lines = append(lines, plan.OriginPlan)
		}
		return &Result{
			RequireUserInteractive: true,
			PlanDraft:              strings.Join(lines, "\n"),
		}, nil
	}

	o.setPhase(PhaseResearching, onEvent)
	executions, err := o.researcher.Run(ctx, emit, query, planResult)
	if err != nil {
		return nil, err
	}

	o.setPhase(PhaseReportPlanning, onEvent)
	// The reporter tags its write-phase messages; the tag is swallowed
	// here and re-surfaced as a phase marker.
	reportEmit := func(m stream.Message) {
		if m.Meta(stream.MetaExecutePhase) == stream.ExecutePhaseReportWriting {
			o.setPhase(PhaseReportWriting, onEvent)
			return
		}
		onEvent(Event{Message: &m})
	}
	report, err := o.reporter.Run(ctx, reportEmit, query, executions)
	if err != nil {
		return nil, err
	}

	o.setPhase(PhaseCompleted, onEvent)
	return &Result{Report: report}, nil
}

// Stream adapts Run for a pull-based consumer: the run executes on the
// generator's producer goroutine and phase transitions come through as
// control messages tagged with the phase name.
func (o *Orchestrator) Stream(ctx context.Context, query string) *stream.Generator[*Result] {
	return stream.NewGenerator(ctx, func(ctx context.Context, emit stream.Emit) (*Result, error) {
		return o.Run(ctx, query, func(ev Event) {
			if ev.Message != nil {
				emit(*ev.Message)
				return
			}
			emit(stream.NewControl(stream.NewStreamID()).
				WithMeta(stream.MetaOrchestrationPhase, string(ev.Phase)))
		})
	})
}

func (o *Orchestrator) setPhase(p Phase, onEvent EmitEvent) {
	o.phase = p
	o.logger.Printf("phase %s", p)
	onEvent(Event{Phase: p})
}
