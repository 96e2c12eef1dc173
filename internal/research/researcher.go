package research

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/parallel"
	"github.com/parsmind/deepresearch/internal/prompt"
	"github.com/parsmind/deepresearch/internal/stream"
	"github.com/parsmind/deepresearch/internal/tools"
)

// TaskDoneSentinel is the token the user-role agent emits once it judges
// the collected material sufficient.
const TaskDoneSentinel = "<TASK_DONE>"

// DefaultRoundLimit bounds dialogue rounds per sub-plan.
const DefaultRoundLimit = 15

// TerminationPredicate decides, from the user-role step of a round,
// whether the dialogue is finished.
type TerminationPredicate func(step ExecutionStep) bool

// DefaultTermination fires on the task-done sentinel.
func DefaultTermination(step ExecutionStep) bool {
	return strings.Contains(step.Content, TaskDoneSentinel)
}

// Researcher fans a finalized plan's sub-plans out to the executor, one
// role-playing dialogue per sub-plan.
type Researcher struct {
	model      agent.ChatModel
	library    *prompt.Library
	tools      []tools.Tool
	executor   *parallel.Executor
	roundLimit int
	maxToolIts int
	terminate  TerminationPredicate
	onDialogue func(rounds int)
	logger     *log.Logger
}

// ResearcherOption configures a Researcher.
type ResearcherOption func(*Researcher)

// WithRoundLimit caps dialogue rounds per sub-plan.
func WithRoundLimit(n int) ResearcherOption {
	return func(r *Researcher) {
		if n > 0 {
			r.roundLimit = n
		}
	}
}

// WithResearchTools grants the assistant-role agents these tools.
func WithResearchTools(ts ...tools.Tool) ResearcherOption {
	return func(r *Researcher) { r.tools = append(r.tools, ts...) }
}

// WithMaxToolIterations bounds the assistant agent's tool loop per turn.
func WithMaxToolIterations(n int) ResearcherOption {
	return func(r *Researcher) {
		if n > 0 {
			r.maxToolIts = n
		}
	}
}

// WithDialogueObserver reports the round count of each finished
// dialogue, for metrics.
func WithDialogueObserver(fn func(rounds int)) ResearcherOption {
	return func(r *Researcher) { r.onDialogue = fn }
}

// WithTermination replaces the default sentinel predicate.
func WithTermination(p TerminationPredicate) ResearcherOption {
	return func(r *Researcher) { r.terminate = p }
}

// NewResearcher builds the research coordinator on a shared executor.
func NewResearcher(model agent.ChatModel, library *prompt.Library, executor *parallel.Executor, opts ...ResearcherOption) *Researcher {
	r := &Researcher{
		model:      model,
		library:    library,
		executor:   executor,
		roundLimit: DefaultRoundLimit,
		terminate:  DefaultTermination,
		logger:     log.New(os.Stdout, "[RESEARCH] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one dialogue per sub-plan in parallel and returns the
// traces in plan order. Any sub-plan's failure aborts the whole phase.
func (r *Researcher) Run(ctx context.Context, emit stream.Emit, query string, plan *PlanResult) ([]*ResearchExecution, error) {
	if tips, err := r.library.Render(prompt.StageResearchStartTips, nil); err == nil {
		emit(stream.NewComplete(stream.NewStreamID(), tips).
			WithMeta(stream.MetaAdditionType, stream.AdditionTips))
	}
	r.logger.Printf("researching %d sub plans, round limit %d", len(plan.SearchPlans), r.roundLimit)

	worker := func(ctx context.Context, emit stream.Emit, index int, sub SearchPlan) (*ResearchExecution, error) {
		return r.runDialogue(ctx, emit, query, sub)
	}
	return parallel.Map(ctx, r.executor, emit, plan.SearchPlans, worker)
}

// runDialogue alternates user-role and assistant-role turns until the
// termination predicate fires, a turn is cut short, or the round limit
// is hit. Each round appends the user step then the assistant step; a
// user turn cut short keeps its step alone, an assistant turn cut short
// ends the dialogue after its step.
func (r *Researcher) runDialogue(ctx context.Context, emit stream.Emit, query string, sub SearchPlan) (*ResearchExecution, error) {
	exec := NewResearchExecution(sub)

	userAgent, asstAgent, err := r.buildAgents()
	if err != nil {
		return nil, err
	}

	task := sub.OriginPlan
	if task == "" {
		task = sub.Description
	}
	input, err := r.library.Render(prompt.StageResearchUserUser, map[string]string{
		"query":        query,
		"current_plan": task,
	})
	if err != nil {
		return nil, err
	}

	for round := 0; round < r.roundLimit; round++ {
		userTurn, err := userAgent.StreamStep(ctx, emit, input)
		if err != nil {
			return nil, fmt.Errorf("sub plan %q round %d user turn: %w", sub.Title, round+1, err)
		}
		userStep := stepFromTurn(userTurn)
		exec.AppendStep(userStep)
		if userTurn.Terminated {
			r.logger.Printf("sub plan %q cut short in round %d (%s)", sub.Title, round+1, userTurn.TerminationReason)
			break
		}

		asstTurn, err := asstAgent.StreamStep(ctx, emit, userTurn.Content)
		if err != nil {
			return nil, fmt.Errorf("sub plan %q round %d assistant turn: %w", sub.Title, round+1, err)
		}
		exec.AppendStep(stepFromTurn(asstTurn))
		if asstTurn.Terminated {
			r.logger.Printf("sub plan %q cut short in round %d (%s)", sub.Title, round+1, asstTurn.TerminationReason)
			break
		}

		if r.terminate(userStep) {
			break
		}
		input = asstTurn.Content
	}

	exec.Finish(ExecutionCompleted)
	if r.onDialogue != nil {
		r.onDialogue((len(exec.Steps) + 1) / 2)
	}
	return exec, nil
}

func (r *Researcher) buildAgents() (*agent.ChatAgent, *agent.ChatAgent, error) {
	userSystem, err := r.library.Render(prompt.StageResearchUserSystem, nil)
	if err != nil {
		return nil, nil, err
	}
	asstSystem, err := r.library.Render(prompt.StageResearchAsstSystem, nil)
	if err != nil {
		return nil, nil, err
	}
	userAgent, err := agent.NewChatAgent("research-user", userSystem, r.model)
	if err != nil {
		return nil, nil, err
	}
	asstOpts := []agent.Option{agent.WithTools(r.tools...)}
	if r.maxToolIts > 0 {
		asstOpts = append(asstOpts, agent.WithMaxIterations(r.maxToolIts))
	}
	asstAgent, err := agent.NewChatAgent("research-assistant", asstSystem, r.model, asstOpts...)
	if err != nil {
		return nil, nil, err
	}
	return userAgent, asstAgent, nil
}

func stepFromTurn(turn *agent.TurnResult) ExecutionStep {
	step := ExecutionStep{
		Content:   turn.Content,
		Timestamp: time.Now(),
		ToolCalls: turn.ToolCalls,
	}
	if turn.Terminated {
		step.Metadata = map[string]string{"termination_reason": turn.TerminationReason}
	}
	return step
}
