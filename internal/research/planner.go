package research

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/prompt"
	"github.com/parsmind/deepresearch/internal/stream"
)

// ErrNoPlanToFinalize reports a finalize verdict arriving when no search
// plan exists, neither in the planner reply nor from an earlier turn.
var ErrNoPlanToFinalize = errors.New("research: planner finalized without any search plan")

// PlanParseError reports a planner reply that could not be decoded into
// a plan. Structural, never retried.
type PlanParseError struct {
	Raw string
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("research: parse planner reply: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// Planner negotiates the search plan with the user over one or more
// turns. It keeps the previous PlanResult so a follow-up turn can revise
// or finalize it; continuity across separate orchestration runs comes
// from the seeded conversation history.
type Planner struct {
	agent   *agent.ChatAgent
	library *prompt.Library
	prior   *PlanResult
	logger  *log.Logger
}

// NewPlanner builds the planning agent. history seeds the conversation
// from persisted messages, empty for a fresh conversation.
func NewPlanner(model agent.ChatModel, library *prompt.Library, history []agent.ChatMessage) (*Planner, error) {
	system, err := library.Render(prompt.StagePlanSystem, nil)
	if err != nil {
		return nil, err
	}
	a, err := agent.NewChatAgent("planner", system, model, agent.WithHistory(history))
	if err != nil {
		return nil, err
	}
	return &Planner{
		agent:   a,
		library: library,
		logger:  log.New(os.Stdout, "[PLANNER] ", log.LstdFlags),
	}, nil
}

// History exposes the planner conversation for persistence.
func (p *Planner) History() []agent.ChatMessage { return p.agent.History() }

// Run drives one planning turn for query and parses the verdict.
func (p *Planner) Run(ctx context.Context, emit stream.Emit, query string) (*PlanResult, error) {
	if tips, err := p.library.Render(prompt.StagePlanStartTips, nil); err == nil {
		emit(stream.NewComplete(stream.NewStreamID(), tips).
			WithMeta(stream.MetaAdditionType, stream.AdditionTips))
	}

	userPrompt, err := p.library.Render(prompt.StagePlanUser, map[string]string{
		"current_search_plan": p.currentPlanText(),
		"query":               query,
	})
	if err != nil {
		return nil, err
	}

	turn, err := p.agent.StreamStep(ctx, emit, userPrompt)
	if err != nil {
		return nil, err
	}

	result, err := p.parse(turn.Content)
	if err != nil {
		return nil, err
	}
	p.prior = result
	p.logger.Printf("plan status %s with %d sub plans", result.Status, len(result.SearchPlans))
	return result, nil
}

func (p *Planner) currentPlanText() string {
	if p.prior == nil || len(p.prior.SearchPlans) == 0 {
		return "(none)"
	}
	lines := make([]string, 0, len(p.prior.SearchPlans))
	for _, plan := range p.prior.SearchPlans {
		lines = append(lines, plan.OriginPlan)
	}
	return strings.Join(lines, "\n")
}

type plannerReply struct {
	Status      string `json:"status"`
	SearchPlans []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	} `json:"search_plans"`
	InformationRequired string `json:"information_required"`
}

func (p *Planner) parse(raw string) (*PlanResult, error) {
	payload := stripCodeFences(raw)
	var reply plannerReply
	if err := json.Unmarshal([]byte(payload), &reply); err != nil {
		return nil, &PlanParseError{Raw: raw, Err: err}
	}

	status := PlanStatus(strings.ToLower(strings.TrimSpace(reply.Status)))
	switch status {
	case PlanDraft, PlanFinalized, PlanRejected, PlanIncompleteInfo:
	default:
		return nil, &PlanParseError{Raw: raw, Err: fmt.Errorf("unknown plan status %q", reply.Status)}
	}

	result := &PlanResult{
		Status:              status,
		InformationRequired: strings.TrimSpace(reply.InformationRequired),
	}
	for _, sp := range reply.SearchPlans {
		title := strings.TrimSpace(sp.Title)
		desc := strings.TrimSpace(sp.Description)
		if title == "" && desc == "" {
			continue
		}
		result.SearchPlans = append(result.SearchPlans, SearchPlan{
			Title:       title,
			Description: desc,
			OriginPlan:  title + ": " + desc,
		})
	}

	if status == PlanFinalized && len(result.SearchPlans) == 0 {
		// A bare "start the research" verdict finalizes the plan agreed
		// in an earlier turn.
		if p.prior != nil && len(p.prior.SearchPlans) > 0 {
			result.SearchPlans = p.prior.SearchPlans
		} else {
			return nil, ErrNoPlanToFinalize
		}
	}
	return result, nil
}

// stripCodeFences unwraps a ```json fenced block when the model insists
// on markdown.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}
