package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/parallel"
	"github.com/parsmind/deepresearch/internal/prompt"
	"github.com/parsmind/deepresearch/internal/stream"
)

// scriptModel scripts model behavior per request. respond inspects the
// conversation (system prompt, message counts) and returns the turn.
type scriptModel struct {
	mu      sync.Mutex
	respond func(req agent.ChatRequest) agent.ChatResult
}

func (m *scriptModel) Name() string    { return "script" }
func (m *scriptModel) Streaming() bool { return true }

func (m *scriptModel) Stream(ctx context.Context, req agent.ChatRequest, onDelta func(string)) (*agent.ChatResult, error) {
	m.mu.Lock()
	result := m.respond(req)
	m.mu.Unlock()
	if result.Content != "" && onDelta != nil {
		onDelta(result.Content)
	}
	return &result, nil
}

func systemOf(req agent.ChatRequest) string {
	if len(req.Messages) > 0 && req.Messages[0].Role == agent.RoleSystem {
		return req.Messages[0].Content
	}
	return ""
}

func userTurnCount(req agent.ChatRequest) int {
	n := 0
	for _, m := range req.Messages {
		if m.Role == agent.RoleUser {
			n++
		}
	}
	return n
}

func reply(content string) agent.ChatResult {
	return agent.ChatResult{Content: content, FinishReason: "stop"}
}

func newTestLibrary(t *testing.T) *prompt.Library {
	t.Helper()
	return prompt.NewLibrary()
}

func TestDialogueStopsOnSentinel(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		system := systemOf(req)
		round := userTurnCount(req)
		if strings.Contains(system, "you play the user role") {
			if round >= 3 {
				return reply(TaskDoneSentinel)
			}
			return reply(fmt.Sprintf("**Instruction**: search step %d\n**Input**: None", round))
		}
		return reply(fmt.Sprintf("findings for step %d", round))
	}}

	ex := parallel.NewExecutor("test", 2)
	defer ex.Close()
	r := NewResearcher(model, newTestLibrary(t), ex)

	exec, err := r.runDialogue(context.Background(), stream.Discard, "topic", SearchPlan{
		Title: "sub", Description: "desc", OriginPlan: "sub: desc",
	})
	if err != nil {
		t.Fatalf("runDialogue: %v", err)
	}
	if len(exec.Steps) != 6 {
		t.Fatalf("steps = %d, want 6 (3 full rounds)", len(exec.Steps))
	}
	if !strings.Contains(exec.Steps[4].Content, TaskDoneSentinel) {
		t.Fatalf("round 3 user step missing sentinel: %q", exec.Steps[4].Content)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
	if exec.EndTime.IsZero() {
		t.Fatalf("end time not set")
	}
}

func TestDialogueRoundLimitHardStop(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		if strings.Contains(systemOf(req), "you play the user role") {
			return reply("keep going")
		}
		return reply("more findings")
	}}

	ex := parallel.NewExecutor("test", 2)
	defer ex.Close()
	r := NewResearcher(model, newTestLibrary(t), ex, WithRoundLimit(2))

	exec, err := r.runDialogue(context.Background(), stream.Discard, "topic", SearchPlan{OriginPlan: "x: y"})
	if err != nil {
		t.Fatalf("runDialogue: %v", err)
	}
	if len(exec.Steps) != 4 {
		t.Fatalf("steps = %d, want 4 (2 rounds)", len(exec.Steps))
	}
}

// stubTool is a trivially succeeding tool for dialogue tests.
type stubTool struct {
	calls int
}

func (s *stubTool) Name() string                { return "lookup" }
func (s *stubTool) Description() string         { return "look things up" }
func (s *stubTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }
func (s *stubTool) Call(ctx context.Context, args map[string]any) (string, error) {
	s.calls++
	return "data", nil
}

func TestDialogueEndsWhenAssistantCutShort(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		if strings.Contains(systemOf(req), "you play the user role") {
			return reply("keep digging")
		}
		// The assistant never settles on text, it keeps requesting the
		// tool until the iteration bound cuts it off.
		return agent.ChatResult{ToolCalls: []agent.ToolCallIntent{
			{ID: "call-1", Name: "lookup", Arguments: `{}`},
		}}
	}}
	tool := &stubTool{}

	ex := parallel.NewExecutor("test", 2)
	defer ex.Close()
	r := NewResearcher(model, newTestLibrary(t), ex,
		WithRoundLimit(5),
		WithResearchTools(tool),
		WithMaxToolIterations(1),
	)

	exec, err := r.runDialogue(context.Background(), stream.Discard, "topic", SearchPlan{OriginPlan: "x: y"})
	if err != nil {
		t.Fatalf("runDialogue: %v", err)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %d, want 2 (dialogue ends once the assistant is cut short)", len(exec.Steps))
	}
	if reason := exec.Steps[1].Metadata["termination_reason"]; reason != "max_tool_iterations" {
		t.Fatalf("assistant step termination_reason = %q", reason)
	}
	if tool.calls != 1 {
		t.Fatalf("tool calls = %d, want 1", tool.calls)
	}
	if exec.Status != ExecutionCompleted {
		t.Fatalf("status = %s", exec.Status)
	}
}

func TestDialogueStepsAlternateUserAssistant(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		if strings.Contains(systemOf(req), "you play the user role") {
			return reply("user says " + TaskDoneSentinel)
		}
		return reply("assistant says")
	}}

	ex := parallel.NewExecutor("test", 2)
	defer ex.Close()
	r := NewResearcher(model, newTestLibrary(t), ex)

	exec, err := r.runDialogue(context.Background(), stream.Discard, "topic", SearchPlan{OriginPlan: "x: y"})
	if err != nil {
		t.Fatalf("runDialogue: %v", err)
	}
	// Sentinel in round 1 still completes the assistant turn of that round.
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(exec.Steps))
	}
	if !strings.Contains(exec.Steps[0].Content, "user says") || !strings.Contains(exec.Steps[1].Content, "assistant says") {
		t.Fatalf("step order wrong: %q then %q", exec.Steps[0].Content, exec.Steps[1].Content)
	}
}

func TestAssembleReportDeterministic(t *testing.T) {
	sections := []string{
		"Alpha relies on [A] and [B].\n\n[citation]\n[A]Alpha study(https://a.example)\n[B]Beta report(https://b.example)\n[citation/]",
		"Later work confirms [A].\n\n[citation]\n[A]Alpha study(https://a.example)\nthis line is noise and skipped\n[citation/]",
	}
	first, err := assembleReport(sections)
	if err != nil {
		t.Fatalf("assembleReport: %v", err)
	}
	second, err := assembleReport(sections)
	if err != nil {
		t.Fatalf("assembleReport second run: %v", err)
	}
	if first != second {
		t.Fatalf("assembly not deterministic")
	}

	if strings.Count(first, "<sup>[1]</sup>") != 2 {
		t.Fatalf("expected two <sup>[1]</sup> markers in %q", first)
	}
	if strings.Count(first, "<sup>[2]</sup>") != 1 {
		t.Fatalf("expected one <sup>[2]</sup> marker in %q", first)
	}
	if strings.Contains(first, "[citation]") || strings.Contains(first, "[citation/]") {
		t.Fatalf("citation blocks survived assembly")
	}
	refIdx := strings.Index(first, "## References")
	if refIdx < 0 {
		t.Fatalf("missing references section")
	}
	refs := first[refIdx:]
	a := strings.Index(refs, "https://a.example")
	b := strings.Index(refs, "https://b.example")
	if a < 0 || b < 0 || a > b {
		t.Fatalf("references out of first-seen order:\n%s", refs)
	}
}

func TestAssembleReportUnknownKeyFailsLoudly(t *testing.T) {
	sections := []string{
		"Body cites [MISSING].\n\n[citation]\n[A]Alpha study(https://a.example)\n[citation/]",
	}
	_, err := assembleReport(sections)
	var unknown *UnknownCitationKeyError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownCitationKeyError", err)
	}
	if unknown.Key != "MISSING" {
		t.Fatalf("key = %q", unknown.Key)
	}
}

func TestAssembleReportKeepsMarkdownLinks(t *testing.T) {
	sections := []string{
		"See [the docs](https://docs.example) and [A].\n\n[citation]\n[A]Source(https://a.example)\n[citation/]",
	}
	out, err := assembleReport(sections)
	if err != nil {
		t.Fatalf("assembleReport: %v", err)
	}
	if !strings.Contains(out, "[the docs](https://docs.example)") {
		t.Fatalf("markdown link mangled: %q", out)
	}
}

func TestParseWritingTasks(t *testing.T) {
	outline := "preamble\n<result>\nFirst section about origins.\n\nSecond section about tradeoffs.\n</result>\ntrailer"
	tasks := parseWritingTasks(outline, "findings here")
	if len(tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(tasks))
	}
	if tasks[0].TaskID != "section_1" || tasks[1].TaskID != "section_2" {
		t.Fatalf("task ids = %s, %s", tasks[0].TaskID, tasks[1].TaskID)
	}
	if tasks[0].NeededInfo != "findings here" {
		t.Fatalf("needed info not carried")
	}

	// Without result tags the whole reply is the region.
	tasks = parseWritingTasks("only one paragraph", "f")
	if len(tasks) != 1 || tasks[0].Instruction != "only one paragraph" {
		t.Fatalf("fallback tasks = %+v", tasks)
	}
}

func TestPlannerParsesFencedReply(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		return reply("```json\n{\"status\":\"finalized\",\"search_plans\":[{\"title\":\"T\",\"description\":\"D\"}]}\n```")
	}}
	p, err := NewPlanner(model, prompt.NewLibrary(), nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	result, err := p.Run(context.Background(), stream.Discard, "q")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != PlanFinalized || len(result.SearchPlans) != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.SearchPlans[0].OriginPlan != "T: D" {
		t.Fatalf("origin plan = %q", result.SearchPlans[0].OriginPlan)
	}
}

func TestPlannerFinalizeWithoutPlans(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		return reply(`{"status":"finalized"}`)
	}}
	p, err := NewPlanner(model, prompt.NewLibrary(), nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	_, err = p.Run(context.Background(), stream.Discard, "q")
	if !errors.Is(err, ErrNoPlanToFinalize) {
		t.Fatalf("err = %v, want ErrNoPlanToFinalize", err)
	}
}

func TestPlannerFinalizeReusesPriorPlans(t *testing.T) {
	turn := 0
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		turn++
		if turn == 1 {
			return reply(`{"status":"draft","search_plans":[{"title":"T","description":"D"}]}`)
		}
		return reply(`{"status":"finalized"}`)
	}}
	p, err := NewPlanner(model, prompt.NewLibrary(), nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	draft, err := p.Run(context.Background(), stream.Discard, "q")
	if err != nil {
		t.Fatalf("draft run: %v", err)
	}
	if draft.Status != PlanDraft {
		t.Fatalf("status = %s", draft.Status)
	}
	final, err := p.Run(context.Background(), stream.Discard, "looks good, start")
	if err != nil {
		t.Fatalf("finalize run: %v", err)
	}
	if final.Status != PlanFinalized || len(final.SearchPlans) != 1 || final.SearchPlans[0].Title != "T" {
		t.Fatalf("final = %+v", final)
	}
}

func TestPlannerRejectsGarbage(t *testing.T) {
	model := &scriptModel{respond: func(req agent.ChatRequest) agent.ChatResult {
		return reply("definitely not json")
	}}
	p, err := NewPlanner(model, prompt.NewLibrary(), nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	_, err = p.Run(context.Background(), stream.Discard, "q")
	var parseErr *PlanParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("err = %v, want PlanParseError", err)
	}
}

// orchestratorFixture wires an orchestrator over one scripted model.
func orchestratorFixture(t *testing.T, respond func(req agent.ChatRequest) agent.ChatResult) (*Orchestrator, func()) {
	t.Helper()
	model := &scriptModel{respond: respond}
	library := prompt.NewLibrary()
	ex := parallel.NewExecutor("test", 4)
	planner, err := NewPlanner(model, library, nil)
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}
	researcher := NewResearcher(model, library, ex)
	reporter := NewReporter(model, library, ex)
	return NewOrchestrator(planner, researcher, reporter), ex.Close
}

func TestOrchestratorIncompleteInfoPauses(t *testing.T) {
	o, closeFn := orchestratorFixture(t, func(req agent.ChatRequest) agent.ChatResult {
		return reply(`{"status":"incomplete_information","information_required":"which X?"}`)
	})
	defer closeFn()

	var phases []Phase
	result, err := o.Run(context.Background(), "compare X and Y", func(ev Event) {
		if ev.Phase != "" {
			phases = append(phases, ev.Phase)
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.RequireUserInteractive || result.RequireUserFeedback != "which X?" {
		t.Fatalf("result = %+v", result)
	}
	if result.Report != "" {
		t.Fatalf("unexpected report on pause")
	}
	if len(phases) != 1 || phases[0] != PhasePlanning {
		t.Fatalf("phases = %v", phases)
	}
}

func TestOrchestratorDraftPauses(t *testing.T) {
	o, closeFn := orchestratorFixture(t, func(req agent.ChatRequest) agent.ChatResult {
		return reply(`{"status":"draft","search_plans":[{"title":"A","description":"a"},{"title":"B","description":"b"}]}`)
	})
	defer closeFn()

	result, err := o.Run(context.Background(), "q", func(Event) {})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.RequireUserInteractive {
		t.Fatalf("expected interactive pause")
	}
	if result.PlanDraft != "A: a\nB: b" {
		t.Fatalf("plan draft = %q", result.PlanDraft)
	}
}

func TestOrchestratorFailureWrapsPhase(t *testing.T) {
	o, closeFn := orchestratorFixture(t, func(req agent.ChatRequest) agent.ChatResult {
		return reply("not json at all")
	})
	defer closeFn()

	_, err := o.Run(context.Background(), "q", func(Event) {})
	var wrapped *OrchestrationError
	if !errors.As(err, &wrapped) {
		t.Fatalf("err = %v, want OrchestrationError", err)
	}
	if wrapped.Phase != PhasePlanning {
		t.Fatalf("failed phase = %s", wrapped.Phase)
	}
	var parseErr *PlanParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if wrapped.Timestamp.IsZero() {
		t.Fatalf("timestamp not set")
	}
	if o.Phase() != PhaseFailed {
		t.Fatalf("orchestrator phase = %s", o.Phase())
	}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	respond := func(req agent.ChatRequest) agent.ChatResult {
		system := systemOf(req)
		switch {
		case strings.Contains(system, "research planner"):
			return reply(`{"status":"finalized","search_plans":[{"title":"X","description":"about X"},{"title":"Y","description":"about Y"}]}`)
		case strings.Contains(system, "you play the user role"):
			return reply("enough material " + TaskDoneSentinel)
		case strings.Contains(system, "you play the assistant role"):
			return reply("collected findings")
		case strings.Contains(system, "report architect"):
			return reply("<result>\nSection about X.\n\nSection about Y.\n</result>")
		case strings.Contains(system, "section writer"):
			last := req.Messages[len(req.Messages)-1].Content
			if strings.Contains(last, "Section about X") {
				return reply("X wins on latency [x1].\n\n[citation]\n[x1]X benchmark(https://x.example)\n[citation/]")
			}
			return reply("Y wins on cost [y1].\n\n[citation]\n[y1]Y pricing(https://y.example)\n[citation/]")
		default:
			return reply("unexpected agent")
		}
	}
	o, closeFn := orchestratorFixture(t, respond)
	defer closeFn()

	var phases []Phase
	var msgs []stream.Message
	result, err := o.Run(context.Background(), "compare X and Y", func(ev Event) {
		if ev.Phase != "" {
			phases = append(phases, ev.Phase)
			return
		}
		msgs = append(msgs, *ev.Message)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantPhases := []Phase{PhasePlanning, PhaseResearching, PhaseReportPlanning, PhaseReportWriting, PhaseCompleted}
	if len(phases) != len(wantPhases) {
		t.Fatalf("phases = %v, want %v", phases, wantPhases)
	}
	for i := range wantPhases {
		if phases[i] != wantPhases[i] {
			t.Fatalf("phases = %v, want %v", phases, wantPhases)
		}
	}

	if result.RequireUserInteractive {
		t.Fatalf("unexpected interactive pause")
	}
	report := result.Report
	if !strings.Contains(report, "X wins on latency") || !strings.Contains(report, "Y wins on cost") {
		t.Fatalf("report missing section bodies:\n%s", report)
	}
	if !strings.Contains(report, "<sup>[1]</sup>") || !strings.Contains(report, "<sup>[2]</sup>") {
		t.Fatalf("report missing citation markers:\n%s", report)
	}
	refIdx := strings.Index(report, "## References")
	if refIdx < 0 {
		t.Fatalf("report missing references:\n%s", report)
	}
	refs := report[refIdx:]
	if !strings.Contains(refs, "https://x.example") || !strings.Contains(refs, "https://y.example") {
		t.Fatalf("references incomplete:\n%s", refs)
	}

	// No write-phase tagged message leaks through; it is re-surfaced as
	// the ReportWriting phase marker instead.
	for _, m := range msgs {
		if m.Meta(stream.MetaExecutePhase) == stream.ExecutePhaseReportWriting {
			t.Fatalf("write-phase tagged message leaked: %+v", m)
		}
	}
}

func TestOrchestratorStreamPullsPhaseMarkersAndReport(t *testing.T) {
	respond := func(req agent.ChatRequest) agent.ChatResult {
		system := systemOf(req)
		switch {
		case strings.Contains(system, "research planner"):
			return reply(`{"status":"finalized","search_plans":[{"title":"X","description":"about X"}]}`)
		case strings.Contains(system, "you play the user role"):
			return reply("enough material " + TaskDoneSentinel)
		case strings.Contains(system, "you play the assistant role"):
			return reply("collected findings")
		case strings.Contains(system, "report architect"):
			return reply("<result>\nSection about X.\n</result>")
		case strings.Contains(system, "section writer"):
			return reply("X holds up [x1].\n\n[citation]\n[x1]X benchmark(https://x.example)\n[citation/]")
		default:
			return reply("unexpected agent")
		}
	}
	o, closeFn := orchestratorFixture(t, respond)
	defer closeFn()

	gen := o.Stream(context.Background(), "evaluate X")
	var phases []string
	for {
		m, ok := gen.Next()
		if !ok {
			break
		}
		if p := m.Meta(stream.MetaOrchestrationPhase); p != "" {
			if m.Type != stream.TypeControl {
				t.Fatalf("phase marker carried on a %s message", m.Type)
			}
			phases = append(phases, p)
		}
	}

	result, err := gen.Result()
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if !strings.Contains(result.Report, "X holds up") {
		t.Fatalf("report missing section body:\n%s", result.Report)
	}

	want := []string{"planning", "researching", "report_planning", "report_writing", "completed"}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}
