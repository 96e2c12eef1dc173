package research

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/parallel"
	"github.com/parsmind/deepresearch/internal/prompt"
	"github.com/parsmind/deepresearch/internal/stream"
)

// Reporter turns research traces into the final cited document. Plan
// phase is one model call producing the section outline; write phase
// fans the sections out to the executor; assembly merges citations.
type Reporter struct {
	model    agent.ChatModel
	library  *prompt.Library
	executor *parallel.Executor
	logger   *log.Logger
}

// NewReporter builds the report coordinator on a shared executor.
func NewReporter(model agent.ChatModel, library *prompt.Library, executor *parallel.Executor) *Reporter {
	return &Reporter{
		model:    model,
		library:  library,
		executor: executor,
		logger:   log.New(os.Stdout, "[REPORT] ", log.LstdFlags),
	}
}

// Run produces the assembled report for query from the research traces.
func (r *Reporter) Run(ctx context.Context, emit stream.Emit, query string, executions []*ResearchExecution) (string, error) {
	findings := summarizeExecutions(executions)

	tasks, err := r.planSections(ctx, emit, query, findings)
	if err != nil {
		return "", err
	}
	r.logger.Printf("writing %d report sections", len(tasks))

	if tips, err := r.library.Render(prompt.StageReportWriteTips, nil); err == nil {
		emit(stream.NewComplete(stream.NewStreamID(), tips).
			WithMeta(stream.MetaAdditionType, stream.AdditionTips).
			WithMeta(stream.MetaExecutePhase, stream.ExecutePhaseReportWriting))
	}

	worker := func(ctx context.Context, emit stream.Emit, index int, task WritingTask) (string, error) {
		return r.writeSection(ctx, emit, query, task)
	}
	contents, err := parallel.Map(ctx, r.executor, emit, tasks, worker)
	if err != nil {
		return "", err
	}
	for i := range tasks {
		tasks[i].Content = contents[i]
	}

	return assembleReport(contents)
}

// planSections runs the outline call and splits the tagged region into
// one WritingTask per paragraph.
func (r *Reporter) planSections(ctx context.Context, emit stream.Emit, query, findings string) ([]WritingTask, error) {
	if tips, err := r.library.Render(prompt.StageReportPlanTips, nil); err == nil {
		emit(stream.NewComplete(stream.NewStreamID(), tips).
			WithMeta(stream.MetaAdditionType, stream.AdditionTips).
			WithMeta(stream.MetaExecutePhase, stream.ExecutePhaseReportPlanning))
	}

	system, err := r.library.Render(prompt.StageReportPlanSystem, nil)
	if err != nil {
		return nil, err
	}
	user, err := r.library.Render(prompt.StageReportPlanUser, map[string]string{
		"query":            query,
		"research_results": findings,
	})
	if err != nil {
		return nil, err
	}
	planner, err := agent.NewChatAgent("report-planner", system, r.model)
	if err != nil {
		return nil, err
	}
	turn, err := planner.StreamStep(ctx, emit, user)
	if err != nil {
		return nil, fmt.Errorf("report plan turn: %w", err)
	}

	tasks := parseWritingTasks(turn.Content, findings)
	if len(tasks) == 0 {
		return nil, fmt.Errorf("research: report planner produced no writing tasks")
	}
	return tasks, nil
}

// parseWritingTasks extracts the <result> region (falling back to the
// whole reply) and turns each blank-line-separated paragraph into a
// sequentially numbered task.
func parseWritingTasks(reply, findings string) []WritingTask {
	region := reply
	if start := strings.Index(reply, "<result>"); start >= 0 {
		rest := reply[start+len("<result>"):]
		if end := strings.Index(rest, "</result>"); end >= 0 {
			region = rest[:end]
		} else {
			region = rest
		}
	}

	var tasks []WritingTask
	for _, paragraph := range strings.Split(region, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		id := fmt.Sprintf("section_%d", len(tasks)+1)
		tasks = append(tasks, WritingTask{
			TaskID:      id,
			Name:        id,
			Instruction: paragraph,
			NeededInfo:  findings,
		})
	}
	return tasks
}

func (r *Reporter) writeSection(ctx context.Context, emit stream.Emit, query string, task WritingTask) (string, error) {
	system, err := r.library.Render(prompt.StageReportWriteSystem, nil)
	if err != nil {
		return "", err
	}
	user, err := r.library.Render(prompt.StageReportWriteUser, map[string]string{
		"query":            query,
		"task_description": task.Instruction,
		"research_results": task.NeededInfo,
	})
	if err != nil {
		return "", err
	}
	writer, err := agent.NewChatAgent("report-writer-"+task.TaskID, system, r.model)
	if err != nil {
		return "", err
	}
	turn, err := writer.StreamStep(ctx, emit, user)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", task.TaskID, err)
	}
	return turn.Content, nil
}

// summarizeExecutions serializes the research traces for the report
// prompts.
func summarizeExecutions(executions []*ResearchExecution) string {
	var b strings.Builder
	for i, exec := range executions {
		fmt.Fprintf(&b, "### Research %d: %s\n", i+1, exec.Plan.Title)
		if exec.Plan.Description != "" {
			b.WriteString(exec.Plan.Description + "\n")
		}
		for _, step := range exec.Steps {
			content := strings.TrimSpace(step.Content)
			if content == "" {
				continue
			}
			b.WriteString(content + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}
