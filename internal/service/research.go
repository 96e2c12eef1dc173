package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/research"
	"github.com/parsmind/deepresearch/internal/store"
	"github.com/parsmind/deepresearch/internal/stream"
	"github.com/parsmind/deepresearch/internal/telemetry"
)

// ThoughtType classifies entries of the thought trace shown alongside a
// report.
type ThoughtType string

const (
	ThoughtTitle    ThoughtType = "title"
	ThoughtContent  ThoughtType = "content"
	ThoughtToolCall ThoughtType = "tool_call"
)

// Roles of updates pushed to the API consumer.
const (
	RoleSearchPlan = "search_plan"
	RoleReport     = "report"
)

// ThoughtItem is one entry of the reasoning trace.
type ThoughtItem struct {
	Type      ThoughtType            `json:"type"`
	Content   string                 `json:"content,omitempty"`
	ToolCall  *stream.ToolCallRecord `json:"tool_call,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ThoughtTrace is the serialized form persisted in the report row.
type ThoughtTrace struct {
	Messages []ThoughtItem `json:"messages"`
}

// ResearchUpdate is one cumulative snapshot streamed to the client.
// Search-plan updates carry the planner's reply; report updates carry
// the thought trace so far plus the report body once written.
type ResearchUpdate struct {
	Role      string        `json:"role"`
	MessageID string        `json:"message_id,omitempty"`
	Content   string        `json:"content,omitempty"`
	Thought   []ThoughtItem `json:"thought,omitempty"`
	Report    string        `json:"report,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// EmitUpdate consumes research updates, typically an SSE writer.
type EmitUpdate func(ResearchUpdate)

// OrchestratorFactory builds a fresh orchestrator seeded with the
// conversation history recovered from the store.
type OrchestratorFactory func(history []agent.ChatMessage) (*research.Orchestrator, error)

// ResearchService coordinates one research run per call: it replays the
// conversation into the planner, pumps the orchestration event stream on
// the calling goroutine, and persists plans, thoughts and the report as
// they materialize. It holds no per-run state between calls.
type ResearchService struct {
	store   *store.Store
	factory OrchestratorFactory
	tele    *telemetry.Telemetry
	logger  *log.Logger
}

// NewResearchService wires the service.
func NewResearchService(st *store.Store, factory OrchestratorFactory, tele *telemetry.Telemetry) *ResearchService {
	return &ResearchService{
		store:   st,
		factory: factory,
		tele:    tele,
		logger:  log.New(log.Writer(), "[SERVICE] ", log.LstdFlags),
	}
}

// Research runs one orchestration turn for query inside conversationID,
// pushing cumulative updates to emit as they happen. A run pausing for
// user input is a normal return; the next call resumes from persisted
// history.
func (s *ResearchService) Research(ctx context.Context, query, conversationID, userID string, emit EmitUpdate) error {
	conv, ok, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.UserID != userID {
		return fmt.Errorf("conversation %s not found", conversationID)
	}

	if _, err := s.store.CreateMessage(ctx, store.MessageRecord{
		ConversationID: conversationID,
		Content:        query,
		Type:           store.MessageTypeUser,
	}); err != nil {
		return err
	}

	history, err := s.plannerHistory(ctx, conversationID)
	if err != nil {
		return err
	}
	orch, err := s.factory(history)
	if err != nil {
		return err
	}

	p := &pump{
		ctx:          ctx,
		store:        s.store,
		logger:       s.logger,
		conversation: conv,
		emit:         emit,
		tele:         s.tele,
	}

	start := time.Now()
	result, err := orch.Run(ctx, query, p.consume)
	outcome := "completed"
	switch {
	case err != nil:
		outcome = "failed"
	case result.RequireUserInteractive:
		outcome = "paused"
	}
	if s.tele != nil {
		s.tele.RecordRun(telemetry.RunEvent{
			ConversationID: conversationID,
			Query:          query,
			Duration:       time.Since(start),
			Outcome:        outcome,
		})
	}
	if err != nil {
		return err
	}

	// The orchestrator returns the assembled report without streaming
	// it; persist and surface it here.
	if result.Report != "" {
		p.finishReport(result.Report)
	}
	return nil
}

// plannerHistory converts the post-report message window into planner
// conversation turns. Plans were spoken by the planner, user messages by
// the user; report placeholders never appear inside the window.
func (s *ResearchService) plannerHistory(ctx context.Context, conversationID string) ([]agent.ChatMessage, error) {
	msgs, err := s.store.MessagesSinceLastReport(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var out []agent.ChatMessage
	for _, m := range msgs {
		switch m.Type {
		case store.MessageTypeUser:
			out = append(out, agent.ChatMessage{Role: agent.RoleUser, Content: m.Content})
		case store.MessageTypeSearchPlan:
			out = append(out, agent.ChatMessage{Role: agent.RoleAssistant, Content: m.Content})
		}
	}
	return out, nil
}

// GetReportAndThought loads the thought trace and report body behind a
// report-type message.
func (s *ResearchService) GetReportAndThought(ctx context.Context, messageID string) (ThoughtTrace, string, error) {
	rec, ok, err := s.store.GetReportByMessageID(ctx, messageID)
	if err != nil {
		return ThoughtTrace{}, "", err
	}
	if !ok {
		return ThoughtTrace{}, "", fmt.Errorf("report for message %s not found", messageID)
	}
	var trace ThoughtTrace
	if len(rec.Thought) > 0 {
		if err := json.Unmarshal(rec.Thought, &trace); err != nil {
			return ThoughtTrace{}, "", fmt.Errorf("corrupt thought trace for message %s: %w", messageID, err)
		}
	}
	return trace, rec.ReportContent, nil
}

// pump consumes orchestration events on the single consumer goroutine
// and turns them into database writes and client updates.
type pump struct {
	ctx          context.Context
	store        *store.Store
	logger       *log.Logger
	conversation store.Conversation
	emit         EmitUpdate
	tele         *telemetry.Telemetry

	phase         research.Phase
	phaseStart    time.Time
	chunkCaches   map[string]*cachedItem
	thought       ThoughtTrace
	reportMessage *store.MessageRecord
	reportRow     *store.ReportRecord
	reportBody    string
}

// cachedItem accumulates one open token stream.
type cachedItem struct {
	kind      string // search_plan, thought, report
	thoughtTy ThoughtType
	content   string
	createdAt time.Time
}

func (p *pump) consume(ev research.Event) {
	if ev.Phase != "" {
		if p.tele != nil && p.phase != "" {
			p.tele.RecordPhase(string(p.phase), time.Since(p.phaseStart))
		}
		p.phase = ev.Phase
		p.phaseStart = time.Now()
		// A run that reaches Researching will produce a report; park a
		// placeholder message and report row for it now so thought
		// updates have a home.
		if ev.Phase == research.PhaseResearching {
			p.ensureReportRow()
		}
		return
	}
	if ev.Message == nil {
		return
	}
	p.consumeMessage(*ev.Message)
}

func (p *pump) consumeMessage(msg stream.Message) {
	if p.chunkCaches == nil {
		p.chunkCaches = make(map[string]*cachedItem)
	}
	switch msg.Type {
	case stream.TypeStart:
		item := p.classify(msg)
		if item == nil {
			return
		}
		item.content = msg.Text
		p.chunkCaches[msg.StreamID] = item
	case stream.TypeChunk:
		item, ok := p.chunkCaches[msg.StreamID]
		if !ok {
			item = p.classify(msg)
			if item == nil {
				return
			}
			p.chunkCaches[msg.StreamID] = item
		}
		item.content += msg.Text
	case stream.TypeEnd:
		item, ok := p.chunkCaches[msg.StreamID]
		if !ok {
			item = p.classify(msg)
			if item == nil {
				return
			}
		}
		delete(p.chunkCaches, msg.StreamID)
		item.content += msg.Text
		if item.content == "" {
			return
		}
		p.finalize(item)
	case stream.TypeComplete:
		if msg.Text == "" && msg.ToolCall == nil {
			return
		}
		item := p.classify(msg)
		if item == nil {
			return
		}
		item.content = msg.Text
		if msg.ToolCall != nil {
			p.appendThought(ThoughtItem{Type: ThoughtToolCall, ToolCall: msg.ToolCall, CreatedAt: msg.Timestamp})
			p.emitReportSnapshot()
			return
		}
		p.finalize(item)
	case stream.TypeError:
		if msg.ErrorMessage == "" {
			return
		}
		p.persistSearchPlan(msg.ErrorMessage, msg.Timestamp)
	}
}

// classify maps a protocol message onto a persistence item per the
// current phase. Messages outside any persistable phase are dropped.
func (p *pump) classify(msg stream.Message) *cachedItem {
	switch p.phase {
	case research.PhasePlanning:
		return &cachedItem{kind: "search_plan", createdAt: msg.Timestamp}
	case research.PhaseResearching, research.PhaseReportPlanning:
		ty := ThoughtContent
		if msg.Meta(stream.MetaAdditionType) == stream.AdditionTips {
			ty = ThoughtTitle
		}
		return &cachedItem{kind: "thought", thoughtTy: ty, createdAt: msg.Timestamp}
	case research.PhaseReportWriting, research.PhaseCompleted:
		return &cachedItem{kind: "report", createdAt: msg.Timestamp}
	}
	return nil
}

func (p *pump) finalize(item *cachedItem) {
	switch item.kind {
	case "search_plan":
		p.persistSearchPlan(item.content, item.createdAt)
	case "thought":
		p.appendThought(ThoughtItem{Type: item.thoughtTy, Content: item.content, CreatedAt: item.createdAt})
		p.emitReportSnapshot()
	case "report":
		p.reportBody = item.content
		p.persistReportContent()
		p.emitReportSnapshot()
	}
}

func (p *pump) persistSearchPlan(content string, at time.Time) {
	rec, err := p.store.CreateMessage(p.ctx, store.MessageRecord{
		ConversationID: p.conversation.ID,
		Content:        content,
		Type:           store.MessageTypeSearchPlan,
	})
	if err != nil {
		p.logger.Printf("persist search plan failed: %v", err)
		rec = store.MessageRecord{ConversationID: p.conversation.ID, Content: content, CreatedAt: at}
	}
	p.emit(ResearchUpdate{
		Role:      RoleSearchPlan,
		MessageID: rec.ID,
		Content:   content,
		CreatedAt: rec.CreatedAt,
	})
}

func (p *pump) ensureReportRow() {
	if p.reportRow != nil {
		return
	}
	msg, err := p.store.CreateMessage(p.ctx, store.MessageRecord{
		ConversationID: p.conversation.ID,
		Content:        "",
		Type:           store.MessageTypeReport,
	})
	if err != nil {
		p.logger.Printf("report placeholder message failed: %v", err)
		return
	}
	p.reportMessage = &msg
	row, err := p.store.CreateReport(p.ctx, msg.ID, p.conversation.ID)
	if err != nil {
		p.logger.Printf("report row create failed: %v", err)
		return
	}
	p.reportRow = &row
}

func (p *pump) appendThought(item ThoughtItem) {
	p.thought.Messages = append(p.thought.Messages, item)
	if p.reportRow == nil {
		return
	}
	raw, err := json.Marshal(p.thought)
	if err != nil {
		p.logger.Printf("thought trace marshal failed: %v", err)
		return
	}
	if err := p.store.UpdateReportThought(p.ctx, p.reportRow.ID, raw); err != nil {
		p.logger.Printf("thought trace update failed: %v", err)
	}
}

func (p *pump) persistReportContent() {
	if p.reportRow == nil {
		return
	}
	if err := p.store.UpdateReportContent(p.ctx, p.reportRow.ID, p.reportBody); err != nil {
		p.logger.Printf("report content update failed: %v", err)
	}
}

// finishReport persists the assembled report returned by the
// orchestrator and pushes the final snapshot.
func (p *pump) finishReport(report string) {
	p.reportBody = report
	p.persistReportContent()
	p.emitReportSnapshot()
}

func (p *pump) emitReportSnapshot() {
	update := ResearchUpdate{
		Role:      RoleReport,
		Thought:   append([]ThoughtItem(nil), p.thought.Messages...),
		Report:    p.reportBody,
		CreatedAt: time.Now(),
	}
	if p.reportMessage != nil {
		update.MessageID = p.reportMessage.ID
		update.CreatedAt = p.reportMessage.CreatedAt
	}
	p.emit(update)
}
