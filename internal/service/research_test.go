package service

import (
	"context"
	"log"
	"os"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/research"
	"github.com/parsmind/deepresearch/internal/store"
	"github.com/parsmind/deepresearch/internal/stream"
)

func newTestPump(t *testing.T) (*pump, sqlmock.Sqlmock, *[]ResearchUpdate) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var updates []ResearchUpdate
	p := &pump{
		ctx:          context.Background(),
		store:        &store.Store{DB: db},
		logger:       log.New(os.Stdout, "[SERVICE] ", log.LstdFlags),
		conversation: store.Conversation{ID: "conv-1", UserID: "user-1"},
		emit:         func(u ResearchUpdate) { updates = append(updates, u) },
	}
	return p, mock, &updates
}

func expectMessageInsert(mock sqlmock.Sqlmock, content, msgType, id string) {
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO messages (conversation_id, content, type)
VALUES ($1,$2,$3)
RETURNING id, created_at
`)).
		WithArgs("conv-1", content, msgType).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(id, time.Now()))
}

func TestPumpPlanningStreamPersistsSearchPlan(t *testing.T) {
	p, mock, updates := newTestPump(t)

	expectMessageInsert(mock, "plan part one and part two", store.MessageTypeSearchPlan, "msg-plan")

	p.consume(research.Event{Phase: research.PhasePlanning})
	sid := stream.NewStreamID()
	p.consume(research.Event{Message: msgPtr(stream.NewStart(sid, "plan part one"))})
	p.consume(research.Event{Message: msgPtr(stream.NewChunk(sid, " and part two"))})
	p.consume(research.Event{Message: msgPtr(stream.NewEnd(sid, ""))})

	if len(*updates) != 1 {
		t.Fatalf("expected one update, got %d", len(*updates))
	}
	got := (*updates)[0]
	if got.Role != RoleSearchPlan || got.Content != "plan part one and part two" || got.MessageID != "msg-plan" {
		t.Fatalf("unexpected update: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPumpEmptyStreamPersistsNothing(t *testing.T) {
	p, mock, updates := newTestPump(t)

	p.consume(research.Event{Phase: research.PhasePlanning})
	sid := stream.NewStreamID()
	p.consume(research.Event{Message: msgPtr(stream.NewStart(sid, ""))})
	p.consume(research.Event{Message: msgPtr(stream.NewEnd(sid, ""))})

	if len(*updates) != 0 {
		t.Fatalf("expected no updates for empty stream, got %d", len(*updates))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPumpResearchingCreatesPlaceholderAndThought(t *testing.T) {
	p, mock, updates := newTestPump(t)

	expectMessageInsert(mock, "", store.MessageTypeReport, "msg-report")
	mock.ExpectQuery(regexp.QuoteMeta(`
INSERT INTO reports (message_id, conversation_id, thought, report_content)
VALUES ($1,$2,'{}','')
RETURNING id, created_at, updated_at
`)).
		WithArgs("msg-report", "conv-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("rep-1", time.Now(), time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE reports SET thought=$1, updated_at=NOW() WHERE id=$2
RETURNING message_id
`)).
		WithArgs(sqlmock.AnyArg(), "rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("msg-report"))

	p.consume(research.Event{Phase: research.PhaseResearching})
	tips := stream.NewComplete(stream.NewStreamID(), "task 1: ocean currents").
		WithMeta(stream.MetaAdditionType, stream.AdditionTips)
	p.consume(research.Event{Message: &tips})

	if len(*updates) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(*updates))
	}
	got := (*updates)[0]
	if got.Role != RoleReport || got.MessageID != "msg-report" {
		t.Fatalf("unexpected update: %+v", got)
	}
	if len(got.Thought) != 1 || got.Thought[0].Type != ThoughtTitle {
		t.Fatalf("expected one title thought, got %+v", got.Thought)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPumpToolCallBecomesThought(t *testing.T) {
	p, _, updates := newTestPump(t)

	p.phase = research.PhaseResearching
	rec := stream.ToolCallRecord{ToolName: "web_search", CallID: "c1", Result: "3 hits"}
	msg := stream.NewToolCall(rec)
	p.consume(research.Event{Message: &msg})

	if len(*updates) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(*updates))
	}
	th := (*updates)[0].Thought
	if len(th) != 1 || th[0].Type != ThoughtToolCall || th[0].ToolCall.ToolName != "web_search" {
		t.Fatalf("unexpected thought trace: %+v", th)
	}
}

func TestPumpFinishReportUpdatesContent(t *testing.T) {
	p, mock, updates := newTestPump(t)

	p.phase = research.PhaseCompleted
	p.reportMessage = &store.MessageRecord{ID: "msg-report", CreatedAt: time.Now()}
	p.reportRow = &store.ReportRecord{ID: "rep-1"}

	mock.ExpectQuery(regexp.QuoteMeta(`
UPDATE reports SET report_content=$1, updated_at=NOW() WHERE id=$2
RETURNING message_id
`)).
		WithArgs("# Final Report", "rep-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("msg-report"))

	p.finishReport("# Final Report")

	if len(*updates) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(*updates))
	}
	got := (*updates)[0]
	if got.Report != "# Final Report" || got.MessageID != "msg-report" {
		t.Fatalf("unexpected update: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPumpDropsMessagesOutsidePhases(t *testing.T) {
	p, mock, updates := newTestPump(t)

	// Pending phase: nothing should persist or surface.
	msg := stream.NewComplete(stream.NewStreamID(), "stray text")
	p.consume(research.Event{Message: &msg})

	if len(*updates) != 0 {
		t.Fatalf("expected no updates, got %d", len(*updates))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPlannerHistoryRoles(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()
	svc := NewResearchService(&store.Store{DB: db}, nil, nil)

	base := time.Now()
	rows := sqlmock.NewRows([]string{"id", "conversation_id", "content", "type", "created_at"}).
		AddRow("m1", "conv-1", "", store.MessageTypeReport, base).
		AddRow("m2", "conv-1", "new question", store.MessageTypeUser, base.Add(time.Second)).
		AddRow("m3", "conv-1", "draft plan", store.MessageTypeSearchPlan, base.Add(2*time.Second))
	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT id, conversation_id, content, type, created_at
FROM messages
WHERE conversation_id=$1
ORDER BY created_at ASC
`)).WithArgs("conv-1").WillReturnRows(rows)

	history, err := svc.plannerHistory(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("plannerHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(history))
	}
	if history[0].Role != agent.RoleUser || history[1].Role != agent.RoleAssistant {
		t.Fatalf("unexpected roles: %+v", history)
	}
}

func msgPtr(m stream.Message) *stream.Message { return &m }
