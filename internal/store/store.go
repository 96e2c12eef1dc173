package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/parsmind/deepresearch/config"
)

// Message types persisted per conversation.
const (
	MessageTypeUser       = "user"
	MessageTypeSearchPlan = "search_plan"
	MessageTypeReport     = "report"
)

// Conversation statuses.
const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

// Store persists conversations, their append-only message log, and
// report artifacts in Postgres. Report reads go through an optional
// Redis cache; cache failures degrade to the database silently.
type Store struct {
	DB       *sql.DB
	cache    *redis.Client
	cacheTTL time.Duration
	logger   *log.Logger
}

// Conversation is one research thread owned by a user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Status    string
	CreatedAt time.Time
}

// MessageRecord is one entry of a conversation's append-only log.
// Report-type rows are placeholders; their content lives in the report
// table keyed by message id.
type MessageRecord struct {
	ID             string
	ConversationID string
	Content        string
	Type           string
	CreatedAt      time.Time
}

// ReportRecord holds the thought trace and final report for one
// report-type message. Thought and content are updated in place as the
// run progresses.
type ReportRecord struct {
	ID             string
	MessageID      string
	ConversationID string
	Thought        json.RawMessage
	ReportContent  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New connects to Postgres and, when configured, Redis.
func New(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	s := &Store{
		DB:       db,
		cacheTTL: cfg.Redis.CacheTTL,
		logger:   log.New(log.Writer(), "[STORE] ", log.LstdFlags),
	}
	if cfg.Redis.Host != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Redis.Addr(), err)
		}
		s.cache = rdb
	}
	return s, nil
}

// Close releases the database and cache connections.
func (s *Store) Close() error {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	return s.DB.Close()
}

// User operations
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Conversation operations

func (s *Store) CreateConversation(ctx context.Context, userID, title string) (Conversation, error) {
	conv := Conversation{UserID: userID, Title: title}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO conversations (user_id, title)
VALUES ($1,$2)
RETURNING id, status, created_at
`, userID, title)
	if err := row.Scan(&conv.ID, &conv.Status, &conv.CreatedAt); err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, title, status, created_at
FROM conversations
WHERE id=$1
`, id)
	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Status, &conv.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, offset, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, title, status, created_at
FROM conversations
WHERE user_id=$1
ORDER BY created_at DESC
OFFSET $2 LIMIT $3
`, userID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Status, &conv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// RenameConversation updates the title, reporting sql.ErrNoRows for an
// unknown conversation.
func (s *Store) RenameConversation(ctx context.Context, id, userID, title string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE conversations SET title=$1 WHERE id=$2 AND user_id=$3`, title, id, userID)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	} else if err != nil {
		return err
	}
	return nil
}

// DeleteConversation removes the conversation; messages and reports go
// with it via cascading foreign keys.
func (s *Store) DeleteConversation(ctx context.Context, id, userID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM conversations WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return err
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return sql.ErrNoRows
	} else if err != nil {
		return err
	}
	return nil
}

// Message operations

func (s *Store) CreateMessage(ctx context.Context, rec MessageRecord) (MessageRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (conversation_id, content, type)
VALUES ($1,$2,$3)
RETURNING id, created_at
`, rec.ConversationID, rec.Content, rec.Type)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return MessageRecord{}, err
	}
	return rec, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, content, type, created_at
FROM messages
WHERE conversation_id=$1
ORDER BY created_at ASC
`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.Content, &rec.Type, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MessagesSinceLastReport returns, oldest first, the messages appended
// after the most recent report. This is the planner's seed history: a
// delivered report closes the negotiation that led to it.
func (s *Store) MessagesSinceLastReport(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	cut := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == MessageTypeReport {
			cut = i + 1
			break
		}
	}
	return msgs[cut:], nil
}

// Report operations

func (s *Store) CreateReport(ctx context.Context, messageID, conversationID string) (ReportRecord, error) {
	rec := ReportRecord{MessageID: messageID, ConversationID: conversationID, Thought: json.RawMessage("{}")}
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO reports (message_id, conversation_id, thought, report_content)
VALUES ($1,$2,'{}','')
RETURNING id, created_at, updated_at
`, messageID, conversationID)
	if err := row.Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ReportRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpdateReportThought(ctx context.Context, reportID string, thought json.RawMessage) error {
	var messageID string
	err := s.DB.QueryRowContext(ctx, `
UPDATE reports SET thought=$1, updated_at=NOW() WHERE id=$2
RETURNING message_id
`, []byte(thought), reportID).Scan(&messageID)
	if err != nil {
		return err
	}
	s.invalidateReport(ctx, messageID)
	return nil
}

func (s *Store) UpdateReportContent(ctx context.Context, reportID string, content string) error {
	var messageID string
	err := s.DB.QueryRowContext(ctx, `
UPDATE reports SET report_content=$1, updated_at=NOW() WHERE id=$2
RETURNING message_id
`, content, reportID).Scan(&messageID)
	if err != nil {
		return err
	}
	s.invalidateReport(ctx, messageID)
	return nil
}

// GetReportByMessageID resolves the report row backing a report-type
// message, reading through the cache when one is configured.
func (s *Store) GetReportByMessageID(ctx context.Context, messageID string) (ReportRecord, bool, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, reportCacheKey(messageID)).Bytes(); err == nil {
			var rec ReportRecord
			if err := json.Unmarshal(raw, &rec); err == nil {
				return rec, true, nil
			}
		}
	}

	row := s.DB.QueryRowContext(ctx, `
SELECT id, message_id, conversation_id, thought, report_content, created_at, updated_at
FROM reports
WHERE message_id=$1
`, messageID)
	var rec ReportRecord
	var thought []byte
	if err := row.Scan(&rec.ID, &rec.MessageID, &rec.ConversationID, &thought, &rec.ReportContent, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ReportRecord{}, false, nil
		}
		return ReportRecord{}, false, err
	}
	rec.Thought = json.RawMessage(thought)

	if s.cache != nil {
		if raw, err := json.Marshal(rec); err == nil {
			if err := s.cache.Set(ctx, reportCacheKey(messageID), raw, s.cacheTTL).Err(); err != nil {
				s.logger.Printf("report cache write failed: %v", err)
			}
		}
	}
	return rec, true, nil
}

func (s *Store) invalidateReport(ctx context.Context, messageID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, reportCacheKey(messageID)).Err(); err != nil {
		s.logger.Printf("report cache invalidation failed: %v", err)
	}
}

func reportCacheKey(messageID string) string { return "deepresearch:report:" + messageID }
