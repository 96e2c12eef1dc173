package server

import "time"

// HTTPError is the error envelope returned by every handler.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// CreateConversationRequest starts a new research thread.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// RenameConversationRequest updates a conversation title.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// ConversationResponse is one conversation list item.
type ConversationResponse struct {
	ID        string    `json:"conversation_id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryMessage is one entry of the conversation history. Report
// entries carry the thought trace and report body instead of plain
// content.
type HistoryMessage struct {
	ID        string      `json:"id"`
	Role      string      `json:"role"`
	Content   interface{} `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryResponse is the full conversation view.
type HistoryResponse struct {
	ConversationID string           `json:"conversation_id"`
	Title          string           `json:"title"`
	Status         string           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	Messages       []HistoryMessage `json:"messages"`
}

// ResearchRequest carries the user query for one research turn.
type ResearchRequest struct {
	Query string `json:"query"`
}
