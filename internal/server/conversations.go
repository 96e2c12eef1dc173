package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/parsmind/deepresearch/internal/service"
	"github.com/parsmind/deepresearch/internal/store"
)

// ConversationsHandler serves the conversation CRUD and history views.
type ConversationsHandler struct {
	Store   *store.Store
	Service *service.ResearchService
}

func (h *ConversationsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.GET("", h.list)
	g.POST("", h.create)
	g.PUT("/:conversation_id", h.rename)
	g.DELETE("/:conversation_id", h.remove)
	g.GET("/:conversation_id/messages", h.history)
}

func (h *ConversationsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	convs, err := h.Store.ListConversations(c.Request().Context(), userID, offset, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]ConversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, ConversationResponse{
			ID:        conv.ID,
			Title:     conv.Title,
			Status:    conv.Status,
			CreatedAt: conv.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ConversationsHandler) create(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		req.Title = "New conversation"
	}
	conv, err := h.Store.CreateConversation(c.Request().Context(), userID, req.Title)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, ConversationResponse{
		ID:        conv.ID,
		Title:     conv.Title,
		Status:    conv.Status,
		CreatedAt: conv.CreatedAt,
	})
}

func (h *ConversationsHandler) rename(c echo.Context) error {
	userID := c.Get("user_id").(string)
	var req RenameConversationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Title == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "title required")
	}
	err := h.Store.RenameConversation(c.Request().Context(), c.Param("conversation_id"), userID, req.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func (h *ConversationsHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	err := h.Store.DeleteConversation(c.Request().Context(), c.Param("conversation_id"), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

// history returns the conversation's messages, expanding report
// placeholders into their thought trace and report body.
func (h *ConversationsHandler) history(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Get("user_id").(string)
	conversationID := c.Param("conversation_id")

	conv, ok, err := h.Store.GetConversation(ctx, conversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok || conv.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
	}

	msgs, err := h.Store.ListMessages(ctx, conversationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := HistoryResponse{
		ConversationID: conv.ID,
		Title:          conv.Title,
		Status:         conv.Status,
		CreatedAt:      conv.CreatedAt,
		Messages:       make([]HistoryMessage, 0, len(msgs)),
	}
	for _, msg := range msgs {
		entry := HistoryMessage{
			ID:        msg.ID,
			Role:      msg.Type,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		}
		if msg.Type == store.MessageTypeReport {
			trace, report, err := h.Service.GetReportAndThought(ctx, msg.ID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			entry.Content = map[string]interface{}{
				"thought": trace.Messages,
				"report":  report,
			}
		}
		resp.Messages = append(resp.Messages, entry)
	}
	return c.JSON(http.StatusOK, resp)
}
