package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parsmind/deepresearch/internal/service"
	"github.com/parsmind/deepresearch/internal/stream"
)

var researchTracer trace.Tracer = otel.Tracer("deepresearch/server")

// ResearchHandler streams one research run over Server-Sent Events.
type ResearchHandler struct {
	Service *service.ResearchService
	logger  *log.Logger
}

func NewResearchHandler(svc *service.ResearchService) *ResearchHandler {
	return &ResearchHandler{
		Service: svc,
		logger:  log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

func (h *ResearchHandler) Register(g *echo.Group, secret []byte) {
	g.Use(func(next echo.HandlerFunc) echo.HandlerFunc { return withAuth(next, secret) })
	g.POST("/:conversation_id/research", h.research)
}

// research runs one orchestration turn and streams cumulative updates
// as SSE until the run completes, pauses for user input, or fails.
func (h *ResearchHandler) research(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	conversationID := c.Param("conversation_id")
	userID := c.Get("user_id").(string)

	ctx, span := researchTracer.Start(ctx, "ResearchHandler.research")
	defer span.End()
	span.SetAttributes(attribute.String("conversation_id", conversationID))
	c.SetRequest(req.WithContext(ctx))

	var body ResearchRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.Query) == "" {
		span.SetStatus(codes.Error, "query required")
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	// The heartbeat ticker writes concurrently with the run updates.
	var writeMu sync.Mutex
	send := func(event string, payload interface{}) {
		data, err := json.Marshal(payload)
		if err != nil {
			h.logger.Printf("sse marshal failed: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := resp.Write([]byte("event: " + event + "\n")); err != nil {
			return
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}

	// Model turns can stay silent for minutes; keep the connection warm.
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		id := stream.NewStreamID()
		for {
			select {
			case <-ticker.C:
				send("heartbeat", stream.NewHeartbeat(id, 0))
			case <-heartbeatDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	err := h.Service.Research(ctx, body.Query, conversationID, userID, func(u service.ResearchUpdate) {
		send("update", u)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.Printf("research run failed: %v", err)
		// Headers are committed; surface the failure in-band.
		send("error", HTTPError{Error: err.Error()})
		return nil
	}
	send("done", map[string]string{"status": "finished"})
	return nil
}
