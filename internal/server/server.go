package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/parsmind/deepresearch/config"
	"github.com/parsmind/deepresearch/internal/agent"
	"github.com/parsmind/deepresearch/internal/parallel"
	"github.com/parsmind/deepresearch/internal/prompt"
	"github.com/parsmind/deepresearch/internal/research"
	"github.com/parsmind/deepresearch/internal/service"
	"github.com/parsmind/deepresearch/internal/store"
	"github.com/parsmind/deepresearch/internal/telemetry"
	"github.com/parsmind/deepresearch/internal/tools"
)

// Run starts the HTTP API. It owns top-level dependency wiring: store,
// telemetry, tool surface and the per-request orchestrator factory.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))

	ctx := context.Background()
	if err := Migrate("file://migrations", cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
		baseLogger.Printf("migrations: %v", err)
	}

	st, err := store.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	tele := telemetry.NewTelemetry(cfg.Telemetry)

	toolset, cleanup, err := BuildToolset(ctx, cfg.Tools)
	if err != nil {
		return err
	}
	defer cleanup()

	factory, closeExecutor := NewOrchestratorFactory(cfg, toolset, tele)
	defer closeExecutor()
	svc := service.NewResearchService(st, factory, tele)

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	e.GET("/metrics", echo.WrapHandler(tele.Handler()))

	secret := []byte(cfg.Server.JWTSecret)
	api := e.Group("/api")
	auth := &AuthHandler{Store: st, Secret: secret}
	auth.Register(api.Group("/auth"))

	ch := &ConversationsHandler{Store: st, Service: svc}
	ch.Register(api.Group("/conversations"), secret)

	rh := NewResearchHandler(svc)
	rh.Register(api.Group("/conversations"), secret)

	addr := cfg.Server.Address
	if addr != "" && addr[0] != ':' {
		addr = ":" + addr
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// NewOrchestratorFactory builds a fresh orchestration stack per research
// run. Agents hold conversational state, so nothing lives across runs
// except the model configuration, the tool surface and one shared worker
// pool; the returned cleanup closes the pool and must be called on
// shutdown. A nil telemetry skips instrumentation.
func NewOrchestratorFactory(cfg *config.Config, toolset []tools.Tool, tele *telemetry.Telemetry) (service.OrchestratorFactory, func()) {
	instrumented := make([]tools.Tool, 0, len(toolset))
	for _, t := range toolset {
		instrumented = append(instrumented, telemetry.InstrumentTool(t, tele))
	}
	executor := parallel.NewExecutor("research", cfg.Research.PoolSize)
	factory := func(history []agent.ChatMessage) (*research.Orchestrator, error) {
		model := telemetry.InstrumentModel(agent.NewOpenAIModel(agent.OpenAIConfig{
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
			Timeout:     cfg.LLM.Timeout,
		}), tele)
		library := prompt.NewLibrary()
		planner, err := research.NewPlanner(model, library, history)
		if err != nil {
			return nil, err
		}
		researcherOpts := []research.ResearcherOption{
			research.WithRoundLimit(cfg.Research.RoundLimit),
			research.WithMaxToolIterations(cfg.Research.MaxToolIterations),
			research.WithResearchTools(instrumented...),
		}
		if tele != nil {
			researcherOpts = append(researcherOpts, research.WithDialogueObserver(tele.RecordDialogue))
		}
		researcher := research.NewResearcher(model, library, executor, researcherOpts...)
		reporter := research.NewReporter(model, library, executor)
		return research.NewOrchestrator(planner, researcher, reporter), nil
	}
	return factory, executor.Close
}

// BuildToolset assembles the assistant tool surface: MCP servers when a
// config file is given, the built-in web tools otherwise.
func BuildToolset(ctx context.Context, cfg config.ToolsConfig) ([]tools.Tool, func(), error) {
	if cfg.MCPConfigPath != "" {
		servers, err := tools.LoadMCPConfig(cfg.MCPConfigPath)
		if err != nil {
			return nil, nil, err
		}
		kit, err := tools.ConnectMCP(ctx, servers)
		if err != nil {
			return nil, nil, err
		}
		return kit.Tools(), func() { kit.Close() }, nil
	}

	var toolset []tools.Tool
	apiKey := cfg.WebSearch.BraveAPIKey
	provider := tools.ProviderBrave
	if cfg.WebSearch.Provider == "serper" {
		apiKey = cfg.WebSearch.SerperAPIKey
		provider = tools.ProviderSerper
	}
	if apiKey != "" {
		searcher, err := tools.NewSearcher(provider, apiKey)
		if err != nil {
			return nil, nil, err
		}
		toolset = append(toolset, tools.NewWebSearchTool(searcher, cfg.WebSearch.MaxResults))
	}
	toolset = append(toolset, tools.NewWebFetchTool(cfg.WebFetch.Timeout, cfg.WebFetch.MaxChars))
	return toolset, func() {}, nil
}
