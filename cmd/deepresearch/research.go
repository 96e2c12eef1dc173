package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parsmind/deepresearch/config"
	"github.com/parsmind/deepresearch/internal/agent"
	srv "github.com/parsmind/deepresearch/internal/server"
	"github.com/parsmind/deepresearch/internal/stream"
)

// researchCMD runs a single research query from the terminal, without
// the HTTP server or database. Plan pauses are answered on stdin.
func researchCMD() *cobra.Command {
	var cfgPath string
	var cmd = &cobra.Command{
		Use:   "research [query]",
		Short: "Run one research query in the console",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			return runConsole(cmd.Context(), cfg, strings.Join(args, " "))
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

func runConsole(ctx context.Context, cfg *config.Config, query string) error {
	toolset, cleanup, err := srv.BuildToolset(ctx, cfg.Tools)
	if err != nil {
		return err
	}
	defer cleanup()

	factory, closeExecutor := srv.NewOrchestratorFactory(cfg, toolset, nil)
	defer closeExecutor()
	reader := bufio.NewReader(os.Stdin)
	history := []agent.ChatMessage{}
	input := query

	for {
		orch, err := factory(history)
		if err != nil {
			return err
		}
		gen := orch.Stream(ctx, input)
		for {
			m, ok := gen.Next()
			if !ok {
				break
			}
			printMessage(m)
		}
		result, err := gen.Result()
		if err != nil {
			return err
		}
		if !result.RequireUserInteractive {
			fmt.Println()
			return nil
		}
		// The planner paused. Carry the dialogue so far into the next
		// orchestrator and rerun with the user's answer.
		assistant := result.PlanDraft
		if assistant == "" {
			assistant = result.RequireUserFeedback
		}
		history = append(history,
			agent.ChatMessage{Role: agent.RoleUser, Content: input},
			agent.ChatMessage{Role: agent.RoleAssistant, Content: assistant},
		)
		fmt.Printf("\n%s\n\n> ", assistant)
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		input = strings.TrimSpace(line)
	}
}

func printMessage(m stream.Message) {
	if phase := m.Meta(stream.MetaOrchestrationPhase); phase != "" {
		fmt.Printf("\n--- %s ---\n", phase)
		return
	}
	switch m.Type {
	case stream.TypeStart, stream.TypeChunk:
		fmt.Print(m.Text)
	case stream.TypeEnd:
		fmt.Println(m.Text)
	case stream.TypeComplete:
		if m.ToolCall != nil {
			fmt.Printf("\n[tool] %s\n", m.ToolCall.ToolName)
		} else if m.Text != "" {
			fmt.Println(m.Text)
		}
	case stream.TypeError:
		fmt.Fprintf(os.Stderr, "\nstream error: %s\n", m.ErrorMessage)
	}
}
