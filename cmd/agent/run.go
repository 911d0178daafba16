package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/taskpilot/internal/errors"
	"github.com/example/taskpilot/internal/models"
	"github.com/example/taskpilot/internal/orchestrator"
)

type runFlags struct {
	goal           string
	provider       string
	model          string
	apiKey         string
	temperature    float64
	maxTokens      int
	maxLoops       int
	webSearch      bool
	searchProvider string
	mode           string
	language       string
	session        string
	jsonOutput     bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run the agent on a goal and print its messages",
		Example: `  taskpilot run "Plan a weekend trip to Lisbon"
  taskpilot run -g "Research solar panels" --web-search --provider openrouter`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.goal == "" {
				f.goal = strings.Join(args, " ")
			}
			if strings.TrimSpace(f.goal) == "" {
				return fmt.Errorf("a goal is required")
			}
			settings, err := f.settings()
			if err != nil {
				return err
			}
			return runGoal(cmd.Context(), g, f, settings, cmd.OutOrStdout())
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.goal, "goal", "g", "", "goal for the agent")
	fl.StringVarP(&f.provider, "provider", "p", "", "model provider: groq, openrouter or cohere")
	fl.StringVarP(&f.model, "model", "m", "", "model name (provider default when empty)")
	fl.StringVar(&f.apiKey, "api-key", "", "your own key for the provider; lifts the demo limits")
	fl.Float64Var(&f.temperature, "temperature", 0, "sampling temperature (configured default when 0)")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "max tokens per completion (configured default when 0)")
	fl.IntVar(&f.maxLoops, "max-loops", 0, "loop limit (5 for demo runs, 25 with your own key)")
	fl.BoolVar(&f.webSearch, "web-search", false, "let the agent search the web")
	fl.StringVar(&f.searchProvider, "search-provider", "", "duckduckgo or serper")
	fl.StringVar(&f.mode, "mode", "automatic", "automatic or stepwise (press Enter to run each task)")
	fl.StringVar(&f.language, "language", "English", "language of tasks and answers")
	fl.StringVar(&f.session, "session", "", "session id for the token budget (random when empty)")
	fl.BoolVar(&f.jsonOutput, "json", false, "print messages as JSON lines")
	return cmd
}

func (f *runFlags) settings() (models.ModelSettings, error) {
	s := models.ModelSettings{
		Model:          f.model,
		Temperature:    f.temperature,
		MaxTokens:      f.maxTokens,
		MaxLoops:       f.maxLoops,
		WebSearch:      f.webSearch,
		SearchProvider: f.searchProvider,
	}
	if f.provider != "" {
		p, ok := models.ParseProvider(f.provider)
		if !ok {
			return s, fmt.Errorf("unknown provider %q", f.provider)
		}
		s.Provider = p
	}
	if f.apiKey != "" {
		switch s.Provider {
		case models.ProviderOpenRouter:
			s.OpenRouterAPIKey = f.apiKey
		case models.ProviderCohere:
			s.CohereAPIKey = f.apiKey
		default:
			s.Provider = models.ProviderGroq
			s.GroqAPIKey = f.apiKey
		}
	}
	return s, nil
}

func runGoal(ctx context.Context, g *globalFlags, f *runFlags, settings models.ModelSettings, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := setup(ctx, g)
	if err != nil {
		return err
	}
	defer d.close()
	orch := d.orchestrator()

	printer := newPrinter(out, f.jsonOutput)
	h, err := orch.Start(ctx, orchestrator.StartRequest{
		Goal:      f.goal,
		Language:  f.language,
		SessionID: f.session,
		Settings:  settings,
		Mode:      orchestrator.ParseMode(f.mode),
		Sink:      printer.print,
	})
	if err != nil {
		return err
	}

	if h.Agent.Snapshot().Mode == orchestrator.ModeStepwise {
		go resumeOnEnter(ctx, os.Stdin, h)
	}

	select {
	case <-h.Done():
	case <-ctx.Done():
		_ = orch.Stop(h.ID())
		<-h.Done()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = orch.Shutdown(shutdownCtx)

	snap := h.Agent.Snapshot()
	if !f.jsonOutput {
		fmt.Fprintf(out, "\n%s after %d of %d loops (%s), %d tasks completed\n",
			snap.State, min(snap.Loops, snap.MaxLoops), snap.MaxLoops, snap.Reason, len(snap.Completed))
	}
	if err := h.Err(); err != nil {
		return errors.New(errors.UserMessage(err))
	}
	return nil
}

// resumeOnEnter lets a stepwise run continue one task per line read.
func resumeOnEnter(ctx context.Context, in io.Reader, h *orchestrator.Handle) {
	buf := make([]byte, 256)
	for {
		if _, err := in.Read(buf); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-h.Done():
			return
		default:
			h.Agent.Resume()
		}
	}
}

type printer struct {
	out  io.Writer
	json bool
	enc  *json.Encoder
}

func newPrinter(out io.Writer, asJSON bool) *printer {
	return &printer{out: out, json: asJSON, enc: json.NewEncoder(out)}
}

func (p *printer) print(m models.Message) {
	if p.json {
		_ = p.enc.Encode(m)
		return
	}
	fmt.Fprintln(p.out, formatMessage(m))
}

func formatMessage(m models.Message) string {
	switch m.Type {
	case models.MessageGoal:
		return "Goal: " + m.Value
	case models.MessageTask:
		line := fmt.Sprintf("[%s] %s", m.Status, m.Value)
		if m.Status == models.StatusCompleted && m.Info != "" {
			line += "\n" + indent(m.Info, "    ")
		}
		return line
	case models.MessageError:
		return "error: " + m.Value
	case models.MessageAction:
		return "  > " + m.Value
	default:
		return m.Value
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
