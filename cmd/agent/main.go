// Command taskpilot runs the task agent from the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/config"
	"github.com/example/taskpilot/internal/logging"
	"github.com/example/taskpilot/internal/orchestrator"
	"github.com/example/taskpilot/internal/providers/llm"
	"github.com/example/taskpilot/internal/storage"
)

type globalFlags struct {
	configFile string
	envFile    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskpilot:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "taskpilot",
		Short:         "Autonomous task agent",
		Long:          "taskpilot breaks a goal into tasks, works through them with an LLM and proposes follow-ups until the goal is done.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "path to a YAML config file (default ./taskpilot.yaml)")
	root.PersistentFlags().StringVar(&g.envFile, "env", "", "path to a .env file (default .env)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(newRunCmd(g), newTokensCmd(g))
	return root
}

// deps is the wiring shared by the subcommands.
type deps struct {
	cfg    *config.Config
	logger *slog.Logger
	gate   *budget.Gate
	db     *storage.DB
	closer []func() error
}

func (d *deps) close() {
	for i := len(d.closer) - 1; i >= 0; i-- {
		_ = d.closer[i]()
	}
}

func setup(ctx context.Context, g *globalFlags) (*deps, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: g.configFile, EnvFile: g.envFile})
	if err != nil {
		return nil, err
	}
	opts := cfg.LoggingOptions()
	// The terminal belongs to the run output; keep logs quiet unless asked.
	opts.Level = "warn"
	if g.verbose {
		opts.Level = "debug"
	}
	logger, closeLog, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	d := &deps{cfg: cfg, logger: logger, closer: []func() error{closeLog}}

	var store budget.Store = budget.NewMemoryStore()
	if cfg.Storage.DSN != "" {
		db, err := storage.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			d.close()
			return nil, err
		}
		d.db = db
		d.closer = append(d.closer, db.Close)
		store = db
	}
	d.gate = budget.NewGate(store, cfg.BudgetConfig(), logger)
	return d, nil
}

func (d *deps) orchestrator() *orchestrator.Orchestrator {
	factory := &agents.Factory{
		Defaults: d.cfg.LLMDefaults(),
		Gate:     d.gate,
		Limiter:  llm.NewLimiter(d.cfg.LLM.RatePerMinute, d.cfg.LLM.RateBurst),
		Search:   d.cfg.SearchConfig(),
		Logger:   d.logger,
	}
	opts := orchestrator.Options{
		MessageDelay: d.cfg.Server.MessageDelay,
		Budget:       d.gate,
		Logger:       d.logger,
	}
	if d.db != nil {
		opts.Log = d.db
	}
	return orchestrator.New(factory, opts)
}
