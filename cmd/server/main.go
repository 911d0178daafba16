package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/taskpilot/internal/agents"
	"github.com/example/taskpilot/internal/api"
	"github.com/example/taskpilot/internal/budget"
	"github.com/example/taskpilot/internal/config"
	"github.com/example/taskpilot/internal/logging"
	"github.com/example/taskpilot/internal/orchestrator"
	"github.com/example/taskpilot/internal/providers/llm"
	"github.com/example/taskpilot/internal/storage"
)

func main() {
	var configFile, envFile string
	cmd := &cobra.Command{
		Use:           "taskpilot-server",
		Short:         "Serve the task agent HTTP API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile, envFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file (default ./taskpilot.yaml)")
	cmd.Flags().StringVar(&envFile, "env", "", "path to a .env file (default .env)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskpilot-server:", err)
		os.Exit(1)
	}
}

func run(configFile, envFile string) error {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   budget.Store = budget.NewMemoryStore()
		logs    api.Logs
		session orchestrator.SessionLog
	)
	if cfg.Storage.DSN != "" {
		db, err := storage.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		store, logs, session = db, db, db
		logger.Info("storage ready", "dsn", cfg.Storage.DSN)
	} else {
		logger.Warn("no storage DSN, token budgets are kept in memory")
	}

	gate := budget.NewGate(store, cfg.BudgetConfig(), logger)
	factory := &agents.Factory{
		Defaults: cfg.LLMDefaults(),
		Gate:     gate,
		Limiter:  llm.NewLimiter(cfg.LLM.RatePerMinute, cfg.LLM.RateBurst),
		Search:   cfg.SearchConfig(),
		Logger:   logger,
	}
	orch := orchestrator.New(factory, orchestrator.Options{
		MessageDelay: cfg.Server.MessageDelay,
		Log:          session,
		Budget:       gate,
		Logger:       logger,
		Retention:    cfg.Server.RunRetention,
	})
	srv := api.New(orch, api.Options{
		Tokens:      gate,
		Logs:        logs,
		Logger:      logger,
		AllowOrigin: cfg.Server.AllowOrigin,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr, "provider", cfg.LLM.Provider)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs did not stop in time", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", slog.Any("error", err))
		return err
	}
	return nil
}
