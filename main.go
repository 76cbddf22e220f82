package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/fablecraft/orchestrator/internal/config"
	"github.com/fablecraft/orchestrator/internal/domain"
	"github.com/fablecraft/orchestrator/internal/engine"
	"github.com/fablecraft/orchestrator/internal/eventbus"
	"github.com/fablecraft/orchestrator/internal/invoker"
	"github.com/fablecraft/orchestrator/internal/lifecycle"
	"github.com/fablecraft/orchestrator/internal/llm"
	"github.com/fablecraft/orchestrator/internal/policy"
	"github.com/fablecraft/orchestrator/internal/search"
	"github.com/fablecraft/orchestrator/internal/store"
	handler "github.com/fablecraft/orchestrator/internal/transport/http"
	"github.com/fablecraft/orchestrator/internal/transport/ws"
)

const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Multi-agent narrative generation orchestrator",
	}
	root.AddCommand(serveCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}

func serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for runs to reach a checkpoint on shutdown")
	return cmd
}

func serve(shutdownTimeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log.Printf("Starting orchestrator...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LLM URL: %s", cfg.LLMBaseURL)

	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	bus := eventbus.New(db)
	llmClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	inv := invoker.New(llmClient, cfg.Pipeline)
	searcher := search.NewMemorySearcher()
	eng := engine.New(db, bus, inv, searcher, cfg.Pipeline)

	ctx := context.Background()
	admission, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("failed to initialize admission policy: %w", err)
	}

	manager := lifecycle.New(db, bus, eng, admission, cfg.Pipeline)
	restored, err := manager.RestoreAllInterruptedRuns(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore interrupted runs: %w", err)
	}
	if restored > 0 {
		log.Printf("INFO: restored %d interrupted run(s) as paused", restored)
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := handler.NewHandler(manager, bus, db, cfg.Pipeline.HeartbeatInterval())
	h.RegisterRoutes(e)
	wsServer := ws.NewServer(bus, db, cfg.Pipeline.HeartbeatInterval())
	wsServer.RegisterRoutes(e)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go trimEventLogs(janitorCtx, db, bus, cfg.Pipeline.EventRetention())

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Printf("Shutting down...")
	saved := manager.GracefulShutdown(ctx, shutdownTimeout)
	log.Printf("INFO: snapshotted %d active run(s)", saved)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: server shutdown: %v", err)
	}
	return nil
}

// trimEventLogs periodically removes terminal runs' events past the
// retention horizon. Active runs are never trimmed, so catch-up from
// offset 0 stays complete for any run a client can still stream.
func trimEventLogs(ctx context.Context, db store.Store, bus *eventbus.Bus, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		runs, err := db.ListRuns(ctx, []domain.RunStatus{
			domain.RunStatusCompleted,
			domain.RunStatusCancelled,
			domain.RunStatusFailed,
		})
		if err != nil {
			log.Printf("ERROR: retention scan failed: %v", err)
			continue
		}
		cutoff := time.Now().UTC().Add(-retention)
		for _, run := range runs {
			removed, err := bus.Trim(ctx, run.RunID, cutoff)
			if err != nil {
				log.Printf("WARN: trim failed for run %s: %v", run.RunID, err)
				continue
			}
			if removed > 0 {
				log.Printf("INFO: trimmed %d event(s) for run %s", removed, run.RunID)
			}
		}
	}
}
