package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/engine"
	"github.com/kozaktomas/face-attendance/internal/extract"
	"github.com/kozaktomas/face-attendance/internal/gate"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/match"
	"github.com/kozaktomas/face-attendance/internal/store"
	"github.com/kozaktomas/face-attendance/internal/tasks"
	"github.com/kozaktomas/face-attendance/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance API server",
	Long: `Start the Face Attendance API server.
The server accepts enrollment and verification submissions, runs them
through the matching pipeline on a worker pool, and serves attendance
records and daily summaries.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// resolveServeHostPort resolves port and host from flags and environment variables.
func resolveServeHostPort(cmd *cobra.Command) (int, string) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		host = envHost
	}
	return port, host
}

// initTemplates connects to PostgreSQL and seeds the in-memory store from the
// durable template table. Returns nil when no DATABASE_URL is configured; the
// service then runs purely in memory.
func initTemplates(ctx context.Context, cfg *config.Config, s *store.Store) (*store.TemplateRepository, error) {
	if cfg.Database.PostgresURL == "" {
		fmt.Println("DATABASE_URL not set, templates are kept in memory only")
		return nil, nil
	}

	fmt.Println("Connecting to PostgreSQL database...")
	db, err := store.OpenPostgres(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	templates, err := store.NewTemplateRepository(ctx, db, cfg.Store.Dim)
	if err != nil {
		return nil, fmt.Errorf("preparing template repository: %w", err)
	}

	stored, err := templates.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}
	for _, tmpl := range stored {
		if err := s.Restore(tmpl); err != nil {
			return nil, fmt.Errorf("restoring template %s: %w", tmpl.ID, err)
		}
	}
	fmt.Printf("Loaded %d templates from PostgreSQL\n", len(stored))
	return templates, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	ctx := context.Background()

	db, err := tasks.OpenSQLite(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sqlite database: %w", err)
	}
	defer db.Close()

	taskStore, err := tasks.NewStore(db)
	if err != nil {
		return fmt.Errorf("preparing task store: %w", err)
	}
	attendance, err := ledger.New(db, cfg.Attendance.Cooldown)
	if err != nil {
		return fmt.Errorf("preparing attendance ledger: %w", err)
	}

	templateStore := store.New(cfg.Store.Dim, cfg.Store.Crossover)
	templates, err := initTemplates(ctx, cfg, templateStore)
	if err != nil {
		return err
	}

	eng := engine.New(
		extract.NewClient(cfg.Extractor.URL),
		gate.New(cfg.Gate),
		templateStore,
		match.New(templateStore, cfg.Match),
		attendance,
		templates,
	)

	orchestrator := tasks.NewOrchestrator(taskStore, eng, cfg.Tasks)
	if err := orchestrator.Recover(ctx); err != nil {
		return fmt.Errorf("recovering interrupted tasks: %w", err)
	}
	orchestrator.Start()
	defer orchestrator.Stop()

	// Hourly cleanup of terminal tasks past their TTL.
	scheduler := gocron.NewScheduler(time.UTC)
	if _, err := scheduler.Every(1).Hour().Do(func() {
		orchestrator.GC(context.Background())
	}); err != nil {
		return fmt.Errorf("scheduling task cleanup: %w", err)
	}
	scheduler.StartAsync()
	defer scheduler.Stop()

	port, host := resolveServeHostPort(cmd)
	server := web.NewServer(host, port, orchestrator, attendance, templateStore, templates)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting Face Attendance API on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
