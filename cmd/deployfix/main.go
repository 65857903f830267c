package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/deployfix/internal/api"
	"github.com/odvcencio/deployfix/internal/auth"
	"github.com/odvcencio/deployfix/internal/config"
	"github.com/odvcencio/deployfix/internal/database"
	"github.com/odvcencio/deployfix/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const usage = `Usage: deployfix <command> [flags]

Commands:
  serve    Start the HTTP server (and pipeline workers unless -workers=false)
  worker   Run pipeline workers and the scheduler without the HTTP server
  migrate  Run database migrations
  token    Issue an API token for a user
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = cmdServe(os.Args[2:])
	case "worker":
		err = cmdWorker(os.Args[2:])
	case "migrate":
		err = cmdMigrate(os.Args[2:])
	case "token":
		err = cmdToken(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func setupLogging() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

func cmdServe(args []string) error {
	setupLogging()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	withWorkers := fs.Bool("workers", true, "run pipeline workers and the scheduler in this process")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := initTracing(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(traceShutdown)

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	svc, err := service.New(service.Options{
		DB:                  rt.db,
		Queue:               rt.queue,
		Secrets:             rt.box,
		GitHubWebhookSecret: cfg.GitHub.WebhookSecret,
		AgentCallbackSecret: cfg.Agent.CallbackSecret,
		IdempotencyTTL:      config.Duration(cfg.Pipeline.IdempotencyTTL, 24*time.Hour),
	})
	if err != nil {
		return err
	}
	authSvc := auth.NewService(cfg.Auth.JWTSecret, config.Duration(cfg.Auth.TokenDuration, 24*time.Hour))
	server, err := api.NewServer(api.ServerOptions{
		DB:                  rt.db,
		Auth:                authSvc,
		Service:             svc,
		MaxWebhookBodyBytes: cfg.Server.MaxWebhookBodyBytes,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if *withWorkers {
		if err := rt.startPipeline(gctx, g); err != nil {
			return err
		}
	}
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	serveHTTP(gctx, g, httpServer, "deployfix listening")
	return g.Wait()
}

func cmdWorker(args []string) error {
	setupLogging()

	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	metricsAddr := fs.String("metrics-addr", "", "address to expose /metrics on (disabled when empty)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if strings.TrimSpace(cfg.Secrets.MasterKey) == "" {
		return fmt.Errorf("DEPLOYFIX_MASTER_KEY must be set to decrypt access tokens")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := initTracing(ctx)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(traceShutdown)

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.startPipeline(gctx, g); err != nil {
		return err
	}
	if addr := strings.TrimSpace(*metricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		serveHTTP(gctx, g, &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}, "worker metrics listening")
	}
	return g.Wait()
}

// serveHTTP runs srv in g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, msg string) {
	g.Go(func() error {
		slog.Info(msg, "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down", "addr", srv.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func cmdMigrate(args []string) error {
	setupLogging()

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	slog.Info("migrations complete")
	return nil
}

func cmdToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	userID := fs.Int64("user-id", 0, "user id the token identifies")
	username := fs.String("username", "", "username recorded in the token")
	fs.Parse(args)

	if *userID <= 0 {
		return fmt.Errorf("-user-id is required")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	authSvc := auth.NewService(cfg.Auth.JWTSecret, config.Duration(cfg.Auth.TokenDuration, 24*time.Hour))
	token, err := authSvc.GenerateToken(*userID, *username)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
