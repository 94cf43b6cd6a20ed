package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/txkodo/claude-code-web/internal/agent"
	"github.com/txkodo/claude-code-web/internal/approval"
	"github.com/txkodo/claude-code-web/internal/config"
	"github.com/txkodo/claude-code-web/internal/logging"
	"github.com/txkodo/claude-code-web/internal/server/app"
	serverHTTP "github.com/txkodo/claude-code-web/internal/server/http"
	"github.com/txkodo/claude-code-web/internal/session"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "claude-code-web",
		Short: "Web server for driving coding agent sessions from a browser",
		Long: "claude-code-web exposes coding agent sessions over REST and websockets:\n" +
			"chat messages, live event streams, and tool approval prompts.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

const version = "0.2.0"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("claude-code-web %s\n", version)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("Main")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	broker := approval.NewBroker()
	factory := buildAgentFactory(cfg, broker, logger)

	sessions := session.NewRegistry(factory, logging.NewComponentLogger("SessionRegistry"))
	broadcaster := app.NewEventBroadcaster(metrics)
	svc := app.NewService(sessions, broadcaster, broker, metrics)

	router := serverHTTP.NewRouter(svc, metrics, registry, serverHTTP.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		EventBuffer:    cfg.EventBuffer,
	}, logger)

	srv := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Websocket connections stay open indefinitely.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening on %s (agent=%s fake=%v)", cfg.Addr(), cfg.AgentCommand, cfg.FakeAgent)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return svc.Shutdown()
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func buildAgentFactory(cfg config.Config, broker *approval.Broker, logger logging.Logger) agent.Factory {
	logger = logging.OrNop(logger)
	if cfg.FakeAgent {
		logger.Warn("using fake agent; no real coding agent will run")
		return agent.NewEchoFactory(200 * time.Millisecond)
	}
	return agent.NewClaudeFactory(agent.ClaudeOptions{
		Command: cfg.AgentCommand,
		Broker:  broker,
		PermissionURL: func(token string) string {
			return fmt.Sprintf("http://%s/api/permissions/%s", cfg.Addr(), token)
		},
		Logger: logging.NewComponentLogger("ClaudeAgent"),
	})
}
