package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/agent"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/orchestrator"
	"github.com/agentdeck/agentdeck/internal/permission"
	"github.com/agentdeck/agentdeck/internal/server"
	"github.com/agentdeck/agentdeck/internal/storage"
)

var (
	servePort int
	serveHost string
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agentdeck server",
	Long: `Start the websocket and HTTP server that hosts agent sessions.

Sessions outlive client connections: a client may disconnect while the
agent keeps working and reconnect later to catch up on what it missed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "hostname", "", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
	}
	if serveHost != "" {
		cfg.Host = serveHost
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(level),
		Pretty: cfg.Log.Pretty || logPretty,
	})
	logging.Info().
		Str("version", Version).
		Str("workDir", workDir).
		Msg("starting agentdeck server")

	storageDir := cfg.StorageDir
	if storageDir == "" {
		storageDir = paths.StoragePath()
	}
	store := storage.New(storageDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	global, err := permission.LoadGlobalAllowlist(ctx, store)
	if err != nil {
		return err
	}
	if len(global.Patterns()) == 0 && len(cfg.AllowedTools) > 0 {
		global.Replace(cfg.AllowedTools)
	}
	go func() {
		if err := global.Watch(ctx); err != nil {
			logging.Warn().Err(err).Msg("global allowlist watcher stopped")
		}
	}()

	bus := event.NewBus()
	hub := server.NewHub()

	factory := func(opts agent.Options) (agent.Adapter, error) {
		opts.Command = cfg.Agent.Command
		opts.Args = cfg.Agent.Args
		if opts.WorkingDir == "" {
			opts.WorkingDir = workDir
		}
		return agent.NewCLIAdapter(opts)
	}

	orch := orchestrator.New(store, global, hub, factory, bus,
		orchestrator.WithHistoryWindow(cfg.HistoryWindow),
		orchestrator.WithDefaultPermissionMode(cfg.DefaultPermissionMode),
	)
	hub.SetOrchestrator(orch)

	srv := server.New(cfg, hub, orch, store, global, bus)

	go func() {
		logging.Info().
			Str("host", cfg.Host).
			Int("port", cfg.Port).
			Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	cancel()

	orch.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown")
	}
	bus.Close()

	logging.Info().Msg("server stopped")
	return nil
}
