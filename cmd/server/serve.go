package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"ptyhub/internal/config"
	"ptyhub/internal/identity"
	"ptyhub/internal/logging"
	"ptyhub/internal/realtime"
	"ptyhub/internal/session"
	"ptyhub/internal/store"
	"ptyhub/internal/watcher"
)

var serveFlags struct {
	host        string
	port        int
	db          string
	staticDir   string
	logLevel    string
	logFile     string
	maxSessions int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&serveFlags.host, "host", "", "listen host")
	f.IntVar(&serveFlags.port, "port", 0, "listen port")
	f.StringVar(&serveFlags.db, "db", "", "SQLite session registry path (empty keeps sessions in memory)")
	f.StringVar(&serveFlags.staticDir, "static-dir", "", "directory of static viewer files")
	f.StringVar(&serveFlags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	f.StringVar(&serveFlags.logFile, "log-file", "", "append logs to this file instead of stderr")
	f.IntVar(&serveFlags.maxSessions, "max-sessions", 0, "maximum concurrently running sessions")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = serveFlags.host
	}
	if f.Changed("port") {
		cfg.Port = serveFlags.port
	}
	if f.Changed("db") {
		cfg.DBPath = serveFlags.db
	}
	if f.Changed("static-dir") {
		cfg.StaticDir = serveFlags.staticDir
	}
	if f.Changed("log-level") {
		cfg.LogLevel = serveFlags.logLevel
	}
	if f.Changed("log-file") {
		cfg.LogFile = serveFlags.logFile
	}
	if f.Changed("max-sessions") {
		cfg.MaxSessions = serveFlags.maxSessions
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, cleanup, err := logging.Setup(cfg.LogFile, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// openStore returns the configured session registry and a function that
// closes it.
func openStore(cfg config.Config, logger *log.Logger) (session.Store, func(), error) {
	if cfg.DBPath == "" {
		logger.Warn("no db_path configured, sessions are kept in memory")
		return session.NewMemoryStore(), func() {}, nil
	}
	db, err := store.Open(store.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("close store", "error", err)
		}
	}, nil
}

func newLauncher(cfg config.Config) session.Launcher {
	shell := identity.Shell{Path: cfg.Shell, Login: cfg.LoginShell}
	if cfg.Launcher == config.LauncherSudo {
		return &identity.SudoLauncher{Shell: shell}
	}
	return &identity.CredentialLauncher{Shell: shell}
}

func serve(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	sessions, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	resolver := identity.NewResolver(cfg.AllowedHomePrefix)

	sup := session.NewSupervisor(session.SupervisorOptions{
		Launcher:       newLauncher(cfg),
		Resolver:       resolver,
		ReplayCapacity: cfg.ReplayCapacity,
		KillGrace:      cfg.KillGrace,
		Cols:           uint16(cfg.PTYCols),
		Rows:           uint16(cfg.PTYRows),
		Logger:         logger,
	})
	mux := session.NewMultiplexer(sessions, sup, session.MultiplexerOptions{
		QueueSize: cfg.ViewerQueue,
		Logger:    logger,
	})
	orch := session.NewOrchestrator(sessions, sup, mux, session.OrchestratorOptions{
		MaxRunning: cfg.MaxSessions,
		Logger:     logger,
	})

	if n, err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover sessions: %w", err)
	} else if n > 0 {
		logger.Warn("marked orphaned sessions failed", "count", n)
	}

	// The watcher callback is bound once the realtime server exists.
	var rtServer *realtime.Server
	var fileWatch *watcher.Watcher
	if cfg.WatchFiles {
		fileWatch = watcher.New(func(sessionID string, fileCount int) {
			if rtServer != nil {
				rtServer.OnFileUpdate(sessionID, fileCount)
			}
		}, watcher.Options{Debounce: cfg.WatchDebounce, Logger: logger})
		defer fileWatch.Shutdown()
	}

	rtServer = realtime.New(orch, realtime.Options{
		StaticDir: cfg.StaticDir,
		Users:     resolver,
		Watcher:   fileWatch,
		Version:   version,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		defer logging.LogPanic(logger, "http-server", nil)
		logger.Info("ptyhub server running", "addr", cfg.Addr(), "version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			orch.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	rtServer.Close()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session shutdown incomplete", "error", err)
	}
	return nil
}
