// Package main is the entry point for the orchestrator daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentforge/orchestrator/internal/askuser"
	"github.com/agentforge/orchestrator/internal/config"
	"github.com/agentforge/orchestrator/internal/logger"
	"github.com/agentforge/orchestrator/internal/proxy"
	"github.com/agentforge/orchestrator/internal/queue"
	"github.com/agentforge/orchestrator/internal/recovery"
	"github.com/agentforge/orchestrator/internal/scheduler"
	"github.com/agentforge/orchestrator/internal/session"
	"github.com/agentforge/orchestrator/internal/store"
	"github.com/agentforge/orchestrator/internal/subprocess"
	"github.com/agentforge/orchestrator/internal/transport"
)

// shutdownGracePeriod bounds the graceful shutdown sequence; the process
// exits unconditionally once it elapses rather than risk hanging forever
// on a stuck connection or subprocess.
const shutdownGracePeriod = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file (optional; env ORCH_* and built-in defaults otherwise apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting orchestrator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(store.Config{
		Path:                  cfg.Store.Path,
		SessionTTL:            cfg.Store.SessionTTL,
		CleanupInterval:       cfg.Store.CleanupInterval,
		PartialTextBatchEvery: cfg.Store.PartialTextBatchEvery,
	}, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()
	go st.RunGC(ctx)
	defer st.StopGC()
	log.Info("store opened", zap.String("path", cfg.Store.Path))

	attachDir := filepath.Join(os.TempDir(), "orchestrator-attachments")
	if err := os.MkdirAll(attachDir, 0o700); err != nil {
		log.Fatal("failed to create attachment staging directory", zap.Error(err))
	}
	sp := subprocess.New(cfg.Subprocess, attachDir, log)
	defer sp.Close()

	secret, err := askuser.GenerateSecret()
	if err != nil {
		log.Fatal("failed to generate ask-user bearer secret", zap.Error(err))
	}
	// The ask_user/notify_user tool plugins the assistant spawns call back
	// over loopback HTTP; they find the address and bearer secret in the
	// child's environment.
	sp.SetBaseEnv([]string{
		"ORCH_CALLBACK_URL=http://" + cfg.AskUser.ListenAddr,
		"ORCH_CALLBACK_TOKEN=" + secret,
	})

	skillsDir := os.Getenv("ORCH_SKILLS_DIR")
	if skillsDir == "" {
		skillsDir = "skills"
	}
	_ = os.MkdirAll(skillsDir, 0o755)
	skills := session.NewSkillStore(skillsDir, log)
	defer skills.Close()
	prompts := session.NewPromptBuilder(skills)

	turns := session.NewActiveTurns()
	q := queue.New()

	// Fanout is the Broadcaster both the ask-user Bridge and the Session
	// Runner need at construction time, so it's built first; its own
	// chatBuffers dependency on the Runner is backfilled once the Runner
	// exists.
	fanout := proxy.New(turns, nil, st, 0, log)

	bridge := askuser.New(fanout, cfg.AskUser.Timeout, log)
	fanout.SetAskUser(bridge)

	runner := session.New(st, sp, prompts, turns, fanout, bridge, cfg.Subprocess, log)
	fanout.SetChatBuffers(runner)

	kanban := session.NewKanbanRunner(runner, cfg.Scheduler.TaskRetryLimit)

	sched := scheduler.New(st, kanban, fanout, cfg.Scheduler.TickInterval, cfg.Scheduler.MaxTaskWorkers, log)
	sched.Start(ctx)
	defer sched.Stop()

	supervisor := recovery.New(st, sched, 0, log)
	go supervisor.Run(ctx)

	gateway := transport.New(runner, fanout, bridge, st, turns, q, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	gateway.RegisterRoutes(router)

	// The tool-plugin callback surface listens on loopback only, separate
	// from the client-facing server.
	loopbackRouter := gin.New()
	loopbackRouter.Use(gin.Recovery())
	bridge.RegisterRoutes(loopbackRouter, secret)
	loopbackServer := &http.Server{
		Addr:    cfg.AskUser.ListenAddr,
		Handler: loopbackRouter,
	}
	go func() {
		log.Info("loopback callback server listening", zap.String("addr", cfg.AskUser.ListenAddr))
		if err := loopbackServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("loopback server failed", zap.Error(err))
		}
	}()

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down orchestrator")
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		cancel()
		turns.CancelAll()
		fanout.CloseAll()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}
		if err := loopbackServer.Shutdown(shutdownCtx); err != nil {
			log.Error("loopback server shutdown error", zap.Error(err))
		}
	}()

	select {
	case <-shutdownDone:
		log.Info("orchestrator stopped")
	case <-time.After(shutdownGracePeriod):
		log.Warn("shutdown grace period elapsed; forcing exit")
		os.Exit(1)
	}
}
