// Command sandbox is the reference execution server run inside each threadbox
// sandbox container. It serves the protocol the daemon's execution client
// speaks:
//
//	GET  /health                 200 once the server accepts sessions
//	POST /session                {"id": "..."}
//	POST /session/{id}/prompt    {"text": "..."} -> {"text": "..."}
//
// Each prompt is handed to an agent command (THREADBOX_AGENT_CMD) on stdin,
// run inside the session's workspace directory; its stdout is the reply.
// Requests must carry the container's THREADBOX_TOKEN as a bearer token.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
)

type config struct {
	addr           string
	token          string
	workspaceRoot  string
	agentCmd       []string
	promptTimeout  time.Duration
	maxOutputBytes int
}

func loadConfig() config {
	cfg := config{
		addr:           ":8080",
		token:          os.Getenv("THREADBOX_TOKEN"),
		workspaceRoot:  "/var/threadbox",
		agentCmd:       []string{"sh", "-c", "cat"},
		promptTimeout:  10 * time.Minute,
		maxOutputBytes: 1 << 20,
	}
	if v := os.Getenv("SANDBOX_ADDR"); v != "" {
		cfg.addr = v
	}
	if v := os.Getenv("SANDBOX_WORKSPACE"); v != "" {
		cfg.workspaceRoot = v
	}
	if v := os.Getenv("THREADBOX_AGENT_CMD"); v != "" {
		cfg.agentCmd = strings.Fields(v)
	}
	if v := os.Getenv("SANDBOX_PROMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.promptTimeout = d
		}
	}
	if v := os.Getenv("SANDBOX_MAX_OUTPUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.maxOutputBytes = n
		}
	}
	return cfg
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "sandbox")
	cfg := loadConfig()

	sessions := newSessionManager(cfg.workspaceRoot)
	run := newRunner(cfg.agentCmd, cfg.promptTimeout, cfg.maxOutputBytes)
	srv := &http.Server{
		Addr:         cfg.addr,
		Handler:      newServer(cfg.token, sessions, run.run, logger),
		ReadTimeout:  time.Minute,
		WriteTimeout: cfg.promptTimeout + time.Minute,
		IdleTimeout:  30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("listening", "addr", cfg.addr, "agent", strings.Join(cfg.agentCmd, " "))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
}
