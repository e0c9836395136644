package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/storyloom/internal/api"
	"github.com/user/storyloom/internal/scheduler"
	"github.com/user/storyloom/internal/telegram"
	"github.com/user/storyloom/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the storyloom daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "storyloom.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if cfg.AutosaveSchedule != "" {
		if err := scheduler.Validate(cfg.AutosaveSchedule); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := a.Close(closeCtx); err != nil {
			slog.Error("final save failed", "error", err)
		}
	}()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	a.notices.Register("", func(w types.WindowID, msg string) error {
		slog.Info("notice", "window", string(w), "message", msg)
		return nil
	})

	// Telegram adapter
	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.pool)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		a.notices.Register("telegram:", adapter.Deliver)
		go adapter.Start(ctx)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	// Autosave
	sched := scheduler.New(30 * time.Second)
	if cfg.AutosaveSchedule != "" {
		if err := sched.Autosave(cfg.AutosaveSchedule, a.pool); err != nil {
			return err
		}
	}
	sched.Start()
	defer sched.Stop()

	// HTTP API
	var httpServer *http.Server
	if cfg.HTTP.Addr != "" {
		httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.NewServer(a.pool),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("api server started", "listen", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("api server error", "error", err)
			}
		}()
	}

	slog.Info("storyloom started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"snapshot_limit", cfg.SnapshotLimit,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidFile,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, saving")
			if err := a.pool.Flush(ctx); err != nil {
				slog.Error("save on SIGHUP failed", "error", err)
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		if httpServer != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			httpServer.Shutdown(shutdownCtx)
			done()
		}
		return nil
	}
}
