// Command gpuqueued runs the GPU job scheduler daemon: it wires the task
// store, GPU probe, session runner, scheduler core, and REST façade into a
// single process with an explicit start/shutdown lifecycle, per
// SPEC_FULL.md §9 ("no package-level state anywhere").
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coder/serpent"
	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"

	"github.com/gpuqueue/gpuqueue/internal/api"
	"github.com/gpuqueue/gpuqueue/internal/config"
	"github.com/gpuqueue/gpuqueue/internal/gpuprobe"
	"github.com/gpuqueue/gpuqueue/internal/scheduler"
	"github.com/gpuqueue/gpuqueue/internal/taskstore"
	"github.com/gpuqueue/gpuqueue/internal/tmuxrunner"
)

func main() {
	cmd := rootCommand()
	inv := cmd.Invoke(os.Args[1:]...)
	inv.Stdout = os.Stdout
	inv.Stderr = os.Stderr
	if err := inv.Run(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *serpent.Command {
	cfg := config.Default()
	return &serpent.Command{
		Use:     "gpuqueued",
		Short:   "Single-host GPU job scheduler daemon.",
		Options: config.Options(cfg),
		Handler: func(inv *serpent.Invocation) error {
			return serve(inv.Context(), cfg)
		},
	}
}

func newLogger(cfg *config.Config) slog.Logger {
	sinks := []slog.Sink{sloghuman.Sink(os.Stderr)}
	if cfg.Log.FilePath != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.FilePath,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		sinks = append(sinks, sloghuman.Sink(rotated))
	}
	return slog.Make(sinks...).Leveled(slog.LevelInfo)
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)

	if err := os.MkdirAll(cfg.RuntimeRoot, 0o755); err != nil {
		return xerrors.Errorf("create runtime root: %w", err)
	}

	store, err := taskstore.Open(
		filepath.Join(cfg.RuntimeRoot, "tasks.db"),
		filepath.Join(cfg.RuntimeRoot, "gpuqueue.lock"),
	)
	if err != nil {
		return xerrors.Errorf("open task store: %w", err)
	}
	defer store.Close()

	probe := gpuprobe.New(gpuprobe.Config{
		BinaryPath:      cfg.GPU.NvidiaSMIPath,
		EnableProcesses: cfg.GPU.EnableProcesses,
	})
	runner := tmuxrunner.New()

	shellInit := ""
	if cfg.ShellInitEnvVar != "" {
		shellInit = os.Getenv(cfg.ShellInitEnvVar)
	}

	sched, err := scheduler.New(scheduler.Dependencies{
		Log:          log.Named("scheduler"),
		Store:        store,
		Probe:        probe,
		Runner:       runner,
		RuntimeRoot:  cfg.RuntimeRoot,
		ShellInit:    shellInit,
		PollInterval: cfg.PollInterval,
	})
	if err != nil {
		return xerrors.Errorf("construct scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := sched.Start(ctx); err != nil {
		return xerrors.Errorf("start scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           api.NewRouter(log.Named("api"), sched, cfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(ctx, "listening", slog.F("addr", cfg.HTTP.Listen))
		serveErr <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info(ctx, "shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return xerrors.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "http server shutdown error", slog.Error(err))
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error(ctx, "scheduler shutdown error", slog.Error(err))
	}
	return nil
}
