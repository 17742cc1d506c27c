package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mtzanidakis/scriptcrew/internal/capability"
	"github.com/mtzanidakis/scriptcrew/internal/config"
	"github.com/mtzanidakis/scriptcrew/internal/control"
	"github.com/mtzanidakis/scriptcrew/internal/execution"
	"github.com/mtzanidakis/scriptcrew/internal/metrics"
	"github.com/mtzanidakis/scriptcrew/internal/natsbus"
	"github.com/mtzanidakis/scriptcrew/internal/scheduler"
	"github.com/mtzanidakis/scriptcrew/internal/store"
	"github.com/mtzanidakis/scriptcrew/internal/telegram"
	"github.com/mtzanidakis/scriptcrew/internal/vault"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("scriptcrew %s\n", version)
	case "serve":
		err = runServe()
	case "run":
		err = runOnce(os.Args[2:])
	case "vault":
		err = runVault(os.Args[2:])
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		slog.Error(os.Args[1]+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: scriptcrew <command>

Commands:
  serve              Start the crew service
  run <crew id>      Run one crew in the foreground and print the result
  vault              Manage encrypted secrets
  backup -f <file>   Archive the database and bus data
  restore -f <file>  Restore an archive
  version            Print version
`)
}

// engine is the execution stack shared by serve and run.
type engine struct {
	db      *store.Store
	bus     *natsbus.Bus
	client  *natsbus.Client
	runner  *execution.Runner
	metrics *metrics.Collector
}

func (e *engine) Close() {
	if e.client != nil {
		e.client.Close()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.db != nil {
		e.db.Close()
	}
}

func newEngine(cfg *config.Config) (*engine, error) {
	e := &engine{}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	e.db = db
	slog.Info("store initialized", "path", cfg.Store.Path)

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("init nats: %w", err)
	}
	e.bus = bus
	slog.Info("nats started", "port", cfg.NATS.Port)

	// The bus port is bound now, so no other instance owns this database and
	// whatever is still marked running was left by a dead process.
	recovered, err := db.RecoverInterrupted(time.Now())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		slog.Warn("marked interrupted tasks as failed", "count", recovered)
	}

	client, err := natsbus.NewClient(bus)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("nats client: %w", err)
	}
	e.client = client

	var secrets capability.SecretResolver
	if cfg.Vault.Passphrase != "" {
		v, err := vault.New(cfg.Vault.Passphrase)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
		secrets = capability.NewVaultSecrets(db, v)
	} else {
		slog.Warn("vault passphrase not set, secret references in llm_config will fail")
	}
	backend := capability.NewNATSRunner(client, cfg.Executor.CapabilitySubject, secrets)

	var rec execution.Recorder
	if cfg.Metrics.Enabled {
		e.metrics = metrics.NewCollector()
		rec = e.metrics
	}

	tasks := execution.NewTaskExecutor(db, backend, client, rec, cfg.Executor.TaskTimeout)
	exec := execution.NewCrewExecutor(db, tasks, client, rec, cfg.Executor.Parallel)
	e.runner = execution.NewRunner(db, exec, tasks, cfg.Executor.MaxConcurrent)

	if e.metrics != nil {
		e.metrics.WatchRunning(func() int { return len(e.runner.Running()) })
	}
	return e, nil
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting scriptcrew", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ctl := control.NewServer(e.client, cfg.Executor.ControlSubject, e.db, e.runner, cfg.Executor.TaskTimeout)
	if err := ctl.Start(); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	defer ctl.Close()

	sched := scheduler.New(e.db, e.runner, e.client, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, e.db, e.runner)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		e.runner.OnFinish(bot.Notify)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	if e.metrics != nil {
		go func() {
			if err := e.metrics.Serve(ctx, cfg.Metrics.Port); err != nil {
				slog.Error("metrics listener error", "error", err)
			}
		}()
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := e.runner.Shutdown(shutdownCtx); err != nil {
		slog.Warn("crew runs still active at shutdown", "error", err)
	}
	return nil
}

func runOnce(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: scriptcrew run <crew id>")
	}
	crewID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid crew id %q", args[0])
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	e, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := e.runner.Run(ctx, crewID)
	if res != nil {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		fmt.Println(string(out))
	}
	if runErr != nil {
		return runErr
	}
	if !res.Success && !res.Noop {
		return fmt.Errorf("crew %d did not complete", crewID)
	}
	return nil
}
