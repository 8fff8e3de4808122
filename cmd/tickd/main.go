package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickd/internal/app"
	"tickd/internal/config"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

var version = "dev"

func main() {
	var (
		cfgPath string
		check   bool
		showVer bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to config json/yaml (defaults + TICKD_* env when empty)")
	flag.BoolVar(&check, "check", false, "print effective config, open the store and exit")
	flag.BoolVar(&showVer, "v", false, "print version and exit")
	flag.Parse()

	if showVer {
		fmt.Println("tickd", version)
		return
	}

	cfgm := config.NewConfigManager(cfgPath)
	if _, err := cfgm.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal config:", err)
		os.Exit(2)
	}

	if check {
		if err := runCheck(cfgm.Get()); err != nil {
			fmt.Fprintln(os.Stderr, "check failed:", err)
			os.Exit(1)
		}
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgm)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	// Scheduler shutdown is bounded by its own timeout; leave room for the remaining steps.
	grace := cfgm.Get().Scheduler.ShutdownTimeout.Or(config.DefaultShutdownTimeout) + 10*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stopped with error:", err)
		os.Exit(1)
	}
}

func runCheck(cfg *config.Config) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	redacted := *cfg
	if redacted.Ops.Token != "" {
		redacted.Ops.Token = "***"
	}
	if redacted.Notifier.Redis.Password != "" {
		redacted.Notifier.Redis.Password = "***"
	}
	if err := enc.Encode(redacted); err != nil {
		return err
	}

	st, err := storage.Open(app.StorageConfig(cfg), logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	counts, err := st.CountJobs(ctx)
	if err != nil {
		return err
	}
	open, err := st.ListOpenRuns(ctx)
	if err != nil {
		return fmt.Errorf("list open runs: %w", err)
	}
	fmt.Printf("store ok: driver=%s jobs=%d enabled=%d open_runs=%d\n",
		cfg.Storage.Driver, counts.Total, counts.Enabled, len(open))
	return nil
}
