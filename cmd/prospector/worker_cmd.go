package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/prospector/pkg/config"
	"github.com/Mindburn-Labs/prospector/pkg/worker"
)

// runWorkerCmd runs standalone job workers against the shared database. The
// queue's lease claims make extra processes safe; REDIS_ADDR additionally
// shares the per-host fetch budget between them.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("worker", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		workers int
		id      string
	)
	cmd.IntVar(&workers, "workers", 1, "Number of concurrent workers")
	cmd.StringVar(&id, "id", "", "Worker identity prefix (default: generated)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if workers < 1 {
		fmt.Fprintln(stderr, "Error: --workers must be at least 1")
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	eng, err := buildEngine(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "engine init failed: %v\n", err)
		return 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		opts := worker.Options{
			PollInterval: cfg.WorkerPollInterval,
			StaleAfter:   time.Duration(cfg.StaleLeaseSeconds) * time.Second,
		}
		if id != "" {
			opts.ID = fmt.Sprintf("%s-%d", id, i)
		}
		w := worker.New(eng.Queue(), eng.Executors(), opts, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	fmt.Fprintf(stdout, "%d worker(s) running, press ctrl+c to stop\n", workers)
	<-ctx.Done()
	wg.Wait()
	logger.Info("workers stopped")
	return 0
}
