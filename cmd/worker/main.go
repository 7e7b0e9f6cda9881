package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/ingest"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/queue"
	"github.com/unclebandit/followup-engine/internal/service"
)

func main() {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		log.Fatal("loading config: ", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("opening datastore", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	engine, err := a.Engine(ctx)
	if err != nil {
		logger.Error("building engine", "error", err)
		os.Exit(1)
	}
	q, release, err := a.Queue()
	if err != nil {
		logger.Error("connecting queue", "error", err)
		os.Exit(1)
	}
	defer release()

	var wg sync.WaitGroup
	if poll := cfg.Ticker.IMAPPoll; poll > 0 {
		if err := startPoller(ctx, &wg, a, poll, logger); err != nil {
			logger.Error("starting bounce poller", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("worker running, waiting for triggers", "broker", cfg.AMQP.URL != "")
	if err := run(ctx, q, engine, app.Intervals(cfg.Ticker), logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	wg.Wait()
}

// run consumes triggers from q and publishes them on their intervals until
// ctx ends.
func run(ctx context.Context, q queue.Queue, runner queue.Runner, intervals map[service.Trigger]time.Duration, logger *slog.Logger) error {
	if err := queue.StartTriggerSubscriber(ctx, q, runner, logger); err != nil {
		return err
	}
	ticker := &queue.Ticker{Queue: q, Intervals: intervals, Logger: logger}
	ticker.Run(ctx)
	<-ctx.Done()
	if mem, ok := q.(*queue.InMemoryQueue); ok {
		mem.Wait()
	}
	return nil
}

// startPoller runs the IMAP bounce fetch on its own ticker.
func startPoller(ctx context.Context, wg *sync.WaitGroup, a *app.App, every time.Duration, logger *slog.Logger) error {
	fetcher, err := a.IMAPFetcher()
	if err != nil {
		return err
	}
	t := time.NewTicker(every)
	w := ingest.NewWorker(fetcher, a.Bounces(), t.C, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer t.Stop()
		w.Start(ctx)
	}()
	return nil
}
