// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/followup-engine/internal/app"
	"github.com/unclebandit/followup-engine/internal/config"
	"github.com/unclebandit/followup-engine/internal/controller"
	"github.com/unclebandit/followup-engine/internal/handler"
	"github.com/unclebandit/followup-engine/internal/logging"
	"github.com/unclebandit/followup-engine/internal/queue"
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
	// Without a broker the server consumes its own async triggers.
	if mem, ok := q.(*queue.InMemoryQueue); ok {
		if err := queue.StartTriggerSubscriber(ctx, mem, engine, logger); err != nil {
			logger.Error("subscribing to triggers", "error", err)
			os.Exit(1)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	(&controller.TriggerController{Engine: engine, Queue: q, Logger: logger}).Routes(r)
	(&handler.TrackedEmailHandler{Service: a.Admin(), Logger: logger}).Routes(r)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", "error", err)
		}
	}()

	logger.Info("server running", "addr", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
