package ingest

import (
	"context"
	"log/slog"
	"time"
)

// Fetcher pulls bounces from a remote folder into sink.
type Fetcher interface {
	Fetch(ctx context.Context, sink Sink) (Stats, error)
}

// Worker runs one fetch per tick
type Worker struct {
	Fetcher Fetcher
	Sink    Sink
	Ticks   <-chan time.Time
	Logger  *slog.Logger
}

func NewWorker(f Fetcher, sink Sink, ticks <-chan time.Time, logger *slog.Logger) *Worker {
	return &Worker{
		Fetcher: f,
		Sink:    sink,
		Ticks:   ticks,
		Logger:  loggerOr(logger),
	}
}

// Start fetches on every tick until ticks closes or ctx ends. A failed poll
// is logged and the next tick tries again.
func (w *Worker) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Ticks:
			if !ok {
				return
			}
			st, err := w.Fetcher.Fetch(ctx, w.Sink)
			if err != nil {
				w.Logger.Error("bounce poll failed", "error", err)
				continue
			}
			w.Logger.Debug("bounce poll finished", "imported", st.Imported, "skipped", st.Skipped)
		}
	}
}
