package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/unclebandit/followup-engine/internal/service"
)

// Ticker publishes each trigger on its own interval until the context ends.
// A zero interval disables that trigger.
type Ticker struct {
	Queue     Queue
	Intervals map[service.Trigger]time.Duration
	Logger    *slog.Logger
}

func (t *Ticker) Run(ctx context.Context) {
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var wg sync.WaitGroup
	for trig, every := range t.Intervals {
		if every <= 0 {
			continue
		}
		wg.Add(1)
		go func(trig service.Trigger, every time.Duration) {
			defer wg.Done()
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			logger.Info("trigger ticker started", "trigger", trig, "interval", every)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := t.Queue.Publish(TopicTriggers, TriggerMessage{Kind: trig}); err != nil {
						logger.Error("publishing trigger failed", "trigger", trig, "error", err)
					}
				}
			}
		}(trig, every)
	}
	wg.Wait()
}
