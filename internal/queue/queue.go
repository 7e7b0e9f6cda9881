package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/service"
)

// TopicTriggers carries TriggerMessage payloads.
const TopicTriggers = "followup_triggers"

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// TriggerMessage asks a worker to run one engine trigger.
type TriggerMessage struct {
	Kind service.Trigger `json:"kind"`
}

// Runner is the part of the engine a subscriber needs.
type Runner interface {
	Run(ctx context.Context, t service.Trigger) (*service.Summary, error)
}

// InMemoryQueue delivers to subscribers in-process, retrying a failed
// handler with linear backoff.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]func(payload any) error
	wg       sync.WaitGroup

	Logger     *slog.Logger
	MaxRetries int
	Backoff    time.Duration
}

func NewInMemoryQueue(logger *slog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]func(payload any) error),
		Logger:     logger,
		MaxRetries: 3,
		Backoff:    500 * time.Millisecond,
	}
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Topic      string
	Payload    any
	RetryCount int
	MaxRetries int
}

// Publish hands the payload to every subscriber of topic.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := JobPayload{Topic: topic, Payload: payload, MaxRetries: q.MaxRetries}
		q.wg.Add(1)
		go q.processJob(handler, job)
	}
	return nil
}

func (q *InMemoryQueue) processJob(handler func(payload any) error, job JobPayload) {
	defer q.wg.Done()
	logger := q.logger()
	for {
		err := handler(job.Payload)
		if err == nil {
			logger.Debug("job processed", "topic", job.Topic)
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			logger.Error("job permanently failed", "topic", job.Topic, "attempts", job.RetryCount, "error", err)
			return
		}
		logger.Warn("job failed, retrying", "topic", job.Topic, "attempt", job.RetryCount, "max_retries", job.MaxRetries, "error", err)
		time.Sleep(time.Duration(job.RetryCount) * q.Backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every published job finished, retries included.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

func (q *InMemoryQueue) logger() *slog.Logger {
	if q.Logger == nil {
		return slog.Default()
	}
	return q.Logger
}

// DecodeTrigger accepts a TriggerMessage as published in-process or its JSON
// form as delivered by a broker.
func DecodeTrigger(payload any) (service.Trigger, error) {
	var msg TriggerMessage
	switch p := payload.(type) {
	case TriggerMessage:
		msg = p
	case *TriggerMessage:
		msg = *p
	case []byte:
		if err := json.Unmarshal(p, &msg); err != nil {
			return "", fmt.Errorf("decoding trigger message: %w", err)
		}
	default:
		return "", fmt.Errorf("unexpected trigger payload %T", payload)
	}
	return service.ParseTrigger(string(msg.Kind))
}

// StartTriggerSubscriber runs the engine for every trigger message on
// TopicTriggers. Undecodable messages and configuration errors are dropped
// since a retry cannot fix them; any other failure is returned for retry.
func StartTriggerSubscriber(ctx context.Context, q Queue, runner Runner, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	return q.Subscribe(TopicTriggers, func(payload any) error {
		trig, err := DecodeTrigger(payload)
		if err != nil {
			logger.Warn("dropping invalid trigger message", "error", err)
			return nil
		}

		sum, err := runner.Run(ctx, trig)
		if appErrors.IsConfigError(err) {
			logger.Error("trigger aborted by configuration error", "trigger", trig, "error", err)
			return nil
		}
		if err != nil {
			return fmt.Errorf("running %s: %w", trig, err)
		}
		logger.Info("trigger completed",
			"trigger", trig, "processed", sum.Processed, "sent", sum.Sent, "failed", sum.Failed,
			"cancelled", sum.Cancelled, "skipped", sum.Skipped, "soft_disabled", sum.SoftDisabled)
		return nil
	})
}
