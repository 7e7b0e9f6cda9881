// internal/controller/trigger_controller.go
package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/followup-engine/internal/handler"
	"github.com/unclebandit/followup-engine/internal/queue"
	"github.com/unclebandit/followup-engine/internal/service"
)

type Runner interface {
	Run(ctx context.Context, t service.Trigger) (*service.Summary, error)
}

// TriggerController runs engine triggers on request. With ?async=true and a
// queue configured the trigger is published instead and the call returns 202.
type TriggerController struct {
	Engine Runner
	Queue  queue.Queue
	Logger *slog.Logger
}

func (c *TriggerController) Routes(r chi.Router) {
	r.Get("/healthz", c.Healthz)
	r.Route("/triggers", func(r chi.Router) {
		r.Post("/time-slot", c.trigger(service.TriggerTimeSlot))
		r.Post("/bounce-sweep", c.trigger(service.TriggerBounceSweep))
		r.Post("/maintenance", c.trigger(service.TriggerMaintenance))
	})
}

func (c *TriggerController) Healthz(w http.ResponseWriter, r *http.Request) {
	handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *TriggerController) trigger(t service.Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := c.Logger
		if logger == nil {
			logger = slog.Default()
		}

		if r.URL.Query().Get("async") == "true" && c.Queue != nil {
			if err := c.Queue.Publish(queue.TopicTriggers, queue.TriggerMessage{Kind: t}); err != nil {
				logger.Error("publishing trigger failed", "trigger", t, "error", err)
				handler.WriteError(w, err)
				return
			}
			handler.WriteJSON(w, http.StatusAccepted, map[string]string{"trigger": string(t), "status": "queued"})
			return
		}

		sum, err := c.Engine.Run(r.Context(), t)
		if err != nil {
			logger.Error("trigger failed", "trigger", t, "error", err)
			handler.WriteError(w, err)
			return
		}
		handler.WriteJSON(w, http.StatusOK, sum)
	}
}
