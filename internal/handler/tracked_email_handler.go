// internal/handler/tracked_email_handler.go
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/service"
)

// TrackedEmailHandler exposes the administrative actions on tracked emails.
type TrackedEmailHandler struct {
	Service *service.AdminService
	Logger  *slog.Logger
}

func (h *TrackedEmailHandler) Routes(r chi.Router) {
	r.Route("/tracked-emails", func(r chi.Router) {
		r.Post("/", h.CreateHandler)
		r.Get("/", h.ListHandler)
		r.Get("/{id}", h.GetHandler)
		r.Post("/{id}/stop", h.StopHandler)
		r.Post("/{id}/resume", h.ResumeHandler)
		r.Post("/{id}/responses", h.RecordResponseHandler)
		r.Post("/{id}/manual-contacts", h.RecordManualContactHandler)
	})
}

func (h *TrackedEmailHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func emailID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid tracked email id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// CreateHandler registers an original email for follow-up tracking.
func (h *TrackedEmailHandler) CreateHandler(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MailboxID         int64      `json:"mailbox_id"`
		SenderEmail       string     `json:"sender_email"`
		RecipientEmail    string     `json:"recipient_email"`
		Subject           string     `json:"subject"`
		ConversationID    string     `json:"conversation_id"`
		InternetMessageID string     `json:"internet_message_id"`
		NativeMessageID   string     `json:"native_message_id"`
		SentAt            *time.Time `json:"sent_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.MailboxID == 0 || payload.RecipientEmail == "" {
		http.Error(w, "mailbox_id and recipient_email are required", http.StatusBadRequest)
		return
	}

	e := &model.TrackedEmail{
		MailboxID:         payload.MailboxID,
		SenderEmail:       payload.SenderEmail,
		RecipientEmail:    payload.RecipientEmail,
		Subject:           payload.Subject,
		ConversationID:    payload.ConversationID,
		InternetMessageID: payload.InternetMessageID,
		NativeMessageID:   payload.NativeMessageID,
	}
	if payload.SentAt != nil {
		e.SentAt = payload.SentAt.UTC()
	}
	if err := h.Service.Track(r.Context(), e); err != nil {
		h.logger().Error("tracking email failed", "error", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, e)
}

// ListHandler pages through tracked emails, optionally filtered by status
// and mailbox_id.
func (h *TrackedEmailHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	f := repository.EmailFilter{Status: model.EmailStatus(q.Get("status"))}
	if raw := q.Get("mailbox_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid mailbox_id", http.StatusBadRequest)
			return
		}
		f.MailboxID = id
	}

	emails, pagination, err := h.Service.List(r.Context(), page, pageSize, f)
	if err != nil {
		h.logger().Error("listing tracked emails failed", "error", err)
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"data":       emails,
		"pagination": pagination,
	})
}

func (h *TrackedEmailHandler) GetHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := emailID(w, r)
	if !ok {
		return
	}
	e, followups, err := h.Service.Get(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tracked_email": e,
		"followups":     followups,
	})
}

func (h *TrackedEmailHandler) StopHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := emailID(w, r)
	if !ok {
		return
	}
	e, err := h.Service.Stop(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (h *TrackedEmailHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := emailID(w, r)
	if !ok {
		return
	}
	e, err := h.Service.Resume(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (h *TrackedEmailHandler) RecordResponseHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := emailID(w, r)
	if !ok {
		return
	}
	var payload struct {
		FromAddress string     `json:"from_address"`
		ReceivedAt  *time.Time `json:"received_at,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var at time.Time
	if payload.ReceivedAt != nil {
		at = payload.ReceivedAt.UTC()
	}
	e, err := h.Service.RecordResponse(r.Context(), id, payload.FromAddress, at)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, e)
}

func (h *TrackedEmailHandler) RecordManualContactHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := emailID(w, r)
	if !ok {
		return
	}
	var payload struct {
		ContactedAt *time.Time `json:"contacted_at,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	var at time.Time
	if payload.ContactedAt != nil {
		at = payload.ContactedAt.UTC()
	}
	if err := h.Service.RecordManualContact(r.Context(), id, at); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
