package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/unclebandit/followup-engine/internal/handler"
	"github.com/unclebandit/followup-engine/internal/model"
	"github.com/unclebandit/followup-engine/internal/repository"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/testutil"
)

func setup(t *testing.T) (*httptest.Server, *model.Mailbox) {
	t.Helper()
	conn := testutil.NewTestDB(t)
	admin := &service.AdminService{
		Emails:    &repository.TrackedEmailRepository{DB: conn},
		Followups: &repository.FollowupRepository{DB: conn},
		Responses: &repository.ResponseRepository{DB: conn},
		Logger:    testutil.DiscardLogger(),
	}
	r := chi.NewRouter()
	(&handler.TrackedEmailHandler{Service: admin, Logger: testutil.DiscardLogger()}).Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, testutil.SeedMailbox(t, conn, "sales@acme.test")
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestTrackedEmailLifecycle(t *testing.T) {
	srv, mb := setup(t)

	resp := post(t, srv.URL+"/tracked-emails", map[string]any{
		"mailbox_id":      mb.ID,
		"sender_email":    mb.Email,
		"recipient_email": "Buyer@Client.test",
		"subject":         "Proposal",
		"sent_at":         time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC),
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created model.TrackedEmail
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Status != model.EmailPending || created.RecipientEmail != "buyer@client.test" {
		t.Fatalf("unexpected email %+v", created)
	}
	base := srv.URL + "/tracked-emails/" + strconv.FormatInt(created.ID, 10)

	if resp := post(t, base+"/stop", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if resp := post(t, base+"/stop", nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second stop status = %d, want 409", resp.StatusCode)
	}
	if resp := post(t, base+"/resume", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}

	resp = post(t, base+"/responses", map[string]any{"from_address": "buyer@client.test"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("response status = %d", resp.StatusCode)
	}
	var responded model.TrackedEmail
	if err := json.NewDecoder(resp.Body).Decode(&responded); err != nil {
		t.Fatal(err)
	}
	if responded.Status != model.EmailResponded {
		t.Errorf("status = %s, want responded", responded.Status)
	}

	get, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", get.StatusCode)
	}
}

func TestTrackedEmailErrors(t *testing.T) {
	srv, _ := setup(t)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown email", "/tracked-emails/999/stop", http.StatusNotFound},
		{"bad id", "/tracked-emails/abc/resume", http.StatusBadRequest},
		{"missing fields", "/tracked-emails", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+tt.path, map[string]any{})
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestManualContact(t *testing.T) {
	srv, mb := setup(t)
	resp := post(t, srv.URL+"/tracked-emails", map[string]any{
		"mailbox_id":      mb.ID,
		"recipient_email": "buyer@client.test",
	})
	var created model.TrackedEmail
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	resp = post(t, srv.URL+"/tracked-emails/"+strconv.FormatInt(created.ID, 10)+"/manual-contacts", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestListTrackedEmails(t *testing.T) {
	srv, mb := setup(t)
	for _, to := range []string{"a@client.test", "b@client.test", "c@client.test"} {
		post(t, srv.URL+"/tracked-emails", map[string]any{"mailbox_id": mb.ID, "recipient_email": to})
	}

	resp, err := http.Get(srv.URL + "/tracked-emails?page=1&page_size=2&status=pending&mailbox_id=" + strconv.FormatInt(mb.ID, 10))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Data       []model.TrackedEmail `json:"data"`
		Pagination service.Pagination   `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 2 || body.Pagination.TotalCount != 3 || body.Pagination.TotalPages != 2 {
		t.Errorf("got %d emails, pagination %+v", len(body.Data), body.Pagination)
	}
	if body.Data[0].RecipientEmail != "c@client.test" {
		t.Errorf("first = %s, want newest first", body.Data[0].RecipientEmail)
	}

	bad, err := http.Get(srv.URL + "/tracked-emails?mailbox_id=abc")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("bad mailbox_id status = %d", bad.StatusCode)
	}
}
