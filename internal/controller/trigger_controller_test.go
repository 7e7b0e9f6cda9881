package controller_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/unclebandit/followup-engine/internal/controller"
	appErrors "github.com/unclebandit/followup-engine/internal/errors"
	"github.com/unclebandit/followup-engine/internal/queue"
	"github.com/unclebandit/followup-engine/internal/service"
	"github.com/unclebandit/followup-engine/internal/testutil"
)

// MockRunner returns a canned summary or error.
type MockRunner struct {
	got []service.Trigger
	sum *service.Summary
	err error
}

func (m *MockRunner) Run(ctx context.Context, t service.Trigger) (*service.Summary, error) {
	m.got = append(m.got, t)
	if m.err != nil {
		return nil, m.err
	}
	s := *m.sum
	s.Trigger = t
	return &s, nil
}

func newServer(c *controller.TriggerController) *httptest.Server {
	r := chi.NewRouter()
	c.Routes(r)
	return httptest.NewServer(r)
}

func TestTriggerRoutesRunEngine(t *testing.T) {
	runner := &MockRunner{sum: &service.Summary{Processed: 3, Sent: 2, Details: map[string]int64{"eligible": 2}}}
	srv := newServer(&controller.TriggerController{Engine: runner, Logger: testutil.DiscardLogger()})
	defer srv.Close()

	for _, path := range []string{"/triggers/time-slot", "/triggers/bounce-sweep", "/triggers/maintenance"} {
		resp, err := http.Post(srv.URL+path, "application/json", nil)
		if err != nil {
			t.Fatal(err)
		}
		var sum service.Summary
		if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
			t.Fatalf("%s: decoding summary: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || sum.Processed != 3 || sum.Sent != 2 {
			t.Errorf("%s: status %d summary %+v", path, resp.StatusCode, sum)
		}
	}

	want := []service.Trigger{service.TriggerTimeSlot, service.TriggerBounceSweep, service.TriggerMaintenance}
	if diff := cmp.Diff(want, runner.got); diff != "" {
		t.Errorf("triggers mismatch (-want +got):\n%s", diff)
	}
}

func TestTriggerConfigErrorIs500(t *testing.T) {
	runner := &MockRunner{err: appErrors.NewConfigError("followup config record is missing", nil)}
	srv := newServer(&controller.TriggerController{Engine: runner, Logger: testutil.DiscardLogger()})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/triggers/time-slot", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] == "" {
		t.Error("expected an error message in the body")
	}
}

func TestTriggerAsyncPublishes(t *testing.T) {
	runner := &MockRunner{sum: &service.Summary{}}
	q := queue.NewInMemoryQueue(testutil.DiscardLogger())
	if err := queue.StartTriggerSubscriber(context.Background(), q, runner, testutil.DiscardLogger()); err != nil {
		t.Fatal(err)
	}
	srv := newServer(&controller.TriggerController{Engine: runner, Queue: q, Logger: testutil.DiscardLogger()})
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/triggers/maintenance?async=true", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	q.Wait()
	if diff := cmp.Diff([]service.Trigger{service.TriggerMaintenance}, runner.got); diff != "" {
		t.Errorf("triggers mismatch (-want +got):\n%s", diff)
	}
}

func TestHealthz(t *testing.T) {
	srv := newServer(&controller.TriggerController{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
