package permitlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransitionSendsRoleAndCredentials(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/requests/r1/transitions" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "pl_key" {
			t.Errorf("missing api key header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"request":        map[string]any{"id": "r1", "state": "VALIDATED", "version": 3},
			"timeline_entry": map[string]any{"id": 7, "action": "VALIDATE", "to_state": "VALIDATED"},
		})
	}))
	defer srv.Close()

	c := New(srv.URL+"/v0", "window_clerk")
	c.APIKey = "pl_key"
	res, err := c.Transition(context.Background(), "r1", Transition{Action: "validate", ExpectedVersion: 2})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if res.Request.State != "VALIDATED" || res.Entry.ID != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got["role"] != "window_clerk" || got["action"] != "validate" || got["expected_version"] != float64(2) {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestConflictIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"concurrent_modification","message":"request r1 changed","details":{"retryable":true}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "technical_director")
	_, err := c.Transition(context.Background(), "r1", Transition{Action: "review"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.StatusCode != http.StatusConflict || apiErr.Message != "request r1 changed" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestInvalidTransitionIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"invalid_transition","message":"window_clerk cannot approve"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "window_clerk").Transition(context.Background(), "r1", Transition{Action: "approve"})
	if IsRetryable(err) {
		t.Fatalf("invalid transition must not be retryable")
	}
}

func TestListRequestsEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("role") != "executive_direction" || len(q["state"]) != 2 || q.Get("limit") != "10" || q.Get("cursor") != "c1" {
			t.Errorf("unexpected query %v", q)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{{"id": "r2"}}, "next_cursor": "c2"})
	}))
	defer srv.Close()

	page, err := New(srv.URL, "executive_direction").ListRequests(context.Background(), ListOptions{
		States: []string{"REVIEWED", "APPROVED"},
		Limit:  10,
		Cursor: "c1",
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "r2" || page.NextCursor != "c2" {
		t.Fatalf("unexpected page %+v", page)
	}
}
