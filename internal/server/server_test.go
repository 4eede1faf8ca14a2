package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/projection"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:     e,
		Projection: projection.Service{Repo: e.Repo, Registry: e.Registry},
		BasePath:   "/v0",
		Auth:       AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true, AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor, roles string) map[string]string {
	return map[string]string{"X-Actor-Id": actor, "X-Actor-Role": roles}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func createRequest(t *testing.T, srv *testServer, applicant string) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"service_type": "radio-licence",
		"request_kind": "NEW",
		"form_payload": map[string]any{"name": "Acme"},
		"documents":    []map[string]any{{"kind": "application_form", "ref": "s3://docs/form.pdf"}},
	}, as(applicant, "client"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	return decode[RequestResponse](t, data)
}

func transition(t *testing.T, srv *testServer, id string, headers map[string]string, body map[string]any) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests/"+id+"/transitions", body, headers)
}

func TestRequestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	created := createRequest(t, srv, "citizen-1")
	if created.State != "SUBMITTED" || created.Holder != "window_clerk" || created.Version != 1 {
		t.Fatalf("unexpected created request %+v", created)
	}
	clerk := as("clerk-1", "window_clerk")

	res, data := transition(t, srv, created.ID, clerk, map[string]any{"action": "return"})
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "missing_comment" {
		t.Fatalf("expected missing_comment, got %d: %s", res.StatusCode, string(data))
	}
	res, data = transition(t, srv, created.ID, clerk, map[string]any{"action": "return", "comment": "missing ID"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("return status %d: %s", res.StatusCode, string(data))
	}
	returned := decode[TransitionResponse](t, data)
	if returned.Request.State != "RETURNED_BY_WINDOW" || returned.Entry.Action != "RETURN_TO_CLIENT" {
		t.Fatalf("unexpected return result %+v", returned)
	}

	res, data = transition(t, srv, created.ID, as("citizen-1", "client"), map[string]any{
		"action":       "resubmit",
		"form_payload": map[string]any{"name": "Acme", "id": "X-1"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resubmit status %d: %s", res.StatusCode, string(data))
	}
	resubmitted := decode[TransitionResponse](t, data)
	if resubmitted.Request.PayloadVersion != 2 || resubmitted.Request.FormPayload["id"] != "X-1" {
		t.Fatalf("payload not versioned: %+v", resubmitted.Request)
	}

	res, data = transition(t, srv, created.ID, clerk, map[string]any{"action": "approve"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %d: %s", res.StatusCode, string(data))
	}
	res, data = transition(t, srv, created.ID, clerk, map[string]any{"action": "validate"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/queues/technical_director", nil, as("td-1", "technical_director"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	queue := decode[QueueResponse](t, data)
	if len(queue.Items) != 1 || queue.Items[0].ID != created.ID {
		t.Fatalf("unexpected queue %+v", queue)
	}
	if len(queue.Items[0].Actions) != 3 {
		t.Fatalf("expected review/approve/reject, got %v", queue.Items[0].Actions)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/dashboard/window_clerk", nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status %d: %s", res.StatusCode, string(data))
	}
	dash := decode[DashboardResponse](t, data)
	if dash.Pending != 0 || dash.Approved != 1 {
		t.Fatalf("unexpected clerk dashboard %+v", dash)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests/"+created.ID+"/timeline", nil, as("citizen-1", "client"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", res.StatusCode, string(data))
	}
	entries := decode[[]TimelineEntryResponse](t, data)
	want := []string{"CREATION", "RETURN_TO_CLIENT", "SUBMISSION", "WINDOW_VALIDATION"}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i, w := range want {
		if entries[i].Action != w {
			t.Fatalf("entry %d: expected %s, got %s", i, w, entries[i].Action)
		}
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/timeline?action=RETURN_TO_CLIENT", nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("feed status %d: %s", res.StatusCode, string(data))
	}
	feed := decode[paginatedTimeline](t, data)
	if len(feed.Items) != 1 || feed.Items[0].Comment != "missing ID" {
		t.Fatalf("unexpected feed %+v", feed)
	}
}

func TestRoleAndOwnershipEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createRequest(t, srv, "citizen-1")

	res, data := transition(t, srv, created.ID, as("clerk-1", "window_clerk"), map[string]any{"role": "technical_director", "action": "approve"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unheld role, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests/"+created.ID, nil, as("citizen-2", "client"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for other applicant, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/timeline", nil, as("citizen-1", "client"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 on feed for client, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, as("multi", "window_clerk,technical_director"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without role for multi-role principal, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests?role=technical_director", nil, as("multi", "window_clerk,technical_director"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	if list := decode[paginatedRequests](t, data); len(list.Items) != 1 {
		t.Fatalf("expected one request, got %+v", list)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/roles", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
}

func TestStaleVersionIsRetryableConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := createRequest(t, srv, "citizen-1")
	clerk := as("clerk-1", "window_clerk")

	res, data := transition(t, srv, created.ID, clerk, map[string]any{"action": "validate", "expected_version": created.Version})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	res, data = transition(t, srv, created.ID, as("td-1", "technical_director"), map[string]any{
		"action": "reject", "comment": "late", "expected_version": created.Version,
	})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "concurrent_modification" {
		t.Fatalf("expected concurrent_modification, got %d: %s", res.StatusCode, string(data))
	}
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &env)
	if env.Error.Details["retryable"] != true {
		t.Fatalf("expected retryable detail, got %+v", env.Error.Details)
	}
}

func TestDevLoginAndMe(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "na-1",
		"roles":    []string{"national_authority"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	token := decode[DevLoginResponse](t, data).Token
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	me := decode[WhoAmIResponse](t, data)
	if me.ActorID != "na-1" || len(me.Roles) != 1 || me.Roles[0] != "national_authority" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestWebhookDispatcherFiltersByAuditAction(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []TimelineEntryResponse
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var entry TimelineEntryResponse
		_ = json.NewDecoder(r.Body).Decode(&entry)
		if r.Header.Get("X-Permitline-Event") != entry.Action {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, entry)
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.WebhookConfig{{URL: hook.URL, Events: []string{"RETURN_TO_CLIENT"}}}, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	created := createRequest(t, srv, "citizen-1")
	if _, data := transition(t, srv, created.ID, as("clerk-1", "window_clerk"), map[string]any{"action": "return", "comment": "blurry scan"}); len(data) == 0 {
		t.Fatalf("empty transition response")
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].RequestID != created.ID || got[0].Comment != "blurry scan" || got[0].ToState != string(domain.StateReturnedByWindow) {
		t.Fatalf("unexpected delivery %+v", got[0])
	}
}

func TestWebhookCursorWaitsForReadableTimeline(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	var mu sync.Mutex
	var deliveries int
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	}))
	defer hook.Close()

	e := engine.New(conn, config.Default())
	d := NewWebhookDispatcher(e.Repo, []config.WebhookConfig{{URL: hook.URL}}, nil)
	ctx := context.Background()

	// No schema yet, so the cursor cannot be seeded.
	d.DispatchAll(ctx)
	if _, ok := d.cursors[0]; ok {
		t.Fatalf("cursor seeded despite unreadable timeline")
	}

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := e.CreateRequest(ctx, engine.CreateRequestInput{ApplicantID: "citizen-1", ServiceType: "radio-licence", Kind: domain.KindNew}); err != nil {
		t.Fatalf("create: %v", err)
	}
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 0 {
		t.Fatalf("history replayed to subscriber: %d deliveries", deliveries)
	}
	if cur := d.cursors[0]; cur != 1 {
		t.Fatalf("expected cursor at newest entry 1, got %d", cur)
	}
}

func TestListRequestsPagesWithOpaqueCursor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for i := 0; i < 3; i++ {
		createRequest(t, srv, "citizen-1")
	}
	clerk := as("clerk-1", "window_clerk")
	seen := map[string]bool{}
	url := srv.URL + "/v0/requests?limit=2"
	res, data := doJSON(t, srv.Client(), http.MethodGet, url, nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	page := decode[paginatedRequests](t, data)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("unexpected first page %+v", page)
	}
	if strings.Contains(page.NextCursor, "|") {
		t.Fatalf("cursor should be opaque, got %q", page.NextCursor)
	}
	for _, r := range page.Items {
		seen[r.ID] = true
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, url+"&cursor="+page.NextCursor, nil, clerk)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page status %d: %s", res.StatusCode, string(data))
	}
	page = decode[paginatedRequests](t, data)
	if len(page.Items) != 1 || page.NextCursor != "" || seen[page.Items[0].ID] {
		t.Fatalf("unexpected second page %+v", page)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, url+"&cursor=not-a-cursor!", nil, clerk)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDeclaresAuthSchemes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	for _, name := range []string{"bearerAuth", "apiKeyAuth"} {
		if _, ok := doc.Components.SecuritySchemes[name]; !ok {
			t.Fatalf("missing security scheme %s", name)
		}
	}
	if ops := doc.Paths["/v0/health"]; len(ops["get"].Security) != 0 {
		t.Fatalf("health should be open, got %+v", ops["get"].Security)
	}
	if ops := doc.Paths["/v0/requests/{request_id}/transitions"]; len(ops["post"].Security) == 0 {
		t.Fatalf("transitions should require auth")
	}
}
