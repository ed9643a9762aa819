package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"stackline/internal/config"
	"stackline/internal/db"
	"stackline/internal/domain"
	"stackline/internal/engine"
	"stackline/internal/migrate"
	"stackline/internal/sync"
)

var actorHeaders = map[string]string{"X-Actor-Id": "tester"}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default("tester", "device-1"))
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
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

func TestStackLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stacks", map[string]any{
		"title":    "first",
		"activate": true,
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create first status %d: %s", res.StatusCode, string(data))
	}
	var first StackResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal stack: %v", err)
	}
	if !first.IsActive {
		t.Fatalf("first stack not active")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stacks", map[string]any{
		"title": "second",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create second status %d: %s", res.StatusCode, string(data))
	}
	var second StackResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stacks/"+second.ID+"/activate", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stacks?active=true", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list active status %d", res.StatusCode)
	}
	var active []StackResponse
	if err := json.Unmarshal(data, &active); err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("expected one active stack %s, got %s", second.ID, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/stacks/"+first.ID+"/complete", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	// completed -> planned is not a legal transition
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/stacks/"+first.ID, map[string]any{
		"status": "planned",
	}, actorHeaders)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad transition, got %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stacks/nope", nil, actorHeaders)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestTaskGraceWindowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"title": "undoable",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{
		"grace_seconds": 300,
	}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delayed complete status %d: %s", res.StatusCode, string(data))
	}
	var pending TaskResponse
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatal(err)
	}
	if pending.Status != "pending" {
		t.Fatalf("task should still be pending during the window, got %q", pending.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/undo-complete", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("undo status %d: %s", res.StatusCode, string(data))
	}
	var undo map[string]bool
	if err := json.Unmarshal(data, &undo); err != nil {
		t.Fatal(err)
	}
	if !undo["cancelled"] {
		t.Fatalf("undo did not cancel the window: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{}, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("immediate complete status %d: %s", res.StatusCode, string(data))
	}
	var done TaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatal(err)
	}
	if done.Status != "completed" {
		t.Fatalf("task status %q", done.Status)
	}
}

func TestAuthIsEnforced(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/stacks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stacks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage bearer token, got %d", res.StatusCode)
	}
	// health stays open for probes
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestConflictListIsEmptyByDefault(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/conflicts?status=open", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list conflicts status %d: %s", res.StatusCode, string(data))
	}
	var conflicts []ConflictResponse
	if err := json.Unmarshal(data, &conflicts); err != nil {
		t.Fatalf("unmarshal conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected no conflicts, got %d", len(conflicts))
	}
}

func TestDeviceSyncEndpointsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/stacks", map[string]any{
		"title": "shared",
	}, actorHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created StackResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal stack: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sync/pull", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pull status %d: %s", res.StatusCode, string(data))
	}
	var changes sync.Changes
	if err := json.Unmarshal(data, &changes); err != nil {
		t.Fatalf("unmarshal changes: %v", err)
	}
	if len(changes.Stacks) != 1 || changes.Stacks[0].ID != created.ID {
		t.Fatalf("pull missed the stack: %s", string(data))
	}
	if changes.Cursor == "" {
		t.Fatalf("pull returned no cursor")
	}

	// a cursor at the head yields nothing new
	res, data = doJSON(t, client, http.MethodGet,
		srv.URL+"/v0/sync/pull?cursor="+url.QueryEscape(changes.Cursor), nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second pull status %d: %s", res.StatusCode, string(data))
	}
	var again sync.Changes
	if err := json.Unmarshal(data, &again); err != nil {
		t.Fatalf("unmarshal changes: %v", err)
	}
	if !again.Empty() {
		t.Fatalf("cursor-gated pull returned rows: %s", string(data))
	}

	push := sync.Changes{Stacks: []domain.Stack{{
		ID:        "st-other-device",
		Title:     "pushed in",
		Status:    "planned",
		CreatedAt: "2026-08-01T00:00:00Z",
		UpdatedAt: "2026-08-01T00:00:00Z",
		SyncMeta:  domain.SyncMeta{Revision: 1},
	}}}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sync/push", push, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("push status %d: %s", res.StatusCode, string(data))
	}
	var result sync.PushResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal push result: %v", err)
	}
	if len(result.Acked) != 1 || result.Acked[0].Revision != 1 {
		t.Fatalf("unexpected acks: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stacks/st-other-device", nil, actorHeaders)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get pushed stack status %d: %s", res.StatusCode, string(data))
	}
	var pushed StackResponse
	if err := json.Unmarshal(data, &pushed); err != nil {
		t.Fatalf("unmarshal stack: %v", err)
	}
	if pushed.Title != "pushed in" {
		t.Fatalf("pushed stack title %q", pushed.Title)
	}
}
