package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/positivef/udo-coordination/internal/config"
	"github.com/positivef/udo-coordination/internal/coordination"
	"github.com/positivef/udo-coordination/internal/event"
)

type request struct {
	method string
	path   string
	body   map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T) (*Server, *coordination.Hub) {
	return newTestServerWithConfig(t, ServerConfig{})
}

func newTestServerWithConfig(t *testing.T, cfg ServerConfig) (*Server, *coordination.Hub) {
	t.Helper()
	hub, err := coordination.NewHub(coordination.Config{Settings: config.Default()})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	t.Cleanup(func() { _ = hub.Stop() })
	return NewServerWithConfig(hub, cfg), hub
}

func registerSession(t *testing.T, server *Server, projectID string) string {
	t.Helper()
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sessions",
		body:   map[string]any{"project_id": projectID},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on register, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out struct {
		Session struct {
			ID   string `json:"id"`
			Role string `json:"role"`
		} `json:"session"`
		HeartbeatSeconds int `json:"heartbeat_seconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if out.Session.ID == "" {
		t.Fatal("register response missing session id")
	}
	if out.HeartbeatSeconds <= 0 {
		t.Fatalf("expected positive heartbeat interval, got %d", out.HeartbeatSeconds)
	}
	return out.Session.ID
}

func TestHealth(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestRouteNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/nope"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodPut, path: "/v1/sessions"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong method, got %d", resp.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	server, _ := newTestServer(t)

	id := registerSession(t, server, "proj-a")

	hb := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sessions/" + id + "/heartbeat",
		body:   map[string]any{},
	})
	if hb.Code != http.StatusOK {
		t.Fatalf("expected 200 on heartbeat, got %d (%s)", hb.Code, hb.Body.String())
	}
	var hbOut struct {
		Session struct {
			Role string `json:"role"`
		} `json:"session"`
	}
	if err := json.NewDecoder(hb.Body).Decode(&hbOut); err != nil {
		t.Fatalf("decode heartbeat response: %v", err)
	}
	if hbOut.Session.Role != "primary" {
		t.Fatalf("expected sole session to be primary, got %q", hbOut.Session.Role)
	}

	del := doRequest(t, server, request{
		method: http.MethodDelete,
		path:   "/v1/sessions/" + id,
	})
	if del.Code != http.StatusOK {
		t.Fatalf("expected 200 on deregister, got %d (%s)", del.Code, del.Body.String())
	}
	var delOut struct {
		ReleasedLocks []string `json:"released_locks"`
	}
	if err := json.NewDecoder(del.Body).Decode(&delOut); err != nil {
		t.Fatalf("decode deregister response: %v", err)
	}
	if delOut.ReleasedLocks == nil {
		t.Fatal("released_locks should be an empty list, not null")
	}

	hb = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sessions/" + id + "/heartbeat",
		body:   map[string]any{},
	})
	if hb.Code != http.StatusGone {
		t.Fatalf("expected 410 heartbeating a deregistered session, got %d", hb.Code)
	}
	var goneOut struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(hb.Body).Decode(&goneOut); err != nil {
		t.Fatalf("decode gone response: %v", err)
	}
	if goneOut.Code != "session_gone" {
		t.Fatalf("expected code session_gone, got %q", goneOut.Code)
	}
}

func TestHeartbeatUnknownSession(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sessions/ghost/heartbeat",
		body:   map[string]any{},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAcquireReleaseRenew(t *testing.T) {
	server, _ := newTestServer(t)
	id := registerSession(t, server, "proj-a")

	acq := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:src/main.go",
			"lock_type":   "file",
			"session_id":  id,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
		},
	})
	if acq.Code != http.StatusOK {
		t.Fatalf("expected 200 on acquire, got %d (%s)", acq.Code, acq.Body.String())
	}
	var acqOut struct {
		Grant struct {
			ResourceID string `json:"resource_id"`
			SessionID  string `json:"session_id"`
		} `json:"grant"`
	}
	if err := json.NewDecoder(acq.Body).Decode(&acqOut); err != nil {
		t.Fatalf("decode acquire response: %v", err)
	}
	if acqOut.Grant.SessionID != id {
		t.Fatalf("grant names session %q, want %q", acqOut.Grant.SessionID, id)
	}

	ren := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/renew",
		body: map[string]any{
			"resource_id": "file:src/main.go",
			"lock_type":   "file",
			"session_id":  id,
			"ttl_seconds": 120,
		},
	})
	if ren.Code != http.StatusOK {
		t.Fatalf("expected 200 on renew, got %d (%s)", ren.Code, ren.Body.String())
	}

	rel := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/release",
		body: map[string]any{
			"resource_id": "file:src/main.go",
			"lock_type":   "file",
			"session_id":  id,
			"project_id":  "proj-a",
		},
	})
	if rel.Code != http.StatusOK {
		t.Fatalf("expected 200 on release, got %d (%s)", rel.Code, rel.Body.String())
	}
}

func TestAcquireBusyNamesHolder(t *testing.T) {
	server, _ := newTestServer(t)
	holder := registerSession(t, server, "proj-a")
	requester := registerSession(t, server, "proj-a")

	lockBody := func(session string) map[string]any {
		return map[string]any{
			"resource_id": "file:shared.go",
			"lock_type":   "file",
			"session_id":  session,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
		}
	}
	if resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(holder)}); resp.Code != http.StatusOK {
		t.Fatalf("holder acquire failed: %d (%s)", resp.Code, resp.Body.String())
	}

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(requester)})
	if resp.Code != http.StatusLocked {
		t.Fatalf("expected 423 on contended acquire, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out struct {
		Code   string `json:"code"`
		Holder string `json:"holder"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode busy response: %v", err)
	}
	if out.Code != "locked" {
		t.Fatalf("expected code locked, got %q", out.Code)
	}
	if out.Holder != holder {
		t.Fatalf("busy response names holder %q, want %q", out.Holder, holder)
	}
}

func TestReleaseNotOwner(t *testing.T) {
	server, _ := newTestServer(t)
	holder := registerSession(t, server, "proj-a")
	other := registerSession(t, server, "proj-a")

	doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:owned.go",
			"lock_type":   "file",
			"session_id":  holder,
			"ttl_seconds": 60,
		},
	})

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/release",
		body: map[string]any{
			"resource_id": "file:owned.go",
			"lock_type":   "file",
			"session_id":  other,
		},
	})
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 releasing someone else's lock, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAcquireInvalidInput(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body:   map[string]any{"lock_type": "file"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on missing fields, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestAcquireAppliesConfiguredTTLDefault(t *testing.T) {
	server, _ := newTestServerWithConfig(t, ServerConfig{DefaultLockTTL: 42 * time.Second})
	id := registerSession(t, server, "proj-a")

	acq := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:default.go",
			"lock_type":   "file",
			"session_id":  id,
			"project_id":  "proj-a",
		},
	})
	if acq.Code != http.StatusOK {
		t.Fatalf("acquire without ttl_seconds should use the configured default, got %d (%s)", acq.Code, acq.Body.String())
	}
	var out struct {
		Grant struct {
			TTL time.Duration `json:"ttl"`
		} `json:"grant"`
	}
	if err := json.NewDecoder(acq.Body).Decode(&out); err != nil {
		t.Fatalf("decode acquire response: %v", err)
	}
	if out.Grant.TTL != 42*time.Second {
		t.Fatalf("grant ttl = %v, want configured default 42s", out.Grant.TTL)
	}
}

func TestAcquireWaitUsesConfiguredTimeout(t *testing.T) {
	server, _ := newTestServerWithConfig(t, ServerConfig{DefaultWaitTimeout: 50 * time.Millisecond})
	holder := registerSession(t, server, "proj-a")
	requester := registerSession(t, server, "proj-a")

	if resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:slow.go",
			"lock_type":   "file",
			"session_id":  holder,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
		},
	}); resp.Code != http.StatusOK {
		t.Fatalf("holder acquire failed: %d (%s)", resp.Code, resp.Body.String())
	}

	start := time.Now()
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:slow.go",
			"lock_type":   "file",
			"session_id":  requester,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
			"wait":        true,
		},
	})
	if resp.Code != http.StatusLocked {
		t.Fatalf("expected 423 after wait timeout, got %d (%s)", resp.Code, resp.Body.String())
	}
	var out struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.Code != "lock_wait_timeout" {
		t.Fatalf("expected code lock_wait_timeout, got %q", out.Code)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("wait ran %v, configured timeout was 50ms", elapsed)
	}
}

func TestMalformedBody(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed json, got %d", rec.Code)
	}
}

func TestConflictResolveLifecycle(t *testing.T) {
	server, _ := newTestServer(t)
	holder := registerSession(t, server, "proj-a")
	requester := registerSession(t, server, "proj-a")

	lockBody := func(session string) map[string]any {
		return map[string]any{
			"resource_id": "file:hot.go",
			"lock_type":   "file",
			"session_id":  session,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
		}
	}
	doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(holder)})
	if resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(requester)}); resp.Code != http.StatusLocked {
		t.Fatalf("expected contention, got %d", resp.Code)
	}

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/conflicts"})
	var listOut struct {
		Conflicts []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"conflicts"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listOut); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(listOut.Conflicts) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(listOut.Conflicts))
	}
	conflictID := listOut.Conflicts[0].ID

	// The lock is still held, so resolution reports progress rather
	// than closing the record.
	res := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/conflicts/" + conflictID + "/resolve",
		body:   map[string]any{},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on resolve, got %d (%s)", res.Code, res.Body.String())
	}
	var resOut struct {
		Outcome struct {
			Kind string `json:"kind"`
		} `json:"outcome"`
	}
	if err := json.NewDecoder(res.Body).Decode(&resOut); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	if resOut.Outcome.Kind != "in_progress" {
		t.Fatalf("expected in_progress while lock held, got %q", resOut.Outcome.Kind)
	}

	doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/release",
		body: map[string]any{
			"resource_id": "file:hot.go",
			"lock_type":   "file",
			"session_id":  holder,
			"project_id":  "proj-a",
		},
	})

	// Release closes the record; a retried resolve answers from the
	// archive instead of failing.
	res = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/conflicts/" + conflictID + "/resolve",
		body:   map[string]any{},
	})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 on retried resolve, got %d (%s)", res.Code, res.Body.String())
	}
	if err := json.NewDecoder(res.Body).Decode(&resOut); err != nil {
		t.Fatalf("decode retried resolve: %v", err)
	}
	if resOut.Outcome.Kind != "resolved" {
		t.Fatalf("expected resolved after release, got %q", resOut.Outcome.Kind)
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/conflicts/ghost/resolve",
		body:   map[string]any{},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestSnapshot(t *testing.T) {
	server, _ := newTestServer(t)
	a := registerSession(t, server, "proj-a")
	registerSession(t, server, "proj-b")

	doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/locks/acquire",
		body: map[string]any{
			"resource_id": "file:snap.go",
			"lock_type":   "file",
			"session_id":  a,
			"project_id":  "proj-a",
			"ttl_seconds": 60,
		},
	})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/snapshot"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var snap struct {
		Sessions  []json.RawMessage `json:"sessions"`
		Locks     []json.RawMessage `json:"locks"`
		Conflicts []json.RawMessage `json:"conflicts"`
		Archived  []json.RawMessage `json:"archived_conflicts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(snap.Sessions))
	}
	if len(snap.Locks) != 1 {
		t.Fatalf("expected 1 lock, got %d", len(snap.Locks))
	}
	if snap.Conflicts == nil || snap.Archived == nil {
		t.Fatal("conflict lists should be empty, not null")
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/snapshot?project=proj-b"})
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode filtered snapshot: %v", err)
	}
	if len(snap.Sessions) != 1 {
		t.Fatalf("expected 1 session for proj-b, got %d", len(snap.Sessions))
	}
	if len(snap.Locks) != 0 {
		t.Fatalf("expected no locks for proj-b, got %d", len(snap.Locks))
	}
}

func TestEventsUnknownTopic(t *testing.T) {
	server, _ := newTestServer(t)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events/bogus"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown topic, got %d", resp.Code)
	}
}

func TestEventsWebsocketStream(t *testing.T) {
	server, hub := newTestServer(t)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/conflicts"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial events stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	holder := registerSession(t, server, "proj-ws")
	requester := registerSession(t, server, "proj-ws")
	lockBody := func(session string) map[string]any {
		return map[string]any{
			"resource_id": "file:streamed.go",
			"lock_type":   "file",
			"session_id":  session,
			"project_id":  "proj-ws",
			"ttl_seconds": 60,
		}
	}
	doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(holder)})
	doRequest(t, server, request{method: http.MethodPost, path: "/v1/locks/acquire", body: lockBody(requester)})

	_, payload, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event frame: %v", err)
	}
	var env event.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Kind != event.KindConflictDetected {
		t.Fatalf("expected %s event, got %s", event.KindConflictDetected, env.Kind)
	}
	if env.Topic != "conflicts" {
		t.Fatalf("expected conflicts topic, got %q", env.Topic)
	}
}
