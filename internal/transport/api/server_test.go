package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"spodb.dev/internal/sim/catalogs"
	"spodb.dev/internal/sim/world"
)

func newTestServer(t *testing.T, snaps Snapshotter) (*world.World, *http.ServeMux) {
	t.Helper()
	w, err := world.New(world.WorldConfig{})
	if err != nil {
		t.Fatalf("world: %v", err)
	}
	path := filepath.Join(t.TempDir(), "blueprints.yaml")
	if err := os.WriteFile(path, []byte("fighter:\n  maxHealth: 100\n  weapon:\n    damage: 10\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	bps, err := catalogs.LoadBlueprints(path)
	if err != nil {
		t.Fatalf("blueprints: %v", err)
	}
	s := NewServer(Config{
		World:      w,
		Blueprints: bps,
		Endpoints:  Endpoints{SpoDB: "http://spodb", Auth: "http://auth"},
		Snapshots:  snaps,
		Metrics:    []MetricWriter{func(w io.Writer) { _, _ = io.WriteString(w, "extra_metric 1\n") }},
	})
	mux := http.NewServeMux()
	s.Register(mux, true)
	return w, mux
}

func do(mux http.Handler, method, target string, body io.Reader, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestObjectsHandler_ListsActiveObjects(t *testing.T) {
	w, mux := newTestServer(t, nil)
	w.Restore(world.SpaceObject{ID: "a", Revision: 3, Values: world.Values{"type": "ship"}})
	w.Restore(world.SpaceObject{ID: "b", Values: world.Values{"type": "station"}})
	w.Restore(world.SpaceObject{ID: "c", Values: world.Values{"type": "ship", "tombstone": true}})

	rec := do(mux, http.MethodGet, "/spodb", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var got map[string]world.SpaceObject
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got["a"].Revision != 3 || got["a"].ID != "a" {
		t.Fatalf("got=%+v", got)
	}
	if !strings.Contains(rec.Body.String(), `"key":"a"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}

	rec = do(mux, http.MethodGet, "/spodb?type=station", nil, "")
	got = nil
	_ = json.Unmarshal(rec.Body.Bytes(), &got)
	if len(got) != 1 || got["b"].ID != "b" {
		t.Fatalf("filtered=%+v", got)
	}
}

func TestUpgradeHandler(t *testing.T) {
	w, mux := newTestServer(t, nil)
	w.Restore(world.SpaceObject{ID: "s1", Revision: 2, Values: world.Values{
		"type":   "ship",
		"weapon": map[string]any{"state": "shoot"},
	}})
	form := func(bp string) io.Reader { return strings.NewReader(url.Values{"blueprint": {bp}}.Encode()) }

	if rec := do(mux, http.MethodPost, "/spodb/s1", form("fighter"), ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	obj, _ := w.Get("s1")
	weapon := obj.Values["weapon"].(map[string]any)
	if obj.Revision != 3 || obj.Values["maxHealth"] != 100 || weapon["damage"] != 10 || weapon["state"] != "shoot" {
		t.Fatalf("obj=%+v", obj)
	}
	if obj.Values["blueprint"] != "fighter" {
		t.Fatalf("blueprint not recorded: %v", obj.Values)
	}

	if rec := do(mux, http.MethodPost, "/spodb/missing", form("fighter"), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing object status=%d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/spodb/s1", form("cruiser"), ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown blueprint status=%d", rec.Code)
	}
	if rec := do(mux, http.MethodPost, "/spodb/s1?blueprint=fighter", nil, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("query blueprint status=%d", rec.Code)
	}
}

func TestEndpointsAndMetrics(t *testing.T) {
	w, mux := newTestServer(t, nil)
	w.Restore(world.SpaceObject{ID: "a", Values: world.Values{}})
	w.Restore(world.SpaceObject{ID: "b", Values: world.Values{"tombstone": true}})

	rec := do(mux, http.MethodGet, "/endpoints", nil, "")
	var ep map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &ep)
	if ep["3dsim"] != "http://spodb" || ep["auth"] != "http://auth" {
		t.Fatalf("endpoints=%v", ep)
	}

	rec = do(mux, http.MethodGet, "/metrics", nil, "")
	body := rec.Body.String()
	for _, want := range []string{
		`spodb_world_objects{state="active"} 1`,
		`spodb_world_objects{state="tombstoned"} 1`,
		"spodb_world_mutations_total 0",
		"extra_metric 1",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

type fakeSnapshotter struct{ err error }

func (f fakeSnapshotter) SaveSnapshot(context.Context) (string, int64, error) {
	return "/data/snapshots/80.snap.zst", 80, f.err
}

func TestAdminSnapshot_LoopbackOnly(t *testing.T) {
	_, mux := newTestServer(t, fakeSnapshotter{})

	if rec := do(mux, http.MethodPost, "/admin/v1/snapshot", nil, "10.0.0.5:1234"); rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rec.Code)
	}
	if rec := do(mux, http.MethodGet, "/admin/v1/snapshot", nil, "127.0.0.1:1234"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET status=%d", rec.Code)
	}
	rec := do(mux, http.MethodPost, "/admin/v1/snapshot", nil, "[::1]:1234")
	var resp map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusOK || resp["ok"] != true || resp["tick"] != 80.0 {
		t.Fatalf("status=%d resp=%v", rec.Code, resp)
	}

	_, failing := newTestServer(t, fakeSnapshotter{err: errors.New("disk full")})
	if rec := do(failing, http.MethodPost, "/admin/v1/snapshot", nil, "127.0.0.1:1"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing status=%d", rec.Code)
	}
}

func TestWithCORS(t *testing.T) {
	h := WithCORS(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) { rw.WriteHeader(http.StatusTeapot) }))
	req := httptest.NewRequest(http.MethodOptions, "/spodb", nil)
	req.Header.Set("Origin", "http://game.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "http://game.example" {
		t.Fatalf("status=%d headers=%v", rec.Code, rec.Header())
	}
}
