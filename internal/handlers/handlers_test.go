package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	rate "golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	dbpkg "stashmirror/internal/db"
	"stashmirror/internal/exclusions"
	"stashmirror/internal/registry"
	"stashmirror/internal/stats"
	"stashmirror/internal/syncer"
)

func init() {
	writeLimiter = rate.NewLimiter(rate.Inf, 0)
}

type testEnv struct {
	db      *sql.DB
	handler http.Handler
}

func newEnv(t *testing.T, adminToken string) *testEnv {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	d, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	d.SetMaxOpenConns(1)
	t.Cleanup(func() { d.Close() })
	if err := dbpkg.Init(d); err != nil {
		t.Fatalf("init db: %v", err)
	}

	reg := registry.New(d, nil)
	if err := reg.Initialize(context.Background()); err != nil {
		t.Fatalf("registry: %v", err)
	}
	deps := Deps{
		DB:         d,
		Registry:   reg,
		Syncer:     syncer.New(d, reg, 100, 1000),
		Exclusions: exclusions.New(d),
		Stats:      stats.New(d),
		AdminToken: adminToken,
	}
	return &testEnv{db: d, handler: New(deps)}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestInstanceCRUD(t *testing.T) {
	env := newEnv(t, "tok")

	rec := env.do(t, http.MethodPost, "/api/instances", "tok", map[string]any{
		"name": "main", "url": "http://stash:9999/", "apiKey": "k3y",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[dbpkg.Instance](t, rec)
	if created.ID == "" || created.Name != "main" || created.URL != "http://stash:9999" {
		t.Fatalf("created %+v", created)
	}
	if !created.Enabled || created.Priority != 100 {
		t.Fatalf("defaults not applied: %+v", created)
	}

	rec = env.do(t, http.MethodGet, "/api/instances", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	list := decodeBody[[]dbpkg.Instance](t, rec)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("list %+v", list)
	}
	// The api key never appears in responses.
	if strings.Contains(rec.Body.String(), "k3y") {
		t.Fatalf("api key leaked: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, "/api/instances/"+created.ID, "tok", map[string]any{
		"name": "renamed", "url": "http://stash:9999", "priority": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", rec.Code, rec.Body.String())
	}
	updated := decodeBody[dbpkg.Instance](t, rec)
	if updated.Name != "renamed" || updated.Priority != 5 {
		t.Fatalf("updated %+v", updated)
	}

	rec = env.do(t, http.MethodDelete, "/api/instances/"+created.ID, "tok", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/instances/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete status %d", rec.Code)
	}
}

func TestInstanceValidationDetails(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/instances", "", map[string]any{
		"name": "", "url": "not a url",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Details map[string]string `json:"details"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Details["name"] == "" || body.Details["url"] == "" {
		t.Fatalf("missing field details: %+v", body.Details)
	}
}

func TestAdminTokenRequired(t *testing.T) {
	env := newEnv(t, "tok")
	rec := env.do(t, http.MethodPost, "/api/instances", "", map[string]any{
		"name": "main", "url": "http://stash:9999",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/instances", "wrong", map[string]any{
		"name": "main", "url": "http://stash:9999",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status %d", rec.Code)
	}
	// Reads stay open.
	rec = env.do(t, http.MethodGet, "/api/instances", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read status %d", rec.Code)
	}
}

func TestHiddenLifecycle(t *testing.T) {
	env := newEnv(t, "")
	ctx := context.Background()
	if err := dbpkg.UpsertScene(ctx, env.db, &dbpkg.Scene{ID: "1", StashInstanceID: "inst-a", Title: "x"}); err != nil {
		t.Fatalf("seed scene: %v", err)
	}

	ref := map[string]any{"entityType": "scene", "entityId": "1", "instanceId": "inst-a"}
	rec := env.do(t, http.MethodPost, "/api/users/u1/hidden", "", ref)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("hide status %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/users/u1/hidden", "", nil)
	hidden := decodeBody[[]dbpkg.UserExcludedEntity](t, rec)
	if len(hidden) != 1 || hidden[0].EntityID != "1" || hidden[0].Reason != dbpkg.ReasonHidden {
		t.Fatalf("hidden %+v", hidden)
	}

	// The hidden scene disappears from the user's listing.
	rec = env.do(t, http.MethodGet, "/api/scenes?user=u1&instance=inst-a", "", nil)
	var page struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 0 {
		t.Fatalf("hidden scene still listed: %s", rec.Body.String())
	}

	rec = env.do(t, http.MethodDelete, "/api/users/u1/hidden", "", ref)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unhide status %d", rec.Code)
	}
	rec = env.do(t, http.MethodGet, "/api/users/u1/hidden", "", nil)
	if got := decodeBody[[]dbpkg.UserExcludedEntity](t, rec); len(got) != 0 {
		t.Fatalf("exclusion not removed: %+v", got)
	}
}

func TestHideRejectsBadEntityType(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/users/u1/hidden", "", map[string]any{
		"entityType": "bogus", "entityId": "1",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRatingBounds(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPut, "/api/users/u1/ratings", "", map[string]any{
		"entityType": "scene", "entityId": "1", "instanceId": "inst-a", "rating100": 101,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPut, "/api/users/u1/ratings", "", map[string]any{
		"entityType": "scene", "entityId": "1", "instanceId": "inst-a", "rating100": 85,
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRecordPlay(t *testing.T) {
	env := newEnv(t, "")
	ctx := context.Background()
	if err := dbpkg.UpsertScene(ctx, env.db, &dbpkg.Scene{ID: "1", StashInstanceID: "inst-a"}); err != nil {
		t.Fatalf("seed scene: %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/users/u1/scenes/1/play", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing instance status %d", rec.Code)
	}
	rec = env.do(t, http.MethodPost, "/api/users/u1/scenes/1/play?instance=inst-a", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("play status %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, http.MethodPost, "/api/users/u1/scenes/404/play?instance=inst-a", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing scene status %d", rec.Code)
	}

	h, err := dbpkg.GetWatchHistory(ctx, env.db, "u1", "1", "inst-a")
	if err != nil || h == nil || h.PlayCount != 1 {
		t.Fatalf("history %+v err %v", h, err)
	}
}

func TestSyncStatusListsAllTypes(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodGet, "/api/sync/status", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	states := decodeBody[[]dbpkg.SyncState](t, rec)
	if len(states) != len(dbpkg.EntityTypes()) {
		t.Fatalf("expected one row per type, got %d", len(states))
	}
}

func TestBackgroundJobLifecycle(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/sync/incremental", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start status %d: %s", rec.Code, rec.Body.String())
	}
	started := decodeBody[jobView](t, rec)
	if started.ID == 0 || started.Name != "incremental_sync" {
		t.Fatalf("job %+v", started)
	}

	// With no instances registered the sync finishes immediately.
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/jobs/%d", started.ID), "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll status %d", rec.Code)
		}
		got := decodeBody[jobView](t, rec)
		if got.Status != JobRunning {
			if got.Status != JobSucceeded {
				t.Fatalf("job ended %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec = env.do(t, http.MethodGet, "/api/jobs/999999", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status %d", rec.Code)
	}
}

func TestCleanupRequiresType(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/sync/cleanup", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	env := newEnv(t, "")
	rec := env.do(t, http.MethodPost, "/api/users/u1/hidden", "", map[string]any{
		"entityType": "scene", "entityId": "1", "surprise": true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}
