package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"vaultsync/internal/consistency"
	"vaultsync/internal/coordination"
	embed_mocks "vaultsync/internal/embed/mocks"
	"vaultsync/internal/exclusion"
	"vaultsync/internal/handlers"
	"vaultsync/internal/reconcile"
	"vaultsync/internal/storage"
	"vaultsync/internal/vectorstore"
	vectorstore_mocks "vaultsync/internal/vectorstore/mocks"
)

type nopProcessor struct{}

func (nopProcessor) Process(context.Context, string) error { return nil }

func newTestDeps(t *testing.T) *Deps {
	t.Helper()

	coord := coordination.NewStore(coordination.Options{
		Path:           filepath.Join(t.TempDir(), "sync-state.md"),
		WorkspaceID:    "ws1",
		DeviceID:       "dev1",
		DeviceName:     "dev1-laptop",
		Platform:       "linux",
		PluginVersion:  "1.0.0",
		BackupInterval: time.Hour,
	})
	if err := coord.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err := storage.Migrate(db); err != nil {
		t.Fatalf("storage.Migrate() error = %v", err)
	}
	ctrl := gomock.NewController(t)
	vectors := vectorstore_mocks.NewMockVectorStore(ctrl)
	store := consistency.NewStore("ws1", "chunks", storage.NewStatusRepo(db), storage.NewChunkRepo(db), vectors)

	rules := exclusion.New(nil, nil, nil, nil, "_vaultsync/sync-state.md")
	sink := reconcile.NewStateSink()
	manager := reconcile.New(reconcile.Options{
		WorkspacePath: t.TempDir(),
	}, rules, store, nopProcessor{}, nil, sink)

	return &Deps{
		Coordination: coord,
		Manager:      manager,
		Progress:     sink,
		Embedder:     embed_mocks.NewMockEmbedder(ctrl),
		Vectors:      vectors,
		Collection:   "chunks",
		WorkspaceID:  "ws1",
		Checks: map[string]handlers.Pinger{
			"vector_store": handlers.PingerFunc(func(ctx context.Context) error { return nil }),
			"database":     handlers.PingerFunc(func(ctx context.Context) error { return db.PingContext(ctx) }),
		},
	}
}

func TestRouter_Routes(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{
			name:       "GET /api/health",
			method:     http.MethodGet,
			path:       "/api/health",
			wantStatus: http.StatusOK,
		},
		{
			name:       "GET /api/sync/state",
			method:     http.MethodGet,
			path:       "/api/sync/state",
			wantStatus: http.StatusOK,
		},
		{
			name:       "GET /api/sync/progress",
			method:     http.MethodGet,
			path:       "/api/sync/progress",
			wantStatus: http.StatusOK,
		},
		{
			name:       "POST /api/sync/full",
			method:     http.MethodPost,
			path:       "/api/sync/full",
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "GET /api/sync/full method not allowed",
			method:     http.MethodGet,
			path:       "/api/sync/full",
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "POST resolve unknown conflict",
			method:     http.MethodPost,
			path:       "/api/conflicts/nope/resolve",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body *bytes.Buffer
			if tt.method == http.MethodPost {
				body = bytes.NewBufferString(`{"strategy":"keep-both"}`)
			} else {
				body = bytes.NewBuffer(nil)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("%s %s status = %v, want %v", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_SyncState(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/api/sync/state", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %v, want 200", w.Code)
	}
	var resp handlers.SyncStateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.State != "ready" {
		t.Errorf("State = %q, want %q", resp.State, "ready")
	}
	if len(resp.Devices) != 1 || resp.Devices[0].DeviceID != "dev1" {
		t.Errorf("Devices = %+v, want the registered device", resp.Devices)
	}
}

func TestRouter_ResolveConflict(t *testing.T) {
	deps := newTestDeps(t)
	router := NewRouter(deps)
	ctx := context.Background()

	conflict, err := deps.Coordination.AppendConflict(ctx, coordination.Conflict{
		FileID:    "notes/a.md",
		DeviceIDs: []string{"dev1", "dev2"},
	})
	if err != nil {
		t.Fatalf("AppendConflict() error = %v", err)
	}

	body := bytes.NewBufferString(`{"strategy":"keep-both"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/"+conflict.ID+"/resolve", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %v, want 200; body = %s", w.Code, w.Body.String())
	}
	var resolved coordination.Conflict
	if err := json.NewDecoder(w.Body).Decode(&resolved); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resolved.ResolutionStatus != "resolved" {
		t.Errorf("ResolutionStatus = %q, want resolved", resolved.ResolutionStatus)
	}
}

func TestRouter_UnhealthyDependency(t *testing.T) {
	deps := newTestDeps(t)
	deps.Checks["vector_store"] = handlers.PingerFunc(func(context.Context) error {
		return errors.New("connection refused")
	})
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %v, want 503", w.Code)
	}
	var resp handlers.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if resp.Checks["vector_store"] != "error" {
		t.Errorf("vector_store check = %q, want error", resp.Checks["vector_store"])
	}
	if resp.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want ok", resp.Checks["database"])
	}
}

func TestRouter_Search(t *testing.T) {
	deps := newTestDeps(t)
	ctrl := gomock.NewController(t)

	embedder := embed_mocks.NewMockEmbedder(ctrl)
	embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"meeting notes"}).
		Return([][]float32{{0.1, 0.2}}, nil)
	vectors := vectorstore_mocks.NewMockVectorStore(ctrl)
	vectors.EXPECT().Search(gomock.Any(), "chunks", []float32{0.1, 0.2}, 8, gomock.Any()).
		Return([]vectorstore.SearchResult{
			{PointID: "p1", Score: 0.92, Meta: map[string]any{
				"file_path":    "notes/meeting.md",
				"heading_path": "# Meeting",
				"chunk_index":  int64(0),
			}},
		}, nil)
	deps.Embedder = embedder
	deps.Vectors = vectors
	router := NewRouter(deps)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=meeting+notes", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %v, want 200; body = %s", w.Code, w.Body.String())
	}
	var resp handlers.SearchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].FilePath != "notes/meeting.md" {
		t.Errorf("Results = %+v, want one hit for notes/meeting.md", resp.Results)
	}
}

func TestRouter_SearchRequiresQuery(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	req := httptest.NewRequest(http.MethodGet, "/api/search", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want 400", w.Code)
	}
}

func TestRouter_InvalidStrategyRejected(t *testing.T) {
	router := NewRouter(newTestDeps(t))

	body := bytes.NewBufferString(`{"strategy":"coin-flip"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/conflicts/some-id/resolve", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %v, want 400", w.Code)
	}
}
