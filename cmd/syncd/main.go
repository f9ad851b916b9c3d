package main

import (
	"context"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"vaultsync/internal/config"
	"vaultsync/internal/consistency"
	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
	"vaultsync/internal/embed"
	"vaultsync/internal/exclusion"
	"vaultsync/internal/handlers"
	"vaultsync/internal/http"
	"vaultsync/internal/queue"
	"vaultsync/internal/reconcile"
	"vaultsync/internal/splitter"
	"vaultsync/internal/storage"
	"vaultsync/internal/tracker"
	"vaultsync/internal/vectorstore"
)

const version = "1.0.0"

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = contextutil.WithLogger(ctx, logger)

	// Initialize database
	db, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database initialized", "path", cfg.DBPath)

	statusRepo := storage.NewStatusRepo(db)
	chunkRepo := storage.NewChunkRepo(db)

	// Initialize Qdrant vector store
	vectorStore, err := vectorstore.NewQdrantStore(cfg.QdrantURL)
	if err != nil {
		log.Fatalf("Failed to create Qdrant client: %v", err)
	}
	if err := vectorStore.EnsureCollection(ctx, cfg.QdrantCollection, cfg.QdrantVectorSize); err != nil {
		if cfg.SyncRequired {
			log.Fatalf("Failed to ensure Qdrant collection (sync required): %v", err)
		}
		slog.Warn("Qdrant collection not ready, starting offline", "error", err)
	} else {
		slog.Info("Qdrant collection ready", "collection", cfg.QdrantCollection, "vector_size", cfg.QdrantVectorSize)
	}

	// Validate embedding client vector size (fail-fast when sync is required)
	embedder := embed.NewClient(cfg.EmbeddingBaseURL, cfg.EmbeddingAPIKey, cfg.EmbeddingModelName, cfg.QdrantVectorSize)
	if err := embedder.Validate(ctx); err != nil {
		if cfg.SyncRequired {
			log.Fatalf("Failed to validate embedding client: %v", err)
		}
		slog.Warn("Embedding client not reachable at startup", "error", err)
	} else {
		slog.Info("Embedding client validated", "vector_size", cfg.QdrantVectorSize)
	}

	// Coordination document
	deviceID, err := loadDeviceID(cfg.DBPath + ".device")
	if err != nil {
		log.Fatalf("Failed to load device identity: %v", err)
	}
	coord := coordination.NewStore(coordination.Options{
		Path:           filepath.Join(cfg.WorkspacePath, filepath.FromSlash(cfg.CoordinationPath)),
		WorkspaceID:    cfg.WorkspaceID,
		DeviceID:       deviceID,
		DeviceName:     cfg.DeviceName,
		Platform:       runtime.GOOS,
		PluginVersion:  version,
		BackupInterval: cfg.BackupInterval,
	})
	if err := coord.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize coordination document: %v", err)
	}
	slog.Info("Coordination document ready", "device_id", deviceID, "workspace_id", cfg.WorkspaceID)

	// Consistency store and processing pipeline
	store := consistency.NewStore(cfg.WorkspaceID, cfg.QdrantCollection, statusRepo, chunkRepo, vectorStore)
	rules := exclusion.New(cfg.ExcludedFolders, cfg.ExcludedExtensions, cfg.ExcludedPrefixes, cfg.ExcludedFiles, cfg.CoordinationPath)

	vectorizer := queue.NewVectorizer(cfg.WorkspacePath, deviceID, splitter.New(), embedder, store, coord)
	taskQueue := queue.New(vectorizer, cfg.EmbeddingWorkers)
	taskQueue.Start(ctx)
	defer taskQueue.Stop()

	// Bulk reconciliation
	progressSink := reconcile.NewStateSink()
	manager := reconcile.New(reconcile.Options{
		WorkspacePath:    cfg.WorkspacePath,
		CoordinationPath: cfg.CoordinationPath,
		DeviceID:         deviceID,
		BatchSize:        cfg.BatchSize,
		MaxConcurrent:    cfg.MaxConcurrentBatches,
		Rules:            priorityRules(cfg.PriorityRules),
	}, rules, store, vectorizer, coord, reconcile.MultiSink{
		progressSink,
		reconcile.NewLogSink(logger),
	})

	// Change tracking
	watcher, err := tracker.NewWatcher(cfg.WorkspacePath)
	if err != nil {
		log.Fatalf("Failed to create file watcher: %v", err)
	}
	tr := tracker.New(tracker.Options{
		WorkspacePath: cfg.WorkspacePath,
		DeviceID:      deviceID,
		Debounce:      cfg.DebounceInterval,
	}, rules, store, taskQueue, coord)
	if err := watcher.Start(); err != nil {
		log.Fatalf("Failed to start file watcher: %v", err)
	}
	defer func() {
		_ = watcher.Stop()
	}()
	go tr.Run(ctx, watcher)
	defer tr.Stop()

	// Connectivity probe loop
	go probeLoop(ctx, coord, store, cfg.ConnectivityProbe)

	// Startup reconciliation: replay deferred work, run the full scan, then
	// release buffered file events.
	go func() {
		if err := manager.ReplayPendingOperations(ctx); err != nil {
			slog.Error("Failed to replay deferred operations", "error", err)
		}
		if err := manager.Run(ctx, false); err != nil {
			slog.Error("Startup reconciliation failed", "error", err)
		}
		tr.MarkReady()
		slog.Info("Startup reconciliation finished, live tracking enabled")
	}()

	// Status API
	router := http.NewRouter(&http.Deps{
		Coordination: coord,
		Manager:      manager,
		Progress:     progressSink,
		Embedder:     embedder,
		Vectors:      vectorStore,
		Collection:   cfg.QdrantCollection,
		WorkspaceID:  cfg.WorkspaceID,
		Checks: map[string]handlers.Pinger{
			"vector_store": handlers.PingerFunc(store.Ping),
			"database":     handlers.PingerFunc(db.PingContext),
			"embeddings":   handlers.PingerFunc(embedder.Validate),
		},
	})

	addr := ":" + cfg.APIPort
	server := &nethttp.Server{Addr: addr, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting sync daemon", "addr", addr, "workspace", cfg.WorkspacePath)
	if err := server.ListenAndServe(); err != nil && err != nethttp.ErrServerClosed {
		log.Fatalf("API server failed: %v", err)
	}
}

// probeLoop periodically checks remote-store reachability and records
// connectivity transitions plus a device heartbeat.
func probeLoop(ctx context.Context, coord *coordination.Store, store *consistency.Store, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe once at startup so the state machine leaves UNKNOWN promptly.
	if err := coord.Probe(ctx, store.Ping); err != nil {
		slog.Warn("Connectivity probe failed", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := coord.Probe(ctx, store.Ping); err != nil {
				slog.Warn("Connectivity probe failed", "error", err)
			}
			if err := coord.Heartbeat(ctx); err != nil {
				slog.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

func priorityRules(rules []config.PriorityRule) []reconcile.Rule {
	out := make([]reconcile.Rule, len(rules))
	for i, r := range rules {
		out[i] = reconcile.Rule{Pattern: r.Pattern, Priority: r.Priority}
	}
	return out
}

// loadDeviceID reads the persisted device identity, creating one on first
// run. The identity must stay stable across restarts so the coordination
// document's registry does not accumulate ghost devices.
func loadDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}
