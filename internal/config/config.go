package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the sync daemon.
type Config struct {
	// Workspace
	WorkspacePath string
	WorkspaceID   string
	DeviceName    string

	// Storage
	DBPath string

	// Qdrant
	QdrantURL        string
	QdrantCollection string
	QdrantVectorSize int

	// Embeddings
	EmbeddingBaseURL   string
	EmbeddingModelName string
	EmbeddingAPIKey    string

	// Coordination document
	CoordinationPath string        // Relative to workspace root
	BackupInterval   time.Duration // Minimum time between backup refreshes

	// Change tracking
	DebounceInterval time.Duration

	// Bulk reconciliation
	BatchSize            int
	MaxConcurrentBatches int
	PriorityRules        []PriorityRule

	// Exclusions (comma-separated in env)
	ExcludedFolders    []string
	ExcludedExtensions []string
	ExcludedPrefixes   []string
	ExcludedFiles      []string

	// Behaviour
	SyncRequired      bool // Remote store init failure is fatal when set
	ConnectivityProbe time.Duration
	EmbeddingWorkers  int

	// HTTP API
	APIPort string

	// Logging
	LogLevel  slog.Level
	LogFormat string
}

// PriorityRule maps a path glob pattern to a scan priority.
// Higher priorities are reconciled first.
type PriorityRule struct {
	Pattern  string
	Priority int
}

// Load reads configuration from environment variables and returns a Config struct.
// It applies defaults for optional fields and validates required fields.
// If a .env file exists in the current directory or project root, it will be loaded
// automatically; environment variables already set take precedence over .env values.
func Load() (*Config, error) {
	_ = godotenv.Load() // Try current directory

	// Walk up to find a .env next to go.mod
	wd, err := os.Getwd()
	if err == nil {
		dir := wd
		for i := 0; i < 5; i++ {
			envPath := filepath.Join(dir, ".env")
			if _, err := os.Stat(envPath); err == nil {
				_ = godotenv.Load(envPath)
				break
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	cfg := &Config{
		WorkspacePath:      getEnv("WORKSPACE_PATH", ""),
		WorkspaceID:        getEnv("WORKSPACE_ID", ""),
		DeviceName:         getEnv("DEVICE_NAME", ""),
		DBPath:             getEnv("DB_PATH", "./data/vaultsync.db"),
		QdrantURL:          getEnv("QDRANT_URL", "http://localhost:6333"),
		QdrantCollection:   getEnv("QDRANT_COLLECTION", "workspace-chunks"),
		EmbeddingBaseURL:   getEnv("EMBEDDING_BASE_URL", "http://localhost:8081"),
		EmbeddingModelName: getEnv("EMBEDDING_MODEL_NAME", "granite-embedding-278m-multilingual"),
		EmbeddingAPIKey:    getEnv("EMBEDDING_API_KEY", "dummy-key"),
		CoordinationPath:   getEnv("COORDINATION_PATH", "_vaultsync/sync-state.md"),
		APIPort:            getEnv("API_PORT", "9000"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
	}

	if cfg.WorkspacePath == "" {
		return nil, fmt.Errorf("WORKSPACE_PATH is required")
	}
	if cfg.WorkspaceID == "" {
		// Stable default: the workspace directory name
		cfg.WorkspaceID = filepath.Base(filepath.Clean(cfg.WorkspacePath))
	}
	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("DEVICE_NAME not set and hostname lookup failed: %w", err)
		}
		cfg.DeviceName = hostname
	}

	vectorSizeStr := getEnv("QDRANT_VECTOR_SIZE", "")
	if vectorSizeStr == "" {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE is required")
	}
	vectorSize, err := strconv.Atoi(vectorSizeStr)
	if err != nil {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE must be a valid integer: %w", err)
	}
	if vectorSize <= 0 {
		return nil, fmt.Errorf("QDRANT_VECTOR_SIZE must be greater than 0")
	}
	cfg.QdrantVectorSize = vectorSize

	cfg.BackupInterval, err = getDuration("BACKUP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.DebounceInterval, err = getDuration("DEBOUNCE_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	cfg.ConnectivityProbe, err = getDuration("CONNECTIVITY_PROBE_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.BatchSize, err = getInt("BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	cfg.MaxConcurrentBatches, err = getInt("MAX_CONCURRENT_BATCHES", 3)
	if err != nil {
		return nil, err
	}
	cfg.EmbeddingWorkers, err = getInt("EMBEDDING_WORKERS", 2)
	if err != nil {
		return nil, err
	}

	cfg.ExcludedFolders = splitList(getEnv("EXCLUDED_FOLDERS", ".obsidian,.trash,.git"))
	cfg.ExcludedExtensions = splitList(getEnv("EXCLUDED_EXTENSIONS", ""))
	cfg.ExcludedPrefixes = splitList(getEnv("EXCLUDED_PREFIXES", ""))
	cfg.ExcludedFiles = splitList(getEnv("EXCLUDED_FILES", ""))

	cfg.SyncRequired = getEnv("SYNC_REQUIRED", "false") == "true"

	cfg.PriorityRules, err = parsePriorityRules(getEnv("PRIORITY_RULES", ""))
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(getEnv("LOG_LEVEL", "info")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "info":
		cfg.LogLevel = slog.LevelInfo
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}

	// Create the data directory for the DB file if needed
	dataDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	return cfg, nil
}

// parsePriorityRules parses "pattern=priority" pairs separated by commas,
// e.g. "daily/*=10,projects/*=5". First matching rule wins at scan time.
func parsePriorityRules(raw string) ([]PriorityRule, error) {
	if raw == "" {
		return nil, nil
	}

	var rules []PriorityRule
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.LastIndex(pair, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("PRIORITY_RULES entry %q must be pattern=priority", pair)
		}
		priority, err := strconv.Atoi(pair[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("PRIORITY_RULES entry %q has invalid priority: %w", pair, err)
		}
		rules = append(rules, PriorityRule{Pattern: pair[:idx], Priority: priority})
	}
	return rules, nil
}

// splitList splits a comma-separated env value, trimming whitespace and dropping empties.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getInt parses a positive integer environment variable with a default.
func getInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return value, nil
}

// getDuration parses a duration environment variable with a default.
func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return value, nil
}
