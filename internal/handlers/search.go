package handlers

import (
	"net/http"
	"strconv"

	"vaultsync/internal/contextutil"
	"vaultsync/internal/embed"
	"vaultsync/internal/vectorstore"
)

const (
	defaultSearchK = 8
	maxSearchK     = 50
)

// SearchHandler answers semantic search queries over the vectorized
// workspace.
type SearchHandler struct {
	embedder    embed.Embedder
	vectors     vectorstore.VectorStore
	collection  string
	workspaceID string
}

// NewSearchHandler creates a new SearchHandler.
func NewSearchHandler(embedder embed.Embedder, vectors vectorstore.VectorStore, collection, workspaceID string) *SearchHandler {
	return &SearchHandler{
		embedder:    embedder,
		vectors:     vectors,
		collection:  collection,
		workspaceID: workspaceID,
	}
}

// SearchHit is one search result.
type SearchHit struct {
	FilePath    string  `json:"filePath"`
	HeadingPath string  `json:"headingPath,omitempty"`
	ChunkIndex  int     `json:"chunkIndex"`
	Score       float32 `json:"score"`
}

// SearchResponse is the search reply.
type SearchResponse struct {
	Query   string      `json:"query"`
	Results []SearchHit `json:"results"`
}

// ServeHTTP handles GET /api/search?q=...&k=...&folder=...
func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "Missing query parameter q")
		return
	}

	k := defaultSearchK
	if raw := r.URL.Query().Get("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxSearchK {
			writeError(w, http.StatusBadRequest, "Parameter k must be between 1 and 50")
			return
		}
		k = parsed
	}

	vecs, err := h.embedder.EmbedTexts(ctx, []string{query})
	if err != nil {
		logger.ErrorContext(ctx, "failed to embed query", "error", err)
		writeError(w, http.StatusBadGateway, "Embedding service unavailable")
		return
	}

	filters := map[string]any{"workspace_id": h.workspaceID}
	if folder := r.URL.Query().Get("folder"); folder != "" {
		filters["folder"] = folder
	}

	results, err := h.vectors.Search(ctx, h.collection, vecs[0], k, filters)
	if err != nil {
		logger.ErrorContext(ctx, "vector search failed", "error", err)
		writeError(w, http.StatusBadGateway, "Vector store unavailable")
		return
	}

	hits := make([]SearchHit, 0, len(results))
	for _, res := range results {
		hit := SearchHit{Score: res.Score}
		if v, ok := res.Meta["file_path"].(string); ok {
			hit.FilePath = v
		}
		if v, ok := res.Meta["heading_path"].(string); ok {
			hit.HeadingPath = v
		}
		switch v := res.Meta["chunk_index"].(type) {
		case int64:
			hit.ChunkIndex = int(v)
		case float64:
			hit.ChunkIndex = int(v)
		}
		hits = append(hits, hit)
	}

	writeJSON(w, http.StatusOK, SearchResponse{Query: query, Results: hits})
}
