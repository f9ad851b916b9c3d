package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8081", "test-key", "test-model", 768)
	if client == nil {
		t.Fatal("NewClient() returned nil")
	}
	if client.BaseURL != "http://localhost:8081" {
		t.Errorf("NewClient() BaseURL = %v, want http://localhost:8081", client.BaseURL)
	}
	if client.ExpectedSize != 768 {
		t.Errorf("NewClient() ExpectedSize = %v, want 768", client.ExpectedSize)
	}
}

func TestClient_EmbedTexts(t *testing.T) {
	tests := []struct {
		name         string
		texts        []string
		expectedSize int
		serverResp   func(w http.ResponseWriter, r *http.Request)
		wantErr      bool
		wantCount    int
	}{
		{
			name:         "successful embedding",
			texts:        []string{"Hello", "World"},
			expectedSize: 768,
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("expected POST, got %s", r.Method)
				}
				if r.URL.Path != "/v1/embeddings" {
					t.Errorf("expected /v1/embeddings, got %s", r.URL.Path)
				}

				resp := embeddingsResponse{
					Data: []embeddingData{
						{Embedding: make([]float64, 768)},
						{Embedding: make([]float64, 768)},
					},
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(resp)
			},
			wantErr:   false,
			wantCount: 2,
		},
		{
			name:         "empty input",
			texts:        []string{},
			expectedSize: 768,
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				// Should not be called
			},
			wantErr: true,
		},
		{
			name:         "wrong embedding count",
			texts:        []string{"Hello", "World"},
			expectedSize: 768,
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				resp := embeddingsResponse{
					Data: []embeddingData{
						{Embedding: make([]float64, 768)},
					},
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(resp)
			},
			wantErr: true,
		},
		{
			name:         "wrong vector size",
			texts:        []string{"Hello"},
			expectedSize: 768,
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				resp := embeddingsResponse{
					Data: []embeddingData{
						{Embedding: make([]float64, 512)},
					},
				}
				w.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(w).Encode(resp)
			},
			wantErr: true,
		},
		{
			name:         "server error",
			texts:        []string{"Hello"},
			expectedSize: 768,
			serverResp: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("internal server error"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(tt.serverResp))
			defer server.Close()

			client := NewClient(server.URL, "test-key", "test-model", tt.expectedSize)
			embeddings, err := client.EmbedTexts(context.Background(), tt.texts)

			if tt.wantErr {
				if err == nil {
					t.Errorf("EmbedTexts() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("EmbedTexts() error = %v", err)
			}
			if len(embeddings) != tt.wantCount {
				t.Errorf("EmbedTexts() returned %d vectors, want %d", len(embeddings), tt.wantCount)
			}
			for i, vec := range embeddings {
				if len(vec) != tt.expectedSize {
					t.Errorf("vector %d has size %d, want %d", i, len(vec), tt.expectedSize)
				}
			}
		})
	}
}

func TestClient_Validate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingsResponse{
			Data: []embeddingData{{Embedding: make([]float64, 4)}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-key", "test-model", 4)
	if err := client.Validate(context.Background()); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	bad := NewClient(server.URL, "test-key", "test-model", 8)
	if err := bad.Validate(context.Background()); err == nil {
		t.Error("Validate() with mismatched size expected error, got nil")
	}
}
