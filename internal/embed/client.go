// Package embed provides the client for the OpenAI-compatible embeddings API
// that turns chunk text into vectors.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

//go:generate mockgen -source=client.go -destination=mocks/mock_embedder.go -package=mocks

// Embedder generates embedding vectors for batches of text.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Client calls an OpenAI-compatible /v1/embeddings endpoint.
type Client struct {
	BaseURL      string
	APIKey       string
	Model        string
	ExpectedSize int // Every returned vector is validated against this size
	client       *http.Client
}

// NewClient creates an embeddings client. expectedSize comes from the vector
// store configuration; mismatched vectors are rejected before they reach it.
func NewClient(baseURL, apiKey, model string, expectedSize int) *Client {
	return &Client{
		BaseURL:      baseURL,
		APIKey:       apiKey,
		Model:        model,
		ExpectedSize: expectedSize,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Embedding []float64 `json:"embedding"`
}

type embeddingsResponse struct {
	Data []embeddingData `json:"data"`
}

// EmbedTexts generates one embedding per input text, in input order.
func (c *Client) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty input array")
	}

	payload := embeddingsRequest{
		Model: c.Model,
		Input: texts,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw))
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(decoded.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(decoded.Data))
	}

	result := make([][]float32, len(decoded.Data))
	for i, data := range decoded.Data {
		if len(data.Embedding) != c.ExpectedSize {
			return nil, fmt.Errorf("embedding %d has size %d, expected %d", i, len(data.Embedding), c.ExpectedSize)
		}

		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		result[i] = vec
	}

	return result, nil
}

// Validate issues a probe request to confirm the endpoint is reachable and
// returns vectors of the expected size.
func (c *Client) Validate(ctx context.Context) error {
	vectors, err := c.EmbedTexts(ctx, []string{"connectivity probe"})
	if err != nil {
		return fmt.Errorf("embedding endpoint validation failed: %w", err)
	}
	if len(vectors) != 1 {
		return fmt.Errorf("embedding endpoint returned %d vectors for a single input", len(vectors))
	}
	return nil
}
