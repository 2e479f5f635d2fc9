// Package extract calls the external embedding/liveness service. The service
// owns the vision models; this client only moves image bytes in and scores
// out.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const defaultExtractorURL = "http://localhost:8000"

// Result contains the embedding and the externally computed scores for one
// face image.
type Result struct {
	Embedding          []float32
	Dim                int
	Quality            float64
	Live               bool
	LivenessConfidence float64
	Model              string
}

// Extractor is the capability consumed by the engine. The HTTP client below
// is the production implementation; tests substitute their own.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (*Result, error)
}

// Client talks to the embedding/liveness service over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an extractor client. An empty baseURL falls back to the
// local development default.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultExtractorURL
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// extractResponse mirrors the service's JSON payload.
type extractResponse struct {
	Dim       int       `json:"dim"`
	Embedding []float32 `json:"embedding"`
	Quality   float64   `json:"quality"`
	Model     string    `json:"model"`
	Liveness  struct {
		IsLive     bool    `json:"is_live"`
		Confidence float64 `json:"confidence"`
	} `json:"liveness"`
}

// postMultipartImage constructs a multipart form with the image data and
// posts it to the given endpoint.
func (c *Client) postMultipartImage(ctx context.Context, endpoint string, imageData []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	return body, nil
}

// Extract computes the embedding, quality and liveness scores for an image.
func (c *Client) Extract(ctx context.Context, image []byte) (*Result, error) {
	body, err := c.postMultipartImage(ctx, "/process/face", image)
	if err != nil {
		return nil, err
	}

	var resp extractResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("service returned no embedding")
	}
	if resp.Dim != 0 && resp.Dim != len(resp.Embedding) {
		return nil, fmt.Errorf("embedding has %d components, service reported dim %d", len(resp.Embedding), resp.Dim)
	}

	return &Result{
		Embedding:          resp.Embedding,
		Dim:                len(resp.Embedding),
		Quality:            resp.Quality,
		Live:               resp.Liveness.IsLive,
		LivenessConfidence: resp.Liveness.Confidence,
		Model:              resp.Model,
	}, nil
}
